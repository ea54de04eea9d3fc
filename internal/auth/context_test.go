package auth

import (
	"context"
	"testing"
)

func TestWithContext_FromContext(t *testing.T) {
	authCtx := &AuthContext{
		Type:   AuthTypeToken,
		Client: &Client{ID: "test-id", Name: "test", Scope: ScopeAdmin},
	}

	got := FromContext(WithContext(context.Background(), authCtx))
	if got == nil {
		t.Fatal("FromContext() returned nil")
	}
	if got.ClientID() != "test-id" {
		t.Errorf("FromContext().ClientID() = %v, want test-id", got.ClientID())
	}
}

func TestFromContext_NoAuth(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Error("FromContext() should return nil for context without auth")
	}
}

func TestFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), authContextKey, "not-auth-context")
	if got := FromContext(ctx); got != nil {
		t.Error("FromContext() should return nil for wrong type")
	}
}

func TestAuthContext_CanWrite(t *testing.T) {
	tests := []struct {
		name string
		ctx  *AuthContext
		want bool
	}{
		{"nil", nil, false},
		{"no client", &AuthContext{Type: AuthTypeToken}, false},
		{"admin", &AuthContext{Client: &Client{Scope: ScopeAdmin}}, true},
		{"read-only", &AuthContext{Client: &Client{Scope: ScopeReadOnly}}, false},
		{"ro suffix", &AuthContext{Client: &Client{Scope: "agent:ro"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ctx.CanWrite(); got != tt.want {
				t.Errorf("CanWrite() = %v, want %v", got, tt.want)
			}
		})
	}
}

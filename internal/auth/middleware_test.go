package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTokens() *TokenSet {
	tokens := NewTokenSet()
	tokens.Add("s3cret-token-value", Client{Name: "agent"})
	tokens.Add("readonly-token-value", Client{Name: "dashboard", Scope: ScopeReadOnly})
	return tokens
}

func TestTokenSet_Validate(t *testing.T) {
	tokens := newTokens()

	client, err := tokens.Validate("s3cret-token-value")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if client.Name != "agent" || client.Scope != ScopeAdmin {
		t.Errorf("Validate() = %+v, want admin agent", client)
	}
	if client.ID == "" || client.ID == "s3cret-token-value" {
		t.Errorf("client ID %q must be set and must not be the token", client.ID)
	}

	if _, err := tokens.Validate("wrong"); err != ErrInvalidToken {
		t.Errorf("Validate(wrong) error = %v, want ErrInvalidToken", err)
	}
	if _, err := tokens.Validate(""); err != ErrInvalidToken {
		t.Errorf("Validate(empty) error = %v, want ErrInvalidToken", err)
	}
}

func TestMiddleware_ValidToken(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := FromContext(r.Context())
		if authCtx == nil {
			t.Error("Expected auth context to be set")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if authCtx.Type != AuthTypeToken || authCtx.Client.Name != "agent" {
			t.Errorf("unexpected auth context %+v", authCtx)
		}
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/mcp", http.NoBody)
	req.Header.Set("Authorization", "Bearer s3cret-token-value")
	rec := httptest.NewRecorder()
	Middleware(newTokens())(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status = %v, want 200", rec.Code)
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"unknown token", "Bearer nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("Handler should not be called without auth")
			})

			req := httptest.NewRequest("POST", "/mcp", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			Middleware(newTokens())(handler).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("Status = %v, want 401", rec.Code)
			}
			var resp map[string]interface{}
			_ = json.Unmarshal(rec.Body.Bytes(), &resp)
			if resp["error"] == nil {
				t.Error("Response should contain error field")
			}
		})
	}
}

func TestMiddleware_NoTokensAllowsLoopbackOnly(t *testing.T) {
	var got *AuthContext
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	mw := Middleware(NewTokenSet())(handler)

	req := httptest.NewRequest("POST", "/mcp", http.NoBody)
	req.RemoteAddr = "127.0.0.1:50000"
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("loopback Status = %v, want 200", rec.Code)
	}
	if got == nil || got.Type != AuthTypeLocal || !got.CanWrite() {
		t.Errorf("loopback auth context = %+v, want writable local", got)
	}

	req = httptest.NewRequest("POST", "/mcp", http.NoBody)
	req.RemoteAddr = "10.1.2.3:50000"
	rec = httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("remote Status = %v, want 403", rec.Code)
	}
}

func TestMaskToken(t *testing.T) {
	if got := maskToken("short"); got != "***" {
		t.Errorf("maskToken(short) = %q", got)
	}
	if got := maskToken("abcdefghijklmnop"); got != "abcd...mnop" {
		t.Errorf("maskToken(long) = %q", got)
	}
}

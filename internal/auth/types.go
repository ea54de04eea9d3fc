package auth

import (
	"context"
	"strings"
)

// Scope constants
const (
	ScopeAdmin    = "admin"     // every tool
	ScopeReadOnly = "read-only" // list tools only
)

// AuthType records how a request was authenticated
type AuthType string

const (
	AuthTypeToken AuthType = "token"
	AuthTypeLocal AuthType = "local" // loopback request with no token configured
)

// Client is an authenticated caller of the tool server
type Client struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Scope string `json:"scope"`
}

// AuthContext is attached to every authenticated request
type AuthContext struct {
	Type   AuthType
	Client *Client
}

// IsReadOnlyScope returns true if scope only permits reads
func IsReadOnlyScope(scope string) bool {
	return scope == ScopeReadOnly || strings.HasSuffix(scope, ":ro")
}

// CanWrite reports whether the caller may mutate schedules or post messages
func (a *AuthContext) CanWrite() bool {
	if a == nil || a.Client == nil {
		return false
	}
	return !IsReadOnlyScope(a.Client.Scope)
}

// ClientID returns the caller id used for rate limiting and audit logs
func (a *AuthContext) ClientID() string {
	if a == nil || a.Client == nil {
		return ""
	}
	return a.Client.ID
}

type authContextKeyType struct{}

var authContextKey = authContextKeyType{}

// WithContext attaches an AuthContext to ctx
func WithContext(ctx context.Context, a *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, a)
}

// FromContext returns the request's AuthContext, or nil
func FromContext(ctx context.Context) *AuthContext {
	a, _ := ctx.Value(authContextKey).(*AuthContext)
	return a
}

package auth

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/HyphaGroup/acpbridge/internal/logger"
)

// Middleware creates HTTP middleware for authentication.
// With tokens configured only Bearer authentication is accepted. With an
// empty token set, requests from loopback addresses are let through as
// local admin clients and everything else is rejected.
func Middleware(tokens *TokenSet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokens.Len() == 0 {
				if !isLoopback(r.RemoteAddr) {
					jsonError(w, "Tool server accepts only local connections", http.StatusForbidden)
					return
				}
				ctx := WithContext(r.Context(), &AuthContext{
					Type:   AuthTypeLocal,
					Client: &Client{ID: "local", Name: "local", Scope: ScopeAdmin},
				})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				jsonError(w, "Authentication required (Bearer token)", http.StatusUnauthorized)
				return
			}

			token := strings.TrimPrefix(header, "Bearer ")
			client, err := tokens.Validate(token)
			if err != nil {
				logger.Info("Token validation failed for %s: %s", r.RemoteAddr, maskToken(token))
				jsonError(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := WithContext(r.Context(), &AuthContext{Type: AuthTypeToken, Client: client})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    -32001,
			"message": message,
		},
		"id": nil,
	})
}

func maskToken(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

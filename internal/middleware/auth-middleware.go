package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type contextKey string

const IdentityKey contextKey = "identity"

// TokenVerifier resolves a bearer token to the identity it was issued for.
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

func GetIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// BearerToken extracts the token from the Authorization header, falling back
// to the token query parameter that browser websocket clients have to use.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Authenticate rejects requests without a valid bearer token and stores the
// verified identity in the request context.
func Authenticate(verifier TokenVerifier, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}
			identity, err := verifier.VerifyToken(token)
			if err != nil {
				log.Info("invalid token", zap.String("ip", GetIP(r)), zap.Error(err))
				http.Error(w, "Session expired or invalid", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), IdentityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFrom returns the identity stored by Authenticate.
func IdentityFrom(ctx context.Context) string {
	identity, _ := ctx.Value(IdentityKey).(string)
	return identity
}

package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gluk-w/opsgate/internal/sshaudit"
)

type contextKey string

const (
	operatorContextKey contextKey = "operator"
	sourceIPContextKey contextKey = "source_ip"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireIdentity rejects requests that do not carry the verified operator
// identity the auth gateway places in header, and records the identity and
// client IP in the request context.
func RequireIdentity(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			operator := strings.TrimSpace(r.Header.Get(header))
			if operator == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}
			ctx := context.WithValue(r.Context(), operatorContextKey, operator)
			ctx = context.WithValue(ctx, sourceIPContextKey, sshaudit.ExtractSourceIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Operator returns the identity recorded by RequireIdentity.
func Operator(ctx context.Context) string {
	op, _ := ctx.Value(operatorContextKey).(string)
	return op
}

// SourceIP returns the client IP recorded by RequireIdentity.
func SourceIP(ctx context.Context) string {
	ip, _ := ctx.Value(sourceIPContextKey).(string)
	return ip
}

// WithIdentityForTest attaches an operator and source IP to ctx.
func WithIdentityForTest(ctx context.Context, operator, sourceIP string) context.Context {
	ctx = context.WithValue(ctx, operatorContextKey, operator)
	return context.WithValue(ctx, sourceIPContextKey, sourceIP)
}

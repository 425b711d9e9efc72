package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nebulachat/nebula/core"
	"github.com/nebulachat/nebula/logger"
)

type userCtxKey struct{}

// TokenCookie is the cookie carrying the session token.
const TokenCookie = "token"

// TokenFromRequest extracts the session token from the token cookie or,
// failing that, an Authorization bearer header. Returns "" when absent.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(TokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// Middleware rejects unauthenticated requests with 401 and injects the
// verified user into the request context for handlers downstream.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := TokenFromRequest(r)
		if token == "" {
			http.Error(w, `{"message":"No Token - Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		u, err := s.Verify(token)
		if err != nil {
			logger.Log.Warn("auth_rejected", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, `{"message":"Invalid Token - Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
	})
}

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, u core.User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFrom returns the authenticated user stored in the context.
func UserFrom(ctx context.Context) (core.User, bool) {
	u, ok := ctx.Value(userCtxKey{}).(core.User)
	return u, ok
}

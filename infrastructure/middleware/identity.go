package middleware

import (
	"context"
	"net/http"

	"github.com/lumina-learning/pulse-core/infrastructure/logging"
)

// IdentityMiddleware lifts the X-User-ID/X-User-Role headers set by an
// upstream gateway into the request context. It must run behind
// HeaderGateMiddleware (or an equivalent trust boundary) since the headers
// are trusted verbatim, not re-verified here.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if userID := r.Header.Get("X-User-ID"); userID != "" {
			ctx = logging.WithUserID(ctx, userID)
		}
		if role := r.Header.Get("X-User-Role"); role != "" {
			ctx = logging.WithRole(ctx, role)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserID extracts the authenticated user ID from context. Middleware
// consumers (rate limiting, audit logging) should use this rather than
// reaching into infrastructure/logging directly.
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// GetUserRole extracts the caller's role from context, as stored by
// IdentityMiddleware from the X-User-Role header.
func GetUserRole(ctx context.Context) string {
	return logging.GetRole(ctx)
}

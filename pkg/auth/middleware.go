package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/mcp-getgather/mcp-gateway/pkg/log"
	"github.com/mcp-getgather/mcp-gateway/pkg/types"
)

type contextKey struct{}

var userKey contextKey

// UserFromContext returns the authenticated user stored by the middleware.
func UserFromContext(ctx context.Context) (types.AuthUser, bool) {
	user, ok := ctx.Value(userKey).(types.AuthUser)
	return user, ok
}

// ContextWithUser stores an authenticated user, used by handlers and tests.
func ContextWithUser(ctx context.Context, user types.AuthUser) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// ServerOrigin resolves the public origin of a request behind a proxy from
// the forwarded headers, falling back to the Host header.
func ServerOrigin(r *http.Request) string {
	proto := r.Header.Get("x-forwarded-proto")
	if proto == "" {
		proto = "http"
	}
	host := r.Header.Get("x-forwarded-host")
	if host == "" {
		host = r.Host
	}
	if host == "" {
		host = "localhost:9000"
		log.Logger.Warn().Msg("No host found in headers, using default localhost:9000")
	}
	return proto + "://" + host
}

// Middleware guards MCP routes: requests under /mcp need a valid bearer, and
// clients that do not accept event streams are redirected to the home page.
// Non-MCP routes pass through untouched.
func Middleware(router *Router) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/mcp") {
				next.ServeHTTP(w, r)
				return
			}

			if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
				http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
				return
			}

			token := bearerToken(r)
			if token == "" {
				unauthorized(w)
				return
			}

			access, err := router.VerifyToken(r.Context(), token)
			if err != nil {
				log.Logger.Warn().Err(err).Msg("Bearer token rejected")
				unauthorized(w)
				return
			}
			user, err := access.User()
			if err != nil {
				log.Logger.Warn().Err(err).Msg("Bearer token claims incomplete")
				unauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return header[len(prefix):]
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="/.well-known/oauth-protected-resource"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/api"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/credentials"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/fault"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/identity"
)

// RequestDeadline bounds every request handler.
const RequestDeadline = 10 * time.Second

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
	"/check",
	"/status",
	"/api/auth/register",
	"/api/auth/login",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Middleware validates the bearer token and injects the Principal.
// Public paths pass through; everything else fails closed.
func Middleware(tokens *identity.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				api.WriteFault(w, r, fault.New(fault.Unauthorized, "missing Authorization header"))
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				api.WriteFault(w, r, fault.New(fault.Unauthorized, "expected 'Bearer <token>'"))
				return
			}

			id, err := tokens.Verify(parts[1])
			if err != nil {
				api.WriteFault(w, r, err)
				return
			}

			ctx := WithPrincipal(r.Context(), Principal{
				Username: id.Subject,
				Role:     credentials.Role(id.Role),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DeadlineMiddleware attaches the per-request deadline so handlers return
// a timeout instead of holding a tenant lock indefinitely.
func DeadlineMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), RequestDeadline)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GlobalLimitMiddleware applies the per-IP token bucket to every request.
func GlobalLimitMiddleware(rl *GlobalRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(ClientIP(r)) {
				api.WriteFault(w, r, fault.New(fault.RateLimited, "too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

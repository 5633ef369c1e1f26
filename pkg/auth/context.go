// Package auth carries the HTTP middleware chain: request IDs, CORS, rate
// limiting, and bearer-token authentication with principal context.
package auth

import (
	"context"
	"errors"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/credentials"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	Username string
	Role     credentials.Role
}

// IsAdmin reports whether the principal holds the admin role.
func (p Principal) IsAdmin() bool { return p.Role == credentials.RoleAdmin }

type principalKey struct{}

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok {
		return Principal{}, errors.New("no principal in context")
	}
	return p, nil
}

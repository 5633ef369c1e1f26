// Package identity issues and validates the bearer tokens used by both API
// surfaces. Tokens are HS256-signed over {sub, role, iat, exp} under the
// process signing secret; the verifier pins the algorithm.
package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/fault"
)

const issuer = "tokyo-predictor"

// Claims are the token claims carried by every bearer token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Identity is the verified view of a token.
type Identity struct {
	Subject string `json:"username"`
	Role    string `json:"role"`
}

// TokenService mints and verifies bearer tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a service with the process signing secret and
// token lifetime.
func NewTokenService(secret []byte, ttl time.Duration) *TokenService {
	return &TokenService{secret: secret, ttl: ttl, now: time.Now}
}

// Mint creates a signed token for subject with the given role.
func (ts *TokenService) Mint(subject, role string) (string, error) {
	now := ts.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.ttl)),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.secret)
	if err != nil {
		return "", fault.Wrap(fault.Internal, "token signing failed", err)
	}
	return signed, nil
}

// Verify parses and validates a token string. Expired, malformed, and
// badly signed tokens all classify as unauthorized with distinct messages.
func (ts *TokenService) Verify(tokenString string) (*Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, ts.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return ts.now() }),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fault.New(fault.Unauthorized, "token expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, fault.New(fault.Unauthorized, "bad token signature")
	case err != nil:
		return nil, fault.New(fault.Unauthorized, "malformed token")
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fault.New(fault.Unauthorized, "malformed token")
	}
	return &Identity{Subject: claims.Subject, Role: claims.Role}, nil
}

func (ts *TokenService) keyFunc(token *jwt.Token) (any, error) {
	return ts.secret, nil
}

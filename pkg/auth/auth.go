package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// UserClaims are the claims of a user bearer token for the inbound
// HTTP APIs.
type UserClaims struct {
	jwt.RegisteredClaims

	// private claims
	Groups []string `json:"kite/groups,omitempty"`
}

// Issuer signs and verifies user tokens with an issuer-managed HS256
// secret.
type Issuer struct {
	secret []byte
	issuer string
}

func NewIssuer(secret string, issuer string) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for subject, valid for ttl.
func (i *Issuer) Issue(subject string, groups []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Groups: groups,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify parses and checks a presented token, returning its claims.
func (i *Issuer) Verify(token string) (*UserClaims, error) {
	claims := &UserClaims{}
	parsed, err := jwt.ParseWithClaims(
		token, claims,
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return i.secret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

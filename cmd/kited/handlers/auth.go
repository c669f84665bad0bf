package handlers

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/opst/kite/pkg/auth"
)

const claimsKey = "kite/user-claims"

// UserAuth guards the user-facing APIs with bearer tokens signed by the
// issuer.
func UserAuth(issuer *auth.Issuer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return Unauthorized("bearer token required")
			}
			claims, err := issuer.Verify(token)
			if err != nil {
				return Unauthorized("invalid token")
			}
			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

// UserOf extracts the verified claims a UserAuth middleware stored.
// Handlers mounted without the middleware see anonymous claims.
func UserOf(c echo.Context) *auth.UserClaims {
	if claims, ok := c.Get(claimsKey).(*auth.UserClaims); ok {
		return claims
	}
	return &auth.UserClaims{}
}

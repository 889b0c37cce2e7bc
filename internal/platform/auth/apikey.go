package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/deidentify/internal/fhir"
)

// RequireAPIKey gates a route behind a single static API key. The key is
// read from the X-API-Key header first, then from Authorization: Bearer.
// An empty configured key disables the gate, which Validate only permits
// outside production.
func RequireAPIKey(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key == "" {
				return next(c)
			}

			presented := ExtractAPIKey(c)
			if presented == "" {
				return c.JSON(http.StatusUnauthorized, fhir.SecurityOutcome("api key required"))
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				return c.JSON(http.StatusUnauthorized, fhir.SecurityOutcome("invalid api key"))
			}

			return next(c)
		}
	}
}

// ExtractAPIKey returns the credential from the request, checking the
// X-API-Key header first and then the Authorization: Bearer header.
func ExtractAPIKey(c echo.Context) string {
	if apiKey := c.Request().Header.Get("X-API-Key"); apiKey != "" {
		return apiKey
	}

	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

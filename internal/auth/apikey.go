package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/workbench/pkg/types"
)

// APIKeyMiddleware validates the caller's key against the configured key. The
// key is read from the X-API-Key header, an "Authorization: Bearer" header or
// the api_key query parameter (for WebSocket clients that cannot set headers).
// If the configured key is empty, authentication is disabled. Paths listed in
// open are always allowed.
func APIKeyMiddleware(apiKey string, open ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}
			for _, p := range open {
				if c.Path() == p {
					return next(c)
				}
			}

			provided := providedKey(c.Request())
			if provided == "" {
				return c.JSON(http.StatusUnauthorized, types.Envelope{Error: "missing API key"})
			}

			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				return c.JSON(http.StatusForbidden, types.Envelope{Error: "invalid API key"})
			}

			return next(c)
		}
	}
}

func providedKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("api_key")
}

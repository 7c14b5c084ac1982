package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

const apiCSP = "default-src 'none'; frame-ancestors 'none'"

// SecurityHeaders sets response hardening headers. JSON routes under /api get
// a deny-all CSP; dashboard pages may load media from mediaOrigins (the object
// storage host) in addition to 'self'.
func SecurityHeaders(mediaOrigins ...string) echo.MiddlewareFunc {
	media := strings.TrimSpace("'self' " + strings.Join(mediaOrigins, " "))
	pageCSP := "default-src 'self'; media-src " + media +
		"; style-src 'self' 'unsafe-inline'; form-action 'self'; frame-ancestors 'none'"

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")

			// Patient contact data must not land in shared caches.
			h.Set("Cache-Control", "no-store")

			if strings.HasPrefix(c.Request().URL.Path, "/api/") {
				h.Set("Content-Security-Policy", apiCSP)
			} else {
				h.Set("Content-Security-Policy", pageCSP)
			}

			return next(c)
		}
	}
}

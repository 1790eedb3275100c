package middleware

import (
	"github.com/labstack/echo/v4"
)

// strippedRequestHeaders never travel past the edge of the proxy: hop-by-hop
// headers and client credentials meant for this origin, not the upstream.
var strippedRequestHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Cookie",
	"Authorization",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop and
// credential headers from requests and adds security headers to responses.
// Proxied media is meant to be embedded cross-origin, so the resource
// policy is cross-origin rather than same-origin.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range strippedRequestHeaders {
				c.Request().Header.Del(h)
			}

			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Cross-Origin-Resource-Policy", "cross-origin")

			return next(c)
		}
	}
}

package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"m3u8-proxy-go/internal/response"
)

// CORS returns an Echo middleware that adds permissive CORS headers to every
// response and answers any OPTIONS request as a preflight.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Method == http.MethodOptions {
				response.Preflight(c.Response())
				return nil
			}
			response.CORS(c.Response().Header())
			return next(c)
		}
	}
}

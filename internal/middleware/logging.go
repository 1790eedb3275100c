// Package middleware provides Echo middleware for logging, CORS, metrics,
// rate limiting and security headers.
package middleware

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"m3u8-proxy-go/internal/proxyurl"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Proxy requests are logged with their decoded target; 5xx responses are
// logged at error level and 4xx at warn. Requests whose handler panics are
// logged at error level with aborted=true before the panic continues.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			defer func() {
				if r := recover(); r != nil {
					logRequest(logger, c, panicStatus(c), start, true)
					panic(r)
				}
			}()

			err := next(c)
			logRequest(logger, c, responseStatus(c, err), start, false)
			return err
		}
	}
}

func logRequest(logger *slog.Logger, c echo.Context, status int, start time.Time, aborted bool) {
	req := c.Request()
	res := c.Response()

	attrs := []any{
		"method", req.Method,
		"path", req.URL.Path,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
		"request_id", res.Header().Get(echo.HeaderXRequestID),
		"remote_ip", c.RealIP(),
		"bytes_out", res.Size,
	}
	if strings.HasPrefix(req.URL.Path, proxyurl.Prefix) {
		attrs = append(attrs, "target", proxyurl.TargetFromPath(req.URL.EscapedPath()))
	}
	if aborted {
		attrs = append(attrs, "aborted", true)
	}

	level := slog.LevelInfo
	switch {
	case aborted, status >= 500:
		level = slog.LevelError
	case status >= 400:
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "request", attrs...)
}

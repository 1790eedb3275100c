package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"m3u8-proxy-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records request count,
// latency and in-flight gauge. Streamed responses are timed until the last
// byte is relayed. A panicking handler is still recorded before the panic
// continues; http.ErrAbortHandler also counts as an aborted response.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			record := func(code int) {
				status := strconv.Itoa(code)
				method := metrics.NormalizeMethod(c.Request().Method)
				path := metrics.NormalizePath(c.Request().URL.Path)

				m.RequestsTotal.WithLabelValues(method, status, path).Inc()
				m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())
			}

			defer func() {
				if r := recover(); r != nil {
					if r == http.ErrAbortHandler {
						m.AbortedResponses.Inc()
					}
					record(panicStatus(c))
					panic(r)
				}
			}()

			err := next(c)
			record(responseStatus(c, err))
			return err
		}
	}
}

// panicStatus is the status of a request whose handler panicked: the one
// already sent if headers went out, otherwise the 500 Recover will write.
func panicStatus(c echo.Context) int {
	if c.Response().Committed {
		return c.Response().Status
	}
	return http.StatusInternalServerError
}

// responseStatus returns the status the client will see. A returned
// *echo.HTTPError has not been written yet; Echo's error handler writes it
// after the middleware chain unwinds.
func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}

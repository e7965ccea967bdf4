package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/triage/triage/internal/platform/auth"
)

// Logger writes one line per request. Bodies are never logged since chat
// messages carry health information.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)
			if err != nil {
				// Let echo write the response now so the logged status is the real one.
				c.Error(err)
			}

			rid, _ := c.Get("request_id").(string)
			evt := logger.Info()
			if status := c.Response().Status; status >= 500 {
				evt = logger.Error().Err(err)
			} else if status >= 400 {
				evt = logger.Warn()
			}
			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Bool("authenticated", auth.UserIDFromContext(c.Request().Context()) != "").
				Msg("request")
			return nil
		}
	}
}

package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SlowRequestThreshold marks requests that are logged at warn level.
const SlowRequestThreshold = 2 * time.Second

// RequestLogger logs HTTP requests with timing and sets X-Response-Time.
func RequestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	logger = logger.Named("http")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			c.Response().Before(func() {
				c.Response().Header().Set("X-Response-Time", time.Since(start).Round(time.Microsecond).String())
			})

			err := next(c)
			duration := time.Since(start)

			req := c.Request()
			res := c.Response()

			// Determine status code
			status := res.Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			fields := []zap.Field{
				zap.String("request_id", GetRequestID(c)),
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", duration),
				zap.String("remote_ip", c.RealIP()),
				zap.Int64("bytes_out", res.Size),
			}
			if admin := GetAdmin(c); admin != "" {
				fields = append(fields, zap.String("admin", admin))
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}

			level := zapcore.InfoLevel
			switch {
			case status >= 500:
				level = zapcore.ErrorLevel
			case duration > SlowRequestThreshold:
				level = zapcore.WarnLevel
				fields = append(fields, zap.Bool("slow", true))
			case status >= 400:
				level = zapcore.WarnLevel
			}
			if ce := logger.Check(level, "request"); ce != nil {
				ce.Write(fields...)
			}

			return err
		}
	}
}

// Recovery recovers from panics and logs them with a stack trace.
func Recovery(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req := c.Request()
					logger.Error("panic recovered",
						zap.String("request_id", GetRequestID(c)),
						zap.String("method", req.Method),
						zap.String("path", req.URL.Path),
						zap.String("panic", fmt.Sprint(r)),
						zap.Stack("stack"),
					)
					err = echo.NewHTTPError(http.StatusInternalServerError, "Internal server error")
				}
			}()

			return next(c)
		}
	}
}

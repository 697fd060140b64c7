// Package middleware defines the request tracking and recovery layers every
// route runs under.
package middleware

import (
	"fmt"
	"time"

	"glimpse-api/internal/metrics"
	"glimpse-api/internal/setup"
	"glimpse-api/internal/shared"

	"github.com/aidarkhanov/nanoid"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewTrackMiddleware assigns every request an id, wraps the echo context so
// handlers can hang routing metadata on it, and emits one end_of_request
// line when the handler returns.
func NewTrackMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID, _ := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 28)
			logger := log.With(
				"request_id", "req_"+reqID,
			)

			lv := &setup.ContextLogValues{
				RequestID:  "req_" + reqID,
				ExternalID: c.Request().Header.Get("X-Glimpse-Request-Id"),
				StartTime:  time.Now(),
				Path:       c.Path(),
			}
			cc := &setup.Context{Context: c, Log: logger, Reqid: "req_" + reqID, LogValues: lv}
			err := next(cc)
			lv.StatusCode = cc.Response().Status
			lv.RequestDuration = time.Since(lv.StartTime)

			level := zapcore.InfoLevel
			if lv.StatusCode >= 500 || lv.LogLevel == "ERROR" {
				level = zapcore.ErrorLevel
			}
			cc.Log.Desugar().Log(level, "end_of_request", zap.Object("request", lv))
			metrics.ResponseCodes.WithLabelValues(cc.Path(), fmt.Sprintf("%d", lv.StatusCode)).Inc()
			return err
		}
	}
}

func NewRecoverMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return emw.RecoverWithConfig(emw.RecoverConfig{
		StackSize: 1 << 10, // 1 KB
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			defer func() {
				_ = log.Sync()
			}()
			log.Errorw("Api Panic", "error", err.Error())
			return c.String(500, shared.ErrInternalServerError.Err.Error())
		},
	})
}

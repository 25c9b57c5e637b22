package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/api/routes"
)

func NewLogger() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		startTime := time.Now()
		err = c.Next()

		msg := "HTTP Request"
		if err != nil {
			msg = err.Error()
		}

		code := c.Response().StatusCode()

		ipAddress := c.IP()
		if forwardedFor := c.Get(fiber.HeaderXForwardedFor); forwardedFor != "" {
			ipAddress = forwardedFor
		}

		requestLogger := log.With().
			Int("status", code).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("ip", ipAddress).
			Str("latency", time.Since(startTime).String()).
			Str("user-agent", c.Get(fiber.HeaderUserAgent))

		if identity, ok := routes.CurrentIdentity(c); ok {
			requestLogger = requestLogger.Str("user", identity.UserID).Str("role", string(identity.Role))
		}

		logger := requestLogger.Logger()

		switch {
		case code >= fiber.StatusBadRequest && code < fiber.StatusInternalServerError:
			logger.Warn().Msg(msg)
		case code >= fiber.StatusInternalServerError:
			logger.Error().Msg(msg)
		default:
			logger.Debug().Msg(msg)
		}

		return err
	}
}

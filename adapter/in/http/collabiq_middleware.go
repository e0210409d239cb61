package http

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"collabiq/pkg/apperr"
	"collabiq/pkg/response"
)

const headerRequestID = "X-Request-ID"

// errorHandler renders every error fiber routes here (unknown paths, panics
// surfaced by the recover middleware) in the same envelope the handlers use.
func errorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code := "INTERNAL_ERROR"
			switch fe.Code {
			case fiber.StatusNotFound:
				code = apperr.CodeNotFound
			case fiber.StatusMethodNotAllowed:
				code = "METHOD_NOT_ALLOWED"
			}
			return response.Error(c, fe.Code, code, fe.Message)
		}
		return response.FromAppError(c, err)
	}
}

// requestLog tags every request with an id and writes one access line after
// the handler ran. Callers that pass their own X-Request-ID keep it, so a
// curl from a runbook can be found in the logs again.
func requestLog(log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		reqID := c.Get(headerRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set(headerRequestID, reqID)

		err := c.Next()

		status := c.Response().StatusCode()
		evt := log.Info()
		if status >= fiber.StatusInternalServerError {
			evt = log.Error()
		}
		evt.
			Str("component", "ops_server").
			Str("operation", "request").
			Dict("context", zerolog.Dict().
				Str("request_id", reqID).
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Int64("took_ms", time.Since(start).Milliseconds())).
			Msg("request handled")
		return err
	}
}

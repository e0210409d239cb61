// Package response provides the ops API response envelope.
package response

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"collabiq/pkg/apperr"
)

// Response is the standard API response structure.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code     string `json:"code"`
	Category string `json:"category,omitempty"`
	Message  string `json:"message"`
}

// Meta contains list metadata.
type Meta struct {
	Total int `json:"total,omitempty"`
}

// OK returns a successful response.
func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(Response{
		Success: true,
		Data:    data,
	})
}

// OKWithMeta returns a successful response with metadata.
func OKWithMeta(c *fiber.Ctx, data interface{}, meta *Meta) error {
	return c.JSON(Response{
		Success: true,
		Data:    data,
		Meta:    meta,
	})
}

// Error returns an error response.
func Error(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	})
}

// NotFound returns a 404 not found response.
func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, "NOT_FOUND", message)
}

// InternalError returns a 500 internal server error response.
func InternalError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", message)
}

// FromAppError renders a classified error with its category. Unclassified
// errors come out as 500 INTERNAL_ERROR.
func FromAppError(c *fiber.Ctx, err error) error {
	var appErr *apperr.AppError
	if !errors.As(err, &appErr) {
		return InternalError(c, err.Error())
	}

	status := fiber.StatusInternalServerError
	switch {
	case appErr.Code == apperr.CodeNotFound:
		status = fiber.StatusNotFound
	case appErr.Code == apperr.CodeValidationFailed, appErr.Code == apperr.CodeBadRequest:
		status = fiber.StatusBadRequest
	case appErr.Category == apperr.CategoryTransient:
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(Response{
		Success: false,
		Error: &ErrorInfo{
			Code:     appErr.Code,
			Category: appErr.Category.String(),
			Message:  appErr.Message,
		},
	})
}

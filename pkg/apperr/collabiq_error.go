// Package apperr defines the error taxonomy shared by every outbound adapter.
// Errors are classified exactly once, at the adapter boundary, into one of the
// three retry categories; everything above the boundary pattern-matches on the
// category instead of inspecting provider-specific error types.
package apperr

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Category determines how the retry policy and the pipeline treat an error.
type Category int

const (
	// CategoryTransient - 재시도 가능 (네트워크, 408/429/5xx)
	CategoryTransient Category = iota
	// CategoryPermanent - 재시도 불가, DLQ 대상 (400/403/404, 검증 실패)
	CategoryPermanent
	// CategoryCritical - 재시도 불가, 알림 대상 (401, 토큰 만료, 인증 실패)
	CategoryCritical
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "TRANSIENT"
	case CategoryPermanent:
		return "PERMANENT"
	case CategoryCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Error codes
const (
	// Transient
	CodeTimeout            = "TIMEOUT"
	CodeConnectionFailed   = "CONNECTION_FAILED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeCircuitOpen        = "CIRCUIT_OPEN"

	// Permanent
	CodeBadRequest            = "BAD_REQUEST"
	CodeNotFound              = "NOT_FOUND"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeSchemaViolation       = "SCHEMA_VIOLATION"
	CodeRetriesExhausted      = "RETRIES_EXHAUSTED"
	CodeAllProvidersFailed    = "ALL_PROVIDERS_FAILED"
	CodeInsufficientAgreement = "INSUFFICIENT_AGREEMENT"

	// Critical
	CodeUnauthorized = "UNAUTHORIZED"
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeAuthFailed   = "AUTH_FAILED"
	CodeMissingKey   = "MISSING_KEY"
	CodeConfigError  = "CONFIG_ERROR"
)

// AppError represents a classified application error.
type AppError struct {
	Code       string         `json:"code"`
	Category   Category       `json:"category"`
	Message    string         `json:"message"`
	Service    string         `json:"service,omitempty"`
	Status     int            `json:"-"`
	RetryAfter time.Duration  `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Category, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Category, e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithService(service string) *AppError {
	e.Service = service
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// WithRetryAfter records a server-provided wait (Retry-After header).
func (e *AppError) WithRetryAfter(d time.Duration) *AppError {
	e.RetryAfter = d
	return e
}

// Constructor functions
func New(code string, category Category, message string) *AppError {
	return &AppError{Code: code, Category: category, Message: message}
}

func Wrap(err error, code string, category Category, message string) *AppError {
	return &AppError{Code: code, Category: category, Message: message, Err: err}
}

// Transient errors
func Timeout(operation string, err error) *AppError {
	return &AppError{
		Code:     CodeTimeout,
		Category: CategoryTransient,
		Message:  fmt.Sprintf("operation timed out: %s", operation),
		Status:   http.StatusRequestTimeout,
		Err:      err,
	}
}

func ConnectionFailed(service string, err error) *AppError {
	return &AppError{
		Code:     CodeConnectionFailed,
		Category: CategoryTransient,
		Message:  fmt.Sprintf("connection to %s failed", service),
		Service:  service,
		Err:      err,
	}
}

func RateLimited(service string, retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       CodeRateLimited,
		Category:   CategoryTransient,
		Message:    fmt.Sprintf("%s rate limit exceeded", service),
		Service:    service,
		Status:     http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

func ServiceUnavailable(service string, status int, err error) *AppError {
	return &AppError{
		Code:     CodeServiceUnavailable,
		Category: CategoryTransient,
		Message:  fmt.Sprintf("%s returned %d", service, status),
		Service:  service,
		Status:   status,
		Err:      err,
	}
}

// CircuitOpen is the synthetic transient raised when a breaker short-circuits
// a call; it never reaches the wire.
func CircuitOpen(service string) *AppError {
	return &AppError{
		Code:     CodeCircuitOpen,
		Category: CategoryTransient,
		Message:  fmt.Sprintf("circuit breaker open for %s", service),
		Service:  service,
	}
}

// Permanent errors
func BadRequest(service, message string, err error) *AppError {
	return &AppError{
		Code:     CodeBadRequest,
		Category: CategoryPermanent,
		Message:  message,
		Service:  service,
		Status:   http.StatusBadRequest,
		Err:      err,
	}
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:     CodeNotFound,
		Category: CategoryPermanent,
		Message:  fmt.Sprintf("%s not found", resource),
		Status:   http.StatusNotFound,
	}
}

func ValidationFailed(field, reason string) *AppError {
	return &AppError{
		Code:     CodeValidationFailed,
		Category: CategoryPermanent,
		Message:  fmt.Sprintf("validation failed for %q: %s", field, reason),
		Details:  map[string]any{"field": field},
	}
}

func SchemaViolation(provider string, err error) *AppError {
	return &AppError{
		Code:     CodeSchemaViolation,
		Category: CategoryPermanent,
		Message:  fmt.Sprintf("%s response violates the extraction schema", provider),
		Service:  provider,
		Err:      err,
	}
}

// AllProvidersFailed is the failover terminal: every provider was tried and
// none succeeded. Permanent for retry purposes; the caller routes to DLQ.
func AllProvidersFailed(lastErr error) *AppError {
	return &AppError{
		Code:     CodeAllProvidersFailed,
		Category: CategoryPermanent,
		Message:  "all LLM providers failed",
		Err:      lastErr,
	}
}

// InsufficientAgreement means consensus could not collect two successful
// responses inside the orchestrator window.
func InsufficientAgreement(successes int) *AppError {
	return &AppError{
		Code:     CodeInsufficientAgreement,
		Category: CategoryPermanent,
		Message:  fmt.Sprintf("consensus needs at least 2 successful responses, got %d", successes),
		Details:  map[string]any{"successes": successes},
	}
}

// Critical errors
func Unauthorized(service string, err error) *AppError {
	return &AppError{
		Code:     CodeUnauthorized,
		Category: CategoryCritical,
		Message:  fmt.Sprintf("%s rejected credentials", service),
		Service:  service,
		Status:   http.StatusUnauthorized,
		Err:      err,
	}
}

func TokenExpired(service string) *AppError {
	return &AppError{
		Code:     CodeTokenExpired,
		Category: CategoryCritical,
		Message:  fmt.Sprintf("%s token expired", service),
		Service:  service,
		Status:   http.StatusUnauthorized,
	}
}

func MissingKey(key string) *AppError {
	return &AppError{
		Code:     CodeMissingKey,
		Category: CategoryCritical,
		Message:  fmt.Sprintf("required secret %q is not configured", key),
		Details:  map[string]any{"key": key},
	}
}

func ConfigError(message string) *AppError {
	return &AppError{
		Code:     CodeConfigError,
		Category: CategoryCritical,
		Message:  message,
	}
}

// Helper functions
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(err, CodeServiceUnavailable, CategoryTransient, "unclassified error")
}

// CategoryOf classifies any error. Wrapped AppErrors keep their category;
// everything else falls through network inspection and defaults to PERMANENT
// so an unknown failure can never retry forever.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryPermanent
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category
	}
	if isNetworkError(err) {
		return CategoryTransient
	}
	return CategoryPermanent
}

func IsTransient(err error) bool { return err != nil && CategoryOf(err) == CategoryTransient }
func IsPermanent(err error) bool { return err != nil && CategoryOf(err) == CategoryPermanent }
func IsCritical(err error) bool  { return err != nil && CategoryOf(err) == CategoryCritical }

// RetryAfterOf returns the server-provided wait, if any error in the chain
// carries one.
func RetryAfterOf(err error) (time.Duration, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.RetryAfter > 0 {
		return appErr.RetryAfter, true
	}
	return 0, false
}

// FromHTTPStatus classifies a raw HTTP status the same way every adapter does.
func FromHTTPStatus(service string, status int, err error) *AppError {
	switch {
	case status == http.StatusUnauthorized:
		return Unauthorized(service, err)
	case status == http.StatusTooManyRequests:
		return RateLimited(service, 0).WithDetail("status", status)
	case status == http.StatusRequestTimeout:
		return Timeout(service, err)
	case status >= 500:
		return ServiceUnavailable(service, status, err)
	case status == http.StatusForbidden:
		// 403 is permanent; adapters override when the provider signals an
		// auth problem explicitly.
		return BadRequest(service, fmt.Sprintf("%s returned 403", service), err)
	case status >= 400:
		return BadRequest(service, fmt.Sprintf("%s returned %d", service, status), err)
	default:
		return Wrap(err, CodeServiceUnavailable, CategoryTransient, fmt.Sprintf("%s returned %d", service, status))
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"deadline exceeded",
		"no such host",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Package retry executes outbound calls under the bounded-backoff policy.
// Only TRANSIENT errors are retried; PERMANENT and CRITICAL surface
// immediately. Exhaustion returns an ExhaustedError carrying the full
// attempt history so the DLQ can persist it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"collabiq/pkg/apperr"
)

// Policy configures retry behavior for one service class.
type Policy struct {
	MaxAttempts       int           // 총 시도 횟수 (첫 시도 포함)
	Base              time.Duration // 지수 백오프 기본값
	Cap               time.Duration // 백오프 상한
	JitterMin         time.Duration
	JitterMax         time.Duration
	AttemptTimeout    time.Duration // 시도당 타임아웃, 0이면 비활성화
	RespectRetryAfter bool
}

// Per-service defaults
func MailPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		Base:              1 * time.Second,
		Cap:               10 * time.Second,
		JitterMax:         1 * time.Second,
		AttemptTimeout:    30 * time.Second,
		RespectRetryAfter: true,
	}
}

func WorkspacePolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		Base:              1 * time.Second,
		Cap:               10 * time.Second,
		JitterMax:         1 * time.Second,
		AttemptTimeout:    30 * time.Second,
		RespectRetryAfter: true,
	}
}

func LLMPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		Base:              1 * time.Second,
		Cap:               10 * time.Second,
		JitterMax:         1 * time.Second,
		AttemptTimeout:    60 * time.Second,
		RespectRetryAfter: true,
	}
}

func SecretsPolicy() Policy {
	return Policy{
		MaxAttempts:       2,
		Base:              1 * time.Second,
		Cap:               5 * time.Second,
		JitterMax:         500 * time.Millisecond,
		AttemptTimeout:    10 * time.Second,
		RespectRetryAfter: true,
	}
}

// Attempt records one execution for the exhaustion history.
type Attempt struct {
	Number   int             `json:"number"`
	At       time.Time       `json:"at"`
	Wait     time.Duration   `json:"wait_ms"`
	Error    string          `json:"error"`
	Category apperr.Category `json:"category"`
}

// ExhaustedError is returned when every attempt failed with a transient
// error. It is terminal: callers route it to the DLQ, never back into retry.
type ExhaustedError struct {
	Service string
	History []Attempt
	LastErr error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("[%s] retries exhausted after %d attempts: %v", e.Service, len(e.History), e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsExhausted reports whether err (anywhere in its chain) is an exhaustion.
// Check this before apperr.CategoryOf: the last underlying error is
// transient by construction, but exhaustion itself must not re-enter retry.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// AsExhausted extracts the exhaustion record for DLQ persistence.
func AsExhausted(err error) (*ExhaustedError, bool) {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex, true
	}
	return nil, false
}

// Do executes fn under the policy. It returns the value, the number of
// retries performed (0 when the first attempt succeeded), and an error:
// nil on success, the original error when PERMANENT or CRITICAL, an
// *ExhaustedError when all attempts failed transiently.
func Do[T any](ctx context.Context, service string, p Policy, log zerolog.Logger, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	var lastErr error
	history := make([]Attempt, 0, p.MaxAttempts)

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, attempt, fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		result, err := fn(attemptCtx)
		cancel()

		if err == nil {
			if attempt > 0 {
				log.Info().
					Str("component", "retry").
					Str("operation", service).
					Int("retry_count", attempt).
					Msg("retry succeeded")
			}
			return result, attempt, nil
		}

		lastErr = err
		category := apperr.CategoryOf(err)
		history = append(history, Attempt{
			Number:   attempt,
			At:       time.Now().UTC(),
			Error:    err.Error(),
			Category: category,
		})

		if category != apperr.CategoryTransient {
			log.Warn().
				Str("component", "retry").
				Str("operation", service).
				Str("category", category.String()).
				Int("retry_count", attempt).
				Err(err).
				Msg("non-retryable error, stopping")
			return zero, attempt, err
		}

		// 마지막 시도 후에는 대기하지 않음
		if attempt == p.MaxAttempts-1 {
			break
		}

		wait := backoff(attempt, p)
		if ra, ok := apperr.RetryAfterOf(err); ok && p.RespectRetryAfter {
			wait = ra
		}
		history[len(history)-1].Wait = wait

		log.Debug().
			Str("component", "retry").
			Str("operation", service).
			Int("retry_count", attempt+1).
			Dur("wait", wait).
			Err(err).
			Msg("transient failure, backing off")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return zero, attempt, fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		}
	}

	log.Warn().
		Str("component", "retry").
		Str("operation", service).
		Int("retry_count", len(history)).
		Err(lastErr).
		Msg("retries exhausted")

	return zero, len(history) - 1, &ExhaustedError{
		Service: service,
		History: history,
		LastErr: lastErr,
	}
}

// backoff computes min(base * 2^attempt, cap) plus uniform jitter.
func backoff(attempt int, p Policy) time.Duration {
	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(p.Base) * multiplier)
	if delay > p.Cap {
		delay = p.Cap
	}
	if p.JitterMax > p.JitterMin {
		span := float64(p.JitterMax - p.JitterMin)
		delay += p.JitterMin + time.Duration(rand.Float64()*span)
	}
	return delay
}

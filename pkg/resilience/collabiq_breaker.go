// Package resilience gates outbound calls behind per-service circuit
// breakers. States follow gobreaker (closed, open, half-open); the open to
// half-open transition happens lazily when the breaker is next consulted
// after the cooldown. Breakers are in-process only, a restart resets them.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"collabiq/pkg/apperr"
)

// Service keys
const (
	ServiceMail      = "mail"
	ServiceWorkspace = "workspace"
	ServiceSecrets   = "secrets"
	// LLM 제공자는 "llm.{provider}" 형식, LLMService()로 생성
)

func LLMService(provider string) string {
	return "llm." + provider
}

// Settings holds the per-service thresholds.
type Settings struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	Cooldown         time.Duration
}

func DefaultSettings() Settings {
	return Settings{FailureThreshold: 5, SuccessThreshold: 2, Cooldown: 60 * time.Second}
}

func SecretsSettings() Settings {
	return Settings{FailureThreshold: 3, SuccessThreshold: 2, Cooldown: 30 * time.Second}
}

// Breaker wraps one gobreaker instance and tracks the timestamps gobreaker
// does not expose.
type Breaker struct {
	service  string
	settings Settings
	cb       *gobreaker.CircuitBreaker
	log      zerolog.Logger

	mu          sync.Mutex
	lastFailure time.Time
	openSince   time.Time
}

// Snapshot is the state exposed to health tracking and the status command.
type Snapshot struct {
	Service          string    `json:"service"`
	State            string    `json:"state"`
	FailureCount     uint32    `json:"failure_count"`
	SuccessCount     uint32    `json:"success_count"`
	LastFailureAt    time.Time `json:"last_failure_at"`
	OpenSince        time.Time `json:"open_since"`
	FailureThreshold uint32    `json:"failure_threshold"`
	SuccessThreshold uint32    `json:"success_threshold"`
	CooldownMs       int64     `json:"cooldown_ms"`
}

func NewBreaker(service string, s Settings, log zerolog.Logger) *Breaker {
	b := &Breaker{service: service, settings: s, log: log}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: service,
		// half-open에서 MaxRequests회 연속 성공 시 closed로 복귀
		MaxRequests: s.SuccessThreshold,
		Interval:    0,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// 영구 오류는 서비스 장애가 아니므로 차단기 실패로 집계하지 않음
			if apperr.CategoryOf(err) == apperr.CategoryPermanent {
				return true
			}
			b.mu.Lock()
			b.lastFailure = time.Now().UTC()
			b.mu.Unlock()
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openSince = time.Now().UTC()
				b.mu.Unlock()
			}
			log.Warn().
				Str("component", "circuit_breaker").
				Str("operation", "state_change").
				Str("circuit_state", stateString(to)).
				Dict("context", zerolog.Dict().
					Str("service", name).
					Str("from", stateString(from))).
				Msg("circuit breaker state changed")
		},
	})

	return b
}

// Execute runs fn behind the breaker. A short-circuited call returns a
// TRANSIENT CircuitOpen error without touching the wire. Errors pass
// through unchanged otherwise.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperr.CircuitOpen(b.service)
	}
	return result, err
}

// Execute runs a typed call behind a breaker.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := b.Execute(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	return result.(T), nil
}

// Allow reports whether a call would be admitted right now. Consulting the
// state performs the lazy open to half-open transition after cooldown.
func (b *Breaker) Allow() bool {
	return b.cb.State() != gobreaker.StateOpen
}

func (b *Breaker) State() string {
	return stateString(b.cb.State())
}

func (b *Breaker) Snapshot() Snapshot {
	counts := b.cb.Counts()
	state := b.cb.State()

	b.mu.Lock()
	lastFailure := b.lastFailure
	openSince := b.openSince
	b.mu.Unlock()

	snap := Snapshot{
		Service:          b.service,
		State:            stateString(state),
		FailureCount:     counts.ConsecutiveFailures,
		SuccessCount:     counts.ConsecutiveSuccesses,
		LastFailureAt:    lastFailure,
		FailureThreshold: b.settings.FailureThreshold,
		SuccessThreshold: b.settings.SuccessThreshold,
		CooldownMs:       b.settings.Cooldown.Milliseconds(),
	}
	if state == gobreaker.StateOpen {
		snap.OpenSince = openSince
	}
	return snap
}

func stateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Registry hands out one breaker per service key.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	log      zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		log:      log,
	}
}

// Get returns the breaker for a service, creating it on first use. The
// secrets service gets its tighter thresholds, everything else the default.
func (r *Registry) Get(service string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}

	settings := DefaultSettings()
	if service == ServiceSecrets {
		settings = SecretsSettings()
	}
	b = NewBreaker(service, settings, r.log)
	r.breakers[service] = b
	return b
}

// Snapshots returns the state of every breaker created so far.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	return snaps
}

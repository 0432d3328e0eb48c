// Package resilience wraps calls to external providers with a rate limiter,
// a circuit breaker and a timeout, applied in that order and keyed by
// provider. One Registry is shared by every resolution in the process.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fleveque/cover-service/internal/metrics"
)

var (
	// ErrRateLimited means the provider's token bucket was empty. The call
	// was not attempted and not queued.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrCircuitOpen means the provider's breaker is open (or half-open and
	// already probing). The call was not attempted.
	ErrCircuitOpen = errors.New("provider circuit open")
	// ErrTimeout means the call exceeded the provider's timeout.
	ErrTimeout = errors.New("provider call timed out")
	// ErrRejected marks a business rejection ("no cover for this ISBN").
	// It is returned to the caller but never counts as a breaker failure.
	ErrRejected = errors.New("rejected by provider")
)

// Reject marks err as a business rejection.
func Reject(err error) error {
	if err == nil {
		return ErrRejected
	}
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

// IsShortCircuit reports whether err came from a fallback rather than from
// the provider itself: rate limited, circuit open or timed out.
func IsShortCircuit(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTimeout)
}

// Policy configures the three controls for one provider.
type Policy struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Timeout           time.Duration `mapstructure:"timeout"`
	// The breaker opens once MinRequests calls have been seen in the
	// current Window and the failure ratio reaches FailureRatio.
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	Window       time.Duration `mapstructure:"window"`
	// OpenTimeout is how long the breaker stays open before half-opening.
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
	// HalfOpenRequests probes are let through while half-open; that many
	// consecutive successes close the breaker.
	HalfOpenRequests uint32 `mapstructure:"half_open_requests"`
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		RequestsPerSecond: 5,
		Burst:             10,
		Timeout:           10 * time.Second,
		FailureRatio:      0.5,
		MinRequests:       10,
		Window:            60 * time.Second,
		OpenTimeout:       30 * time.Second,
		HalfOpenRequests:  1,
	}
}

// Inherit fills every zero field of p from base, so a provider override
// only needs to name what differs.
func (p Policy) Inherit(base Policy) Policy {
	if p.RequestsPerSecond == 0 {
		p.RequestsPerSecond = base.RequestsPerSecond
	}
	if p.Burst == 0 {
		p.Burst = base.Burst
	}
	if p.Timeout == 0 {
		p.Timeout = base.Timeout
	}
	if p.FailureRatio == 0 {
		p.FailureRatio = base.FailureRatio
	}
	if p.MinRequests == 0 {
		p.MinRequests = base.MinRequests
	}
	if p.Window == 0 {
		p.Window = base.Window
	}
	if p.OpenTimeout == 0 {
		p.OpenTimeout = base.OpenTimeout
	}
	if p.HalfOpenRequests == 0 {
		p.HalfOpenRequests = base.HalfOpenRequests
	}
	return p
}

// Registry holds the per-provider limiters and breakers.
type Registry struct {
	defaults  Policy
	overrides map[string]Policy
	limiters  *Limiters
	logger    *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry creates a Registry. Providers without an override use
// defaults; overrides inherit any field they leave unset.
func NewRegistry(defaults Policy, overrides map[string]Policy, logger *zap.Logger) *Registry {
	merged := make(map[string]Policy, len(overrides))
	for name, p := range overrides {
		merged[name] = p.Inherit(defaults)
	}
	r := &Registry{
		defaults:  defaults,
		overrides: merged,
		logger:    logger,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	r.limiters = NewLimitersFunc(func(provider string) (float64, int) {
		p := r.Policy(provider)
		return p.RequestsPerSecond, p.Burst
	})
	return r
}

// Policy returns the effective policy for provider.
func (r *Registry) Policy(provider string) Policy {
	if p, ok := r.overrides[provider]; ok {
		return p
	}
	return r.defaults
}

// State returns the current breaker state for provider.
func (r *Registry) State(provider string) gobreaker.State {
	return r.breaker(provider).State()
}

func (r *Registry) breaker(provider string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[provider]; ok {
		return cb
	}
	p := r.Policy(provider)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: p.HalfOpenRequests,
		Interval:    p.Window,
		Timeout:     p.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < p.MinRequests || c.Requests == 0 {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= p.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.SetBreakerState(name, float64(to))
		},
		IsSuccessful: isSuccessful,
	})
	r.breakers[provider] = cb
	metrics.SetBreakerState(provider, float64(gobreaker.StateClosed))
	return cb
}

// callerGone wraps the error of a call whose caller's context ended first.
// Whatever the provider did, the breaker does not count it.
type callerGone struct{ err error }

func (e callerGone) Error() string { return e.err.Error() }
func (e callerGone) Unwrap() error { return e.err }

// isSuccessful decides what the breaker counts as a fault. Business
// rejections and the caller giving up are not the provider's fault. A
// deadline error on its own proves nothing: an HTTP client timeout is a
// context.DeadlineExceeded too, and that is a provider fault.
func isSuccessful(err error) bool {
	var gone callerGone
	return err == nil ||
		errors.Is(err, ErrRejected) ||
		errors.As(err, &gone)
}

// Call runs fn for provider behind the rate limiter, breaker and timeout.
// Short-circuits return the zero T and ErrRateLimited, ErrCircuitOpen or
// ErrTimeout; callers treat those as "no result" for this provider.
func Call[T any](ctx context.Context, r *Registry, provider string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	if !r.limiters.Allow(provider) {
		r.shortCircuit(provider, "rate_limited")
		return zero, fmt.Errorf("%s: %w", provider, ErrRateLimited)
	}

	timeout := r.Policy(provider).Timeout
	out, err := r.breaker(provider).Execute(func() (interface{}, error) {
		v, err := callWithTimeout(ctx, timeout, fn)
		if err != nil && ctx.Err() != nil {
			return v, callerGone{err}
		}
		return v, err
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		r.shortCircuit(provider, "circuit_open")
		return zero, fmt.Errorf("%s: %w", provider, ErrCircuitOpen)
	case errors.Is(err, ErrTimeout):
		r.shortCircuit(provider, "timeout")
		return zero, fmt.Errorf("%s: %w", provider, err)
	case err != nil:
		var gone callerGone
		if errors.As(err, &gone) {
			err = gone.err
		}
		return zero, err
	}

	v, _ := out.(T)
	return v, nil
}

func (r *Registry) shortCircuit(provider, reason string) {
	r.logger.Warn("provider call short-circuited",
		zap.String("provider", provider), zap.String("reason", reason))
	metrics.ObserveShortCircuit(provider, reason)
}

type result[T any] struct {
	v   T
	err error
}

// callWithTimeout bounds fn even if it ignores its context. A caller
// cancellation is reported as the caller's error, not as ErrTimeout.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(callCtx)
		done <- result[T]{v, err}
	}()

	select {
	case res := <-done:
		if res.err != nil && callCtx.Err() != nil && ctx.Err() == nil {
			return res.v, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return res.v, res.err
	case <-callCtx.Done():
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	apperrors "github.com/aristath/taskflow/internal/errors"
	"github.com/aristath/taskflow/internal/logging"
	"github.com/aristath/taskflow/internal/metrics"
)

// RetryConfig configures worker invocation retries. The wait before retry n
// is n*BaseDelay.
type RetryConfig struct {
	MaxAttempts int           // Total attempts including the first (default 3)
	BaseDelay   time.Duration // Linear backoff step (default 1s)
	CallTimeout time.Duration // Per-attempt deadline; zero disables
}

// DefaultRetryConfig returns the stock retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, CallTimeout: 2 * time.Minute}
}

// linearBackOff waits n*step before the n-th retry.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

// CircuitBreakerRegistry keeps one circuit breaker per worker name.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	log      *slog.Logger
}

// NewCircuitBreakerRegistry creates an empty registry.
func NewCircuitBreakerRegistry(log *slog.Logger) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		log:      logging.OrDiscard(log),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *CircuitBreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.Warn("circuit breaker state change", "worker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation is not the worker's fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	r.breakers[name] = cb
	return cb
}

// Invoker calls workers with retries and circuit breaking.
type Invoker struct {
	cfg      RetryConfig
	breakers *CircuitBreakerRegistry
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewInvoker creates an invoker. Nil breakers get a fresh registry.
func NewInvoker(cfg RetryConfig, breakers *CircuitBreakerRegistry, log *slog.Logger, m *metrics.Metrics) *Invoker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	log = logging.Component(log, "invoker")
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry(log)
	}
	return &Invoker{cfg: cfg, breakers: breakers, log: log, metrics: m}
}

// Invoke runs w under the worker's circuit breaker, retrying transient
// failures with linear backoff. Exhausted retries yield a TransientWorkerError;
// caller cancellation is returned as is.
func (iv *Invoker) Invoke(ctx context.Context, name string, w Worker, messages []Message) (Output, error) {
	cb := iv.breakers.Get(name)
	var out Output
	attempts := 0

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++

		callCtx := ctx
		if iv.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, iv.cfg.CallTimeout)
			defer cancel()
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return w.Execute(callCtx, messages)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil || !apperrors.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = result.(Output)
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: iv.cfg.BaseDelay}, uint64(iv.cfg.MaxAttempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		iv.metrics.IncWorkerRetry(name)
		iv.log.Warn("worker call failed, retrying", "worker", name, "attempt", attempts, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Output{}, fmt.Errorf("worker %q: %w", name, ctxErr)
	}
	if !apperrors.IsTransient(err) {
		return Output{}, err
	}
	return Output{}, &apperrors.TransientWorkerError{Worker: name, Attempts: attempts, Err: err}
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"

	"github.com/fluxline-go/pkg/cache"
	"github.com/fluxline-go/pkg/logger"
	"github.com/fluxline-go/pkg/metrics"
)

// Backoff strategies.
const (
	StrategyFixed       = "fixed"
	StrategyLinear      = "linear"
	StrategyExponential = "exponential"
)

// Policy controls how a single node execution is retried.
type Policy struct {
	MaxAttempts int           `json:"maxAttempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `json:"baseDelayMs" mapstructure:"base_delay"`
	Strategy    string        `json:"backoffStrategy" mapstructure:"strategy"`
	Jitter      bool          `json:"jitter" mapstructure:"jitter"`
}

// DefaultPolicy is applied when a node type declares no policy of its own.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Strategy:    StrategyExponential,
	}
}

// Delay returns the backoff before the given attempt retries, attempt
// being 1-based. Jitter spreads the delay by up to ±20% so many failing
// jobs do not retry in lockstep.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = p.BaseDelay * time.Duration(attempt)
	case StrategyExponential:
		d = p.BaseDelay << (attempt - 1)
	default:
		d = p.BaseDelay
	}

	if p.Jitter && d > 0 {
		// ±20%
		spread := int64(d) / 5
		d += time.Duration(rand.Int63n(2*spread+1) - spread)
	}
	return d
}

// RetryExhaustedError is returned once every attempt allowed by the
// policy has failed. It wraps the last error.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// CircuitOpenError short-circuits execution while a breaker cools down.
type CircuitOpenError struct {
	Key string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %q", e.Key)
}

// BreakerConfig tunes the per-key circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32
	CoolDown            time.Duration
	HalfOpenRequests    uint32
	Window              time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		CoolDown:            30 * time.Second,
		HalfOpenRequests:    1,
		Window:              time.Minute,
	}
}

// Manager wraps operations with retry backoff and a per-key circuit
// breaker. Keys are typically node types, so a dead downstream
// dependency trips once instead of being hammered by every worker.
type Manager struct {
	breakerCfg BreakerConfig
	breakers   *cache.TTLCache
	logger     logger.Logger

	// Sleep is swapped out in tests to observe delays without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewManager(cfg BreakerConfig, log logger.Logger) *Manager {
	if cfg.ConsecutiveFailures == 0 {
		cfg = DefaultBreakerConfig()
	}
	return &Manager{
		breakerCfg: cfg,
		breakers:   cache.NewTTL(1024, time.Hour),
		logger:     log,
		sleep:      sleepCtx,
	}
}

// Close releases the breaker cache janitor.
func (m *Manager) Close() {
	m.breakers.Close()
}

// Run executes fn under the policy. Each attempt passes through the
// circuit breaker for key; an open breaker fails fast with
// CircuitOpenError. Exhaustion returns RetryExhaustedError wrapping the
// last failure.
func (m *Manager) Run(ctx context.Context, key string, policy Policy, fn func() (interface{}, error)) (interface{}, error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	cb := m.breaker(key)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := cb.Execute(fn)
		if err == nil {
			if attempt > 1 {
				m.logger.Info("operation succeeded after retry",
					"key", key,
					"attempt", attempt,
				)
			}
			return result, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &CircuitOpenError{Key: key}
		}

		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		m.logger.Debug("retrying operation",
			"key", key,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		metrics.RetriesTotal.WithLabelValues(key).Inc()

		if err := m.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, &RetryExhaustedError{Attempts: policy.MaxAttempts, Err: lastErr}
}

// breaker returns the breaker for a key, creating it on first use. The
// backing cache is bounded, so long-idle breakers age out.
func (m *Manager) breaker(key string) *gobreaker.CircuitBreaker {
	if v, ok := m.breakers.Get(key); ok {
		return v.(*gobreaker.CircuitBreaker)
	}

	cfg := m.breakerCfg
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    cfg.Window,
		Timeout:     cfg.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("circuit breaker state changed",
				"key", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.CircuitState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})

	m.breakers.Set(key, cb)
	return cb
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline-go/pkg/logger"
)

func TestDelayFixed(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, Strategy: StrategyFixed}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 100*time.Millisecond, p.Delay(4))
}

func TestDelayLinear(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, Strategy: StrategyLinear}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
}

func TestDelayExponential(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, Strategy: StrategyExponential}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
}

func TestDelayMonotonicNonDecreasing(t *testing.T) {
	for _, strategy := range []string{StrategyFixed, StrategyLinear, StrategyExponential} {
		p := Policy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, Strategy: strategy}
		prev := time.Duration(0)
		for attempt := 1; attempt <= 8; attempt++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, prev, "strategy %s attempt %d", strategy, attempt)
			prev = d
		}
	}
}

func TestDelayJitterStaysWithinSpread(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, Strategy: StrategyFixed, Jitter: true}
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func testManager() (*Manager, *[]time.Duration) {
	m := NewManager(DefaultBreakerConfig(), logger.NewNop())
	var slept []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return m, &slept
}

func TestRunSucceedsOnThirdAttempt(t *testing.T) {
	m, slept := testManager()
	defer m.Close()

	policy := Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Strategy: StrategyExponential}
	attempts := 0
	result, err := m.Run(context.Background(), "http", policy, func() (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("transient failure %d", attempts)
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
	// Two backoffs before the third attempt: 100ms then 200ms.
	require.Len(t, *slept, 2)
	assert.Equal(t, 100*time.Millisecond, (*slept)[0])
	assert.Equal(t, 200*time.Millisecond, (*slept)[1])
}

func TestRunExhaustsRetries(t *testing.T) {
	m, slept := testManager()
	defer m.Close()

	policy := Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, Strategy: StrategyFixed}
	attempts := 0
	cause := errors.New("downstream is down")
	_, err := m.Run(context.Background(), "http", policy, func() (interface{}, error) {
		attempts++
		return nil, cause
	})

	require.Error(t, err)
	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, attempts)
	assert.Len(t, *slept, 2)
}

func TestRunOpensCircuitAfterConsecutiveFailures(t *testing.T) {
	m := NewManager(BreakerConfig{
		ConsecutiveFailures: 3,
		CoolDown:            time.Minute,
		HalfOpenRequests:    1,
		Window:              time.Minute,
	}, logger.NewNop())
	defer m.Close()
	m.sleep = func(context.Context, time.Duration) error { return nil }

	policy := Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, Strategy: StrategyFixed}
	fail := func() (interface{}, error) { return nil, errors.New("boom") }

	for i := 0; i < 3; i++ {
		_, err := m.Run(context.Background(), "flaky", policy, fail)
		require.Error(t, err)
	}

	// The breaker is open now: calls fail fast without invoking fn.
	invoked := false
	_, err := m.Run(context.Background(), "flaky", policy, func() (interface{}, error) {
		invoked = true
		return nil, nil
	})
	require.Error(t, err)
	var open *CircuitOpenError
	assert.ErrorAs(t, err, &open)
	assert.Equal(t, "flaky", open.Key)
	assert.False(t, invoked)

	// Other keys are unaffected.
	_, err = m.Run(context.Background(), "healthy", policy, func() (interface{}, error) {
		return 42, nil
	})
	assert.NoError(t, err)
}

func TestRunRespectsContextDuringBackoff(t *testing.T) {
	m := NewManager(DefaultBreakerConfig(), logger.NewNop())
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := Policy{MaxAttempts: 3, BaseDelay: time.Hour, Strategy: StrategyFixed}
	_, err := m.Run(ctx, "slow", policy, func() (interface{}, error) {
		return nil, errors.New("fail once")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/telemetry"
)

var errUnreachable = fault.New(fault.Transient, "research", errors.New("unreachable"))

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestExecutor(cfg BreakerConfig, clk *fakeClock, rec *sleepRecorder) *Executor {
	return NewExecutor(cfg,
		WithClock(clk.Now),
		WithSleep(rec.sleep),
		WithRand(func() float64 { return 0.5 }),
	)
}

func fastPolicy(attempts int) Policy {
	return Policy{Timeout: time.Second, MaxAttempts: attempts, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0.2}
}

func TestPolicy_Delay(t *testing.T) {
	p := fastPolicy(5)
	assert.Equal(t, 100*time.Millisecond, p.Delay(0, 0.5))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1, 0.5))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2, 0.5))
	assert.Equal(t, time.Second, p.Delay(10, 0.5), "capped")
	assert.Equal(t, 80*time.Millisecond, p.Delay(0, 0), "minus jitter")
	assert.Equal(t, 120*time.Millisecond, p.Delay(0, 1), "plus jitter")
}

func TestInvoke_SucceedsAfterTransientFailures(t *testing.T) {
	clk, rec := newFakeClock(), &sleepRecorder{}
	e := newTestExecutor(DefaultBreakerConfig(), clk, rec)

	var calls int32
	var notes []string
	res := e.Invoke(context.Background(), "edit", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errUnreachable
		}
		return nil
	}, fastPolicy(3), WithAttemptHook(func(attempt int, err error, retryIn time.Duration) {
		notes = append(notes, fmt.Sprintf("attempt %d: %v", attempt, err))
	}))

	assert.True(t, res.OK())
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, notes, 2)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.delays)
}

func TestInvoke_Exhausted(t *testing.T) {
	clk, rec := newFakeClock(), &sleepRecorder{}
	e := newTestExecutor(DefaultBreakerConfig(), clk, rec)

	hooks := 0
	res := e.Invoke(context.Background(), "research", func(context.Context) error { return errUnreachable },
		fastPolicy(3), WithAttemptHook(func(int, error, time.Duration) { hooks++ }))

	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, hooks)
	assert.ErrorIs(t, res.Err, errUnreachable)
}

func TestInvoke_PermanentErrorNotRetried(t *testing.T) {
	clk, rec := newFakeClock(), &sleepRecorder{}
	e := newTestExecutor(DefaultBreakerConfig(), clk, rec)
	noResult := fault.New(fault.Validation, "research", errors.New("no result"))

	var calls int32
	res := e.Invoke(context.Background(), "research", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return noResult
	}, fastPolicy(3))

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, int32(1), calls)
	assert.Empty(t, rec.delays)
	assert.Equal(t, 0, e.Breaker("research").Failures(), "permanent errors do not trip the breaker")
}

func TestInvoke_TimeoutIsTransient(t *testing.T) {
	clk, rec := newFakeClock(), &sleepRecorder{}
	e := newTestExecutor(DefaultBreakerConfig(), clk, rec)

	p := fastPolicy(2)
	p.Timeout = 10 * time.Millisecond
	res := e.Invoke(context.Background(), "edit", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, p)

	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.True(t, fault.IsRetryable(res.Err))
	assert.Contains(t, res.Err.Error(), "timed out after 10ms")
}

func TestInvoke_CircuitOpenSkipsCall(t *testing.T) {
	clk, rec := newFakeClock(), &sleepRecorder{}
	e := newTestExecutor(BreakerConfig{Threshold: 2, Window: time.Minute, Cooldown: 30 * time.Second}, clk, rec)

	var calls int32
	failing := func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errUnreachable
	}

	res := e.Invoke(context.Background(), "research", failing, fastPolicy(5))
	assert.Equal(t, OutcomeCircuitOpen, res.Outcome)
	assert.Equal(t, int32(3), calls, "third failure exceeds the threshold")
	assert.ErrorIs(t, res.Err, ErrCircuitOpen)

	res = e.Invoke(context.Background(), "research", failing, fastPolicy(5))
	assert.Equal(t, OutcomeCircuitOpen, res.Outcome)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, int32(3), calls, "no call while open")

	// other kinds are unaffected
	res = e.Invoke(context.Background(), "test", func(context.Context) error { return nil }, fastPolicy(1))
	assert.True(t, res.OK())

	clk.Advance(30 * time.Second)
	res = e.Invoke(context.Background(), "research", func(context.Context) error { return nil }, fastPolicy(1))
	assert.True(t, res.OK(), "half-open trial succeeds")
	assert.Equal(t, StateClosed, e.Breaker("research").State())
}

func TestInvoke_CancelledBeforeCall(t *testing.T) {
	e := newTestExecutor(DefaultBreakerConfig(), newFakeClock(), &sleepRecorder{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	res := e.Invoke(ctx, "ship", func(context.Context) error { called = true; return nil }, fastPolicy(3))
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.False(t, called)
}

func TestInvoke_InFlightCallSurvivesCancel(t *testing.T) {
	e := newTestExecutor(DefaultBreakerConfig(), newFakeClock(), &sleepRecorder{})
	ctx, cancel := context.WithCancel(context.Background())

	res := e.Invoke(ctx, "edit", func(actx context.Context) error {
		cancel()
		require.NoError(t, actx.Err(), "attempt context is detached from cancellation")
		return nil
	}, fastPolicy(1))
	assert.True(t, res.OK())
}

func TestInvoke_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewExecutor(DefaultBreakerConfig(), WithSleep(func(c context.Context, d time.Duration) error {
		cancel()
		return sleepCtx(c, time.Hour)
	}))

	res := e.Invoke(ctx, "test", func(context.Context) error { return errUnreachable }, fastPolicy(3))
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
}

func TestInvoke_PanicIsFatal(t *testing.T) {
	e := newTestExecutor(DefaultBreakerConfig(), newFakeClock(), &sleepRecorder{})
	res := e.Invoke(context.Background(), "edit", func(context.Context) error { panic("nil map") }, fastPolicy(3))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, fault.Fatal, fault.ClassOf(res.Err))
}

func TestInvoke_Telemetry(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	clk := newFakeClock()
	e := NewExecutor(BreakerConfig{Threshold: 1, Window: time.Minute, Cooldown: time.Minute},
		WithClock(clk.Now),
		WithSleep((&sleepRecorder{}).sleep),
		WithTelemetry(tel.MeterProvider(), tel.TracerProvider()))

	res := e.Invoke(context.Background(), "ship", func(context.Context) error { return errUnreachable }, fastPolicy(3))
	require.Equal(t, OutcomeCircuitOpen, res.Outcome)

	kind := attribute.String("kind", "ship")
	assert.Equal(t, int64(2), tel.CounterValue(t, "metapod_executor_attempts_total", kind))
	assert.Equal(t, int64(1), tel.CounterValue(t, "metapod_executor_outcomes_total", kind, attribute.String("outcome", "circuit_open")))
	assert.Equal(t, int64(1), tel.CounterValue(t, "metapod_breaker_transitions_total", kind, attribute.String("to", "open")))
	tel.AssertSpanAttribute(t, "resilience.Invoke", "outcome", "circuit_open")
}

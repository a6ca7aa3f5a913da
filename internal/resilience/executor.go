package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/fault"
)

const instrumentationName = "github.com/fyrsmithlabs/metapod/internal/resilience"

// Outcome summarizes how an invocation ended.
type Outcome string

const (
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeFailed      Outcome = "failed"    // permanent error, not retried
	OutcomeExhausted   Outcome = "exhausted" // transient errors on every attempt
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeCancelled   Outcome = "cancelled"
)

// Result is the outcome of Invoke.
type Result struct {
	Kind     string
	Outcome  Outcome
	Attempts int
	Err      error
	Duration time.Duration
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Outcome == OutcomeSucceeded }

// Func is one attempt at a collaborator call.
type Func func(ctx context.Context) error

// AttemptHook observes every failed attempt.
type AttemptHook func(attempt int, err error, retryIn time.Duration)

// Executor invokes collaborator calls under a policy with one breaker per kind.
type Executor struct {
	cfg    BreakerConfig
	logger *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	rand   func() float64

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	tracer      trace.Tracer
	attempts    metric.Int64Counter
	outcomes    metric.Int64Counter
	transitions metric.Int64Counter
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithClock sets the time source used by breakers.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithSleep replaces the backoff wait. Tests use it to avoid real delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// WithRand sets the jitter source.
func WithRand(r func() float64) Option {
	return func(e *Executor) { e.rand = r }
}

// WithTelemetry sets the providers used for metrics and spans.
func WithTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) Option {
	return func(e *Executor) {
		if mp != nil {
			e.initMetrics(mp.Meter(instrumentationName))
		}
		if tp != nil {
			e.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// NewExecutor creates an Executor.
func NewExecutor(cfg BreakerConfig, opts ...Option) *Executor {
	e := &Executor{
		cfg:      cfg.withDefaults(),
		logger:   zap.NewNop(),
		now:      time.Now,
		sleep:    sleepCtx,
		rand:     rand.Float64,
		breakers: make(map[string]*CircuitBreaker),
		tracer:   otel.GetTracerProvider().Tracer(instrumentationName),
	}
	e.initMetrics(otel.GetMeterProvider().Meter(instrumentationName))
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) initMetrics(m metric.Meter) {
	e.attempts, _ = m.Int64Counter("metapod_executor_attempts_total",
		metric.WithDescription("Collaborator call attempts by kind"))
	e.outcomes, _ = m.Int64Counter("metapod_executor_outcomes_total",
		metric.WithDescription("Invocation outcomes by kind"))
	e.transitions, _ = m.Int64Counter("metapod_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state changes by kind"))
}

// Breaker returns the breaker for kind, creating it on first use.
func (e *Executor) Breaker(kind string) *CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[kind]; ok {
		return b
	}
	b := NewCircuitBreaker(e.cfg, e.now)
	b.onChange = func(from, to State) {
		e.transitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("kind", kind), attribute.String("to", string(to))))
		e.logger.Info("circuit breaker state changed",
			zap.String("kind", kind), zap.String("from", string(from)), zap.String("to", string(to)))
	}
	e.breakers[kind] = b
	return b
}

// BreakerStates returns the state of every breaker created so far.
func (e *Executor) BreakerStates() map[string]State {
	e.mu.Lock()
	kinds := make([]string, 0, len(e.breakers))
	for k := range e.breakers {
		kinds = append(kinds, k)
	}
	e.mu.Unlock()

	out := make(map[string]State, len(kinds))
	for _, k := range kinds {
		out[k] = e.Breaker(k).State()
	}
	return out
}

type invokeOptions struct {
	hook AttemptHook
}

// InvokeOption adjusts a single Invoke call.
type InvokeOption func(*invokeOptions)

// WithAttemptHook reports every failed attempt to hook.
func WithAttemptHook(hook AttemptHook) InvokeOption {
	return func(o *invokeOptions) { o.hook = hook }
}

// Invoke calls fn until it succeeds, fails permanently, exhausts the policy,
// hits an open breaker or ctx is cancelled.
//
// Each attempt runs under its own timeout on a context detached from ctx's
// cancellation, so a cancelled session lets an in-flight call finish. ctx
// still interrupts the backoff wait between attempts.
func (e *Executor) Invoke(ctx context.Context, kind string, fn Func, p Policy, opts ...InvokeOption) Result {
	p = p.ApplyDefaults()
	var o invokeOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := e.tracer.Start(ctx, "resilience.Invoke", trace.WithAttributes(
		attribute.String("kind", kind),
		attribute.Int("max_attempts", p.MaxAttempts),
	))
	defer span.End()

	start := e.now()
	br := e.Breaker(kind)
	res := Result{Kind: kind}

	finish := func(out Outcome, err error) Result {
		res.Outcome = out
		res.Err = err
		res.Duration = e.now().Sub(start)
		e.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind), attribute.String("outcome", string(out))))
		span.SetAttributes(attribute.String("outcome", string(out)), attribute.Int("attempts", res.Attempts))
		if err != nil && out != OutcomeSucceeded {
			span.SetStatus(codes.Error, err.Error())
		}
		return res
	}

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return finish(OutcomeCancelled, fmt.Errorf("%s cancelled before attempt %d: %w", kind, attempt, err))
		}
		if err := br.Allow(); err != nil {
			return finish(OutcomeCircuitOpen, err)
		}

		res.Attempts = attempt
		e.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))

		err := e.attempt(ctx, kind, fn, p.Timeout)
		if err == nil {
			br.RecordSuccess()
			return finish(OutcomeSucceeded, nil)
		}

		retryable := fault.IsRetryable(err)
		if retryable {
			br.RecordFailure()
		} else {
			br.Release()
		}

		var wait time.Duration
		if retryable && attempt < p.MaxAttempts {
			wait = p.Delay(attempt-1, e.rand())
		}
		if o.hook != nil {
			o.hook(attempt, err, wait)
		}
		e.logger.Debug("collaborator attempt failed",
			zap.String("kind", kind),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Bool("retryable", retryable),
			zap.Duration("retry_in", wait),
			zap.Error(err))

		if !retryable {
			return finish(OutcomeFailed, err)
		}
		if attempt == p.MaxAttempts {
			return finish(OutcomeExhausted, err)
		}
		if werr := e.sleep(ctx, wait); werr != nil {
			return finish(OutcomeCancelled, fmt.Errorf("%s cancelled during backoff: %w", kind, werr))
		}
	}
	return finish(OutcomeExhausted, errors.New("no attempts made"))
}

// attempt runs fn once under timeout. A deadline hit by the attempt itself is transient.
func (e *Executor) attempt(ctx context.Context, kind string, fn Func, timeout time.Duration) (err error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fault.New(fault.Fatal, "resilience.invoke", fmt.Errorf("%s panicked: %v", kind, r))
		}
	}()

	err = fn(actx)
	var fe *fault.Error
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !errors.As(err, &fe) {
		err = fault.Newf(fault.Transient, "resilience.invoke", err, "%s timed out after %s", kind, timeout)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

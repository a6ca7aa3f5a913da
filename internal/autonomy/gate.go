package autonomy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/ledger"
)

// DefaultTimeout is how long a request waits before the session is blocked.
const DefaultTimeout = 10 * time.Minute

// EffectKind is what a resolved decision does to the task.
type EffectKind string

const (
	EffectStart        EffectKind = "start"         // pending -> in_progress
	EffectSkip         EffectKind = "skip"          // -> skipped with approval
	EffectUpdateParams EffectKind = "update_params" // params replaced, task stays pending
	EffectGrantRetry   EffectKind = "grant_retry"   // exhausted task gets more attempts
	EffectFailSession  EffectKind = "fail_session"  // skip refused, phase permanently blocked
)

// Effect is the ledger consequence of a decision. The caller applies it.
type Effect struct {
	Kind      EffectKind
	TaskID    string
	RequestID string
	Params    map[string]string
	Extra     int
	Note      string
}

// Gate creates and resolves approval requests.
type Gate struct {
	timeout time.Duration
	now     func() time.Time
	newID   func() string
	logger  *zap.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClock sets the time source.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithIDs sets the request id generator.
func WithIDs(newID func() string) GateOption {
	return func(g *Gate) { g.newID = newID }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// NewGate creates a Gate. A non-positive timeout uses DefaultTimeout.
func NewGate(timeout time.Duration, opts ...GateOption) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	g := &Gate{
		timeout: timeout,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Timeout returns the approval timeout.
func (g *Gate) Timeout() time.Duration { return g.timeout }

// RequestApproval registers a pending decision for t. The task is not touched.
func (g *Gate) RequestApproval(sessionID string, t ledger.Task, purpose Purpose) Request {
	now := g.now().UTC()
	r := Request{
		ID:        g.newID(),
		SessionID: sessionID,
		TaskID:    t.ID,
		Purpose:   purpose,
		Options:   []Action{Approve, Reject, Modify},
		Status:    RequestPending,
		CreatedAt: now,
		Deadline:  now.Add(g.timeout),
	}
	g.logger.Debug("approval requested",
		zap.String("request_id", r.ID),
		zap.String("task_id", t.ID),
		zap.String("purpose", string(purpose)))
	return r
}

// Prompt is what an approval channel is asked to decide.
type Prompt struct {
	Request Request
	Task    ledger.Task
}

// Channel delivers prompts to a human or a policy and returns the decision.
type Channel interface {
	Prompt(ctx context.Context, p Prompt) (Decision, error)
}

// Await prompts ch and waits until the request deadline.
//
// A deadline that passes without a decision returns ErrApprovalTimeout
// classified PolicyBlocked. Cancellation of ctx returns ctx.Err().
func (g *Gate) Await(ctx context.Context, ch Channel, p Prompt) (Decision, error) {
	remaining := p.Request.Deadline.Sub(g.now())
	if remaining <= 0 {
		return Decision{}, g.timedOut(p.Request)
	}
	actx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	d, err := ch.Prompt(actx, p)
	if err == nil {
		if verr := d.Validate(p.Request.Purpose); verr != nil {
			return Decision{}, fault.New(fault.Validation, "autonomy.await", verr)
		}
		return d, nil
	}
	if ctx.Err() != nil {
		return Decision{}, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrApprovalTimeout) {
		return Decision{}, g.timedOut(p.Request)
	}
	return Decision{}, err
}

func (g *Gate) timedOut(r Request) error {
	return fault.Newf(fault.PolicyBlocked, "autonomy.await", ErrApprovalTimeout,
		"request %s for task %s after %s", r.ID, r.TaskID, g.timeout)
}

// MarkTimedOut records that r passed its deadline undecided.
func (g *Gate) MarkTimedOut(r *Request) {
	if r.Status == RequestPending {
		r.Status = RequestTimedOut
	}
}

// Resolve records d on r and returns the effect the caller must apply.
func (g *Gate) Resolve(r *Request, d Decision) (Effect, error) {
	if !r.Open() {
		return Effect{}, fault.Newf(fault.Validation, "autonomy.resolve", ErrAlreadyResolved, "request %s", r.ID)
	}
	if !r.Allows(d.Action) {
		return Effect{}, fault.New(fault.Validation, "autonomy.resolve",
			fmt.Errorf("%w: %q is not an option of request %s", ErrInvalidDecision, d.Action, r.ID))
	}
	if err := d.Validate(r.Purpose); err != nil {
		return Effect{}, fault.New(fault.Validation, "autonomy.resolve", err)
	}

	eff := Effect{TaskID: r.TaskID, RequestID: r.ID}
	switch r.Purpose {
	case PurposeExecute:
		switch d.Action {
		case Approve:
			eff.Kind = EffectStart
		case Reject:
			eff.Kind = EffectSkip
		case Modify:
			eff.Kind = EffectUpdateParams
			eff.Params = d.Params
		}
	case PurposeSkip:
		switch d.Action {
		case Approve:
			eff.Kind = EffectSkip
		case Reject:
			eff.Kind = EffectFailSession
		case Modify:
			eff.Kind = EffectGrantRetry
			eff.Extra = max(d.Extra, 1)
		}
	default:
		return Effect{}, fault.Validationf("autonomy.resolve", "request %s has unknown purpose %q", r.ID, r.Purpose)
	}
	eff.Note = describe(r, d)

	now := g.now().UTC()
	r.Status = RequestResolved
	r.Decision = &d
	r.ResolvedAt = &now

	g.logger.Info("approval resolved",
		zap.String("request_id", r.ID),
		zap.String("task_id", r.TaskID),
		zap.String("action", string(d.Action)),
		zap.String("effect", string(eff.Kind)))
	return eff, nil
}

func describe(r *Request, d Decision) string {
	s := fmt.Sprintf("%s request %s: %s", r.Purpose, r.ID, d.Action)
	if d.By != "" {
		s += " by " + d.By
	}
	if d.Comment != "" {
		s += " (" + d.Comment + ")"
	}
	return s
}

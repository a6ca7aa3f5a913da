package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/ledger"
	"github.com/fyrsmithlabs/metapod/internal/phase"
	"github.com/fyrsmithlabs/metapod/internal/session"
)

// ErrCriticalViolation stops an advance.
var ErrCriticalViolation = errors.New("critical gate violation")

// Controller sequences the phases of a session.
type Controller struct {
	gates  map[phase.Phase][]PhaseGate
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the time source for violations.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController creates a Controller with no gates.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		gates:  make(map[phase.Phase][]PhaseGate),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterGate runs gate whenever p is entered.
func (c *Controller) RegisterGate(p phase.Phase, gate PhaseGate) {
	c.gates[p] = append(c.gates[p], gate)
}

// CurrentPhase returns the phase the session is in. ok is false once every
// phase has completed.
func CurrentPhase(s *session.Session) (phase.Phase, bool) {
	return s.CurrentPhase()
}

// EligibleTasks returns the runnable tasks of the current phase in
// declaration order: pending tasks and failed tasks with attempts left whose
// dependencies are completed or skipped.
func EligibleTasks(s *session.Session) []ledger.Task {
	p, ok := s.CurrentPhase()
	if !ok {
		return nil
	}
	var out []ledger.Task
	for _, t := range s.Ledger.PhaseTasks(p) {
		if t.Status != ledger.StatusPending && !t.Retryable() {
			continue
		}
		if !dependenciesDone(s.Ledger, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Interrupted returns the in-progress tasks of the current phase. When no
// driver is running these were cut off by a crash and must be re-invoked.
func Interrupted(s *session.Session) []ledger.Task {
	p, ok := s.CurrentPhase()
	if !ok {
		return nil
	}
	var out []ledger.Task
	for _, t := range s.Ledger.PhaseTasks(p) {
		if t.Status == ledger.StatusInProgress {
			out = append(out, t)
		}
	}
	return out
}

func dependenciesDone(l *ledger.Ledger, t ledger.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := l.Task(dep)
		if !ok || !d.Status.Terminal() {
			return false
		}
	}
	return true
}

// Advance re-evaluates the current phase. It moves the phase index forward
// only when every task of the phase is completed or skipped, and back when an
// earlier phase still has open tasks.
func (c *Controller) Advance(ctx context.Context, s *session.Session) (Result, error) {
	if open := s.FirstOpenPhase(); open < s.PhaseIndex {
		res := Result{Outcome: Rewound}
		res.From, _ = phase.At(s.PhaseIndex)
		res.To, _ = phase.At(open)
		c.logger.Debug("rewinding to open phase", zap.Int("from", s.PhaseIndex), zap.Int("to", open))
		s.PhaseIndex = open
		return res, nil
	}
	from, ok := s.CurrentPhase()
	if !ok {
		return Result{Outcome: Complete}, nil
	}
	res := Result{From: from}

	tasks := s.Ledger.PhaseTasks(from)
	done := true
	for _, t := range tasks {
		if t.Exhausted() {
			res.Exhausted = append(res.Exhausted, t)
		}
		if !t.Status.Terminal() {
			done = false
		}
	}
	if len(res.Exhausted) > 0 {
		res.Outcome = Blocked
		return res, nil
	}
	if !done {
		res.Outcome = Pending
		return res, nil
	}

	if s.PhaseIndex+1 >= phase.Count {
		s.PhaseIndex = phase.Count
		res.Outcome = Complete
		c.logger.Debug("final phase complete", zap.String("phase", string(from)))
		return res, nil
	}

	to, _ := phase.At(s.PhaseIndex + 1)
	violations, err := c.checkGates(ctx, from, to, s.Ledger)
	if err != nil {
		return res, fault.New(fault.Fatal, "orchestrator.advance", fmt.Errorf("gate check entering %s: %w", to, err))
	}
	res.Violations = violations
	if hasCriticalViolation(violations) {
		return res, fault.Newf(fault.Fatal, "orchestrator.advance", ErrCriticalViolation,
			"entering %s: %s", to, describeViolations(violations))
	}
	if err := c.recordViolations(s.Ledger, to, violations); err != nil {
		return res, err
	}

	s.PhaseIndex++
	res.Outcome = Advanced
	res.To = to
	c.logger.Debug("phase advanced",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("violations", len(violations)))
	return res, nil
}

// checkGates runs all gates for a phase and returns violations
func (c *Controller) checkGates(ctx context.Context, from, to phase.Phase, l *ledger.Ledger) ([]Violation, error) {
	var all []Violation
	for _, gate := range c.gates[to] {
		violations, err := gate.Check(ctx, from, to, l)
		if err != nil {
			return nil, fmt.Errorf("gate %s check failed: %w", gate.Name(), err)
		}
		for i := range violations {
			if violations[i].DetectedAt.IsZero() {
				violations[i].DetectedAt = c.now().UTC()
			}
		}
		all = append(all, violations...)
	}
	return all, nil
}

// recordViolations notes non-critical violations on the first task of the
// entered phase, or the last task of the phase being left when it has none.
func (c *Controller) recordViolations(l *ledger.Ledger, to phase.Phase, violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	target := ""
	if tasks := l.PhaseTasks(to); len(tasks) > 0 {
		target = tasks[0].ID
	} else if all := l.Tasks(); len(all) > 0 {
		target = all[len(all)-1].ID
	}
	if target == "" {
		return nil
	}
	for _, v := range violations {
		note := fmt.Sprintf("gate %s [%s]: %s", v.Type, v.Severity, v.Description)
		if _, err := l.Annotate(target, note); err != nil {
			return err
		}
	}
	return nil
}

// hasCriticalViolation checks if any violation is critical
func hasCriticalViolation(violations []Violation) bool {
	for _, v := range violations {
		if v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// describeViolations creates a summary of violations
func describeViolations(violations []Violation) string {
	var parts []string
	for _, v := range violations {
		parts = append(parts, fmt.Sprintf("[%s] %s", v.Type, v.Description))
	}
	return strings.Join(parts, "; ")
}

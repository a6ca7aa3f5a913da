package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/capability"
	"github.com/fyrsmithlabs/metapod/internal/events"
	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/ledger"
	"github.com/fyrsmithlabs/metapod/internal/logging"
	"github.com/fyrsmithlabs/metapod/internal/orchestrator"
	"github.com/fyrsmithlabs/metapod/internal/phase"
	"github.com/fyrsmithlabs/metapod/internal/report"
	"github.com/fyrsmithlabs/metapod/internal/resilience"
	"github.com/fyrsmithlabs/metapod/internal/session"
)

// job is one unit of a driver batch. Jobs return only errors that must fail
// the session.
type job func(ctx context.Context) error

// call performs one collaborator attempt and returns the outputs to record.
type call func(ctx context.Context) (map[string]string, error)

// drive runs batches until the session parks. Between batches it sleeps
// while only approval waits are outstanding.
func (c *Coordinator) drive(ctx context.Context, ls *liveSession) {
	ctx = logging.WithSessionID(ctx, ls.id)
	c.logger.Debug(ctx, "driver started")
	for {
		// Waits end once the driver stops. Let them settle before parking.
		if c.stopping(ctx, ls) {
			ls.waiters.Wait()
		}
		jobs, ok := c.next(ctx, ls)
		if !ok {
			c.logger.Debug(ctx, "driver parked")
			return
		}
		if len(jobs) == 0 {
			select {
			case <-ls.wake:
			case <-ctx.Done():
			}
			continue
		}
		if err := c.runJobs(ctx, ls, jobs); err != nil {
			ls.mu.Lock()
			c.failLocked(ctx, ls.s, err)
			ls.mu.Unlock()
		}
	}
}

func (c *Coordinator) stopping(ctx context.Context, ls *liveSession) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ctx.Err() != nil || ls.s.Status.Terminal()
}

// runJobs starts jobs in order, each once a slot is free.
func (c *Coordinator) runJobs(ctx context.Context, ls *liveSession, jobs []job) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		if err := ls.slots.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer ls.slots.Release(1)
			return j(gctx)
		})
	}
	return g.Wait()
}

// next derives the next batch. It returns no jobs while approval waits are
// outstanding. When there is nothing to run it parks the driver and returns
// false.
func (c *Coordinator) next(ctx context.Context, ls *liveSession) ([]job, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	s := ls.s

	for {
		if s.Status.Terminal() {
			c.park(ls)
			return nil, false
		}
		if ctx.Err() != nil {
			c.parkInterrupted(ctx, ls)
			return nil, false
		}
		if jobs := c.runnable(ctx, ls); len(jobs) > 0 {
			return jobs, true
		}
		if len(ls.waiting) > 0 {
			return nil, true
		}

		res, err := c.controller.Advance(ctx, s)
		if err != nil {
			c.failLocked(ctx, s, err)
			continue
		}
		switch res.Outcome {
		case orchestrator.Advanced:
			s.Block = nil
			if err := c.persist(ctx, s); err != nil {
				c.failLocked(ctx, s, err)
				continue
			}
			c.metrics.phases.Add(ctx, 1, metricAttrs(attribute.String("phase", string(res.To))))
			c.logger.Info(ctx, "phase advanced",
				zap.String("from", string(res.From)),
				zap.String("to", string(res.To)),
				zap.Int("violations", len(res.Violations)))
			c.emit(ctx, events.Event{Type: events.PhaseAdvanced, SessionID: s.ID, Phase: string(res.To), Detail: "from " + string(res.From)})

		case orchestrator.Rewound:
			if err := c.persist(ctx, s); err != nil {
				c.failLocked(ctx, s, err)
				continue
			}
			c.logger.Warn(ctx, "phase rewound to open tasks",
				zap.String("from", string(res.From)),
				zap.String("to", string(res.To)))

		case orchestrator.Complete:
			s.Status = session.StatusCompleted
			s.Block = nil
			if err := c.persist(ctx, s); err != nil {
				c.failLocked(ctx, s, err)
				continue
			}
			c.logger.Info(ctx, "session completed")
			c.emit(ctx, events.Event{Type: events.SessionCompleted, SessionID: s.ID, Workspace: s.Workspace, Status: string(s.Status)})

		case orchestrator.Blocked:
			if err := c.exhausted(ctx, ls, res.Exhausted); err != nil {
				c.failLocked(ctx, s, err)
				continue
			}
			if len(ls.waiting) > 0 {
				return nil, true
			}
			c.park(ls)
			return nil, false

		default:
			if err := c.parkPending(ctx, ls); err != nil {
				c.failLocked(ctx, s, err)
				continue
			}
			c.park(ls)
			return nil, false
		}
	}
}

// runnable returns jobs for the interrupted and eligible tasks of the
// current phase and starts approval waits for the gated ones. Tasks behind
// a timed-out approval or an open breaker wait. The caller holds the
// session mutex.
func (c *Coordinator) runnable(ctx context.Context, ls *liveSession) []job {
	s := ls.s
	var jobs []job
	for _, t := range orchestrator.Interrupted(s) {
		if ls.waiting[t.ID] {
			continue
		}
		id := t.ID
		jobs = append(jobs, func(ctx context.Context) error { return c.invoke(ctx, ls, id) })
	}
	for _, t := range orchestrator.EligibleTasks(s) {
		if ls.waiting[t.ID] {
			continue
		}
		if r, ok := s.OpenApproval(t.ID); ok && r.Status == autonomy.RequestTimedOut {
			continue
		}
		if !c.exec.Breaker(string(t.Kind)).Ready() {
			continue
		}
		id := t.ID
		if autonomy.RequiresApproval(t, s.Autonomy) {
			c.spawnWait(ctx, ls, id, func(ctx context.Context) error { return c.approveAndRun(ctx, ls, id) })
			continue
		}
		jobs = append(jobs, func(ctx context.Context) error { return c.runTask(ctx, ls, id) })
	}
	return jobs
}

// spawnWait runs fn for taskID beside the driver's batches, so only that
// task is held up. The driver is woken when fn returns. The caller holds
// the session mutex.
func (c *Coordinator) spawnWait(ctx context.Context, ls *liveSession, taskID string, fn job) {
	ls.waiting[taskID] = true
	ls.waiters.Add(1)
	go func() {
		defer ls.waiters.Done()
		err := fn(ctx)
		ls.mu.Lock()
		delete(ls.waiting, taskID)
		if err != nil {
			c.failLocked(ctx, ls.s, err)
		}
		ls.mu.Unlock()
		ls.signal()
	}()
}

// exhausted asks what to do with tasks that used up their attempts. The
// session is blocked until a skip request is answered.
func (c *Coordinator) exhausted(ctx context.Context, ls *liveSession, tasks []ledger.Task) error {
	s := ls.s
	changed := false
	for _, t := range tasks {
		var id string
		var status autonomy.RequestStatus
		if r, ok := s.OpenApproval(t.ID); ok {
			id, status = r.ID, r.Status
		} else {
			req := c.gate.RequestApproval(s.ID, t, autonomy.PurposeSkip)
			s.Approvals = append(s.Approvals, req)
			c.requested(ctx, s, req)
			id, status = req.ID, req.Status
			changed = true
		}
		if s.Block == nil {
			s.Block = &session.Block{
				Reason:    session.BlockRetryExhausted,
				TaskID:    t.ID,
				RequestID: id,
				Since:     c.now().UTC(),
				Detail:    fmt.Sprintf("task %s failed after %d/%d attempts", t.ID, t.Attempts, t.MaxAttempts),
			}
			c.blocked(ctx, s)
			changed = true
		}
		if status == autonomy.RequestPending && !ls.waiting[t.ID] {
			c.spawnWait(ctx, ls, t.ID, func(ctx context.Context) error {
				_, _, err := c.await(ctx, ls, id)
				return err
			})
		}
	}
	if changed {
		return c.persist(ctx, s)
	}
	return nil
}

// parkPending records why a session with unfinished tasks cannot move.
func (c *Coordinator) parkPending(ctx context.Context, ls *liveSession) error {
	s := ls.s
	b := c.pendingBlock(s)
	if sameBlock(s.Block, b) {
		return nil
	}
	s.Block = b
	if err := c.persist(ctx, s); err != nil {
		return err
	}
	if b != nil {
		c.blocked(ctx, s)
		if b.Reason == session.BlockCircuitOpen && b.RetryAt != nil {
			c.scheduleResume(ctx, ls, *b.RetryAt)
		}
	}
	return nil
}

func (c *Coordinator) pendingBlock(s *session.Session) *session.Block {
	p, ok := s.CurrentPhase()
	if !ok {
		return nil
	}
	now := c.now().UTC()
	for _, t := range s.Ledger.PhaseTasks(p) {
		if r, ok := s.OpenApproval(t.ID); ok && r.Status == autonomy.RequestTimedOut {
			return &session.Block{
				Reason:    session.BlockApprovalTimeout,
				TaskID:    t.ID,
				RequestID: r.ID,
				Since:     now,
				Detail:    fmt.Sprintf("%s approval for %s timed out", r.Purpose, t.ID),
			}
		}
	}
	for _, t := range orchestrator.EligibleTasks(s) {
		br := c.exec.Breaker(string(t.Kind))
		if br.Ready() {
			continue
		}
		at := br.RetryAt()
		if at.IsZero() {
			at = now
		}
		return &session.Block{
			Reason:  session.BlockCircuitOpen,
			TaskID:  t.ID,
			Since:   now,
			Detail:  fmt.Sprintf("circuit open for %s", t.Kind),
			RetryAt: &at,
		}
	}
	return nil
}

func sameBlock(a, b *session.Block) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Reason == b.Reason && a.TaskID == b.TaskID && a.RequestID == b.RequestID
}

// scheduleResume relaunches ls when its breaker admits a trial.
func (c *Coordinator) scheduleResume(ctx context.Context, ls *liveSession, at time.Time) {
	if !c.cfg.AutoResume {
		return
	}
	if ls.timer != nil {
		ls.timer.Stop()
	}
	wait := max(at.Sub(c.now()), 0)
	c.logger.Info(ctx, "auto-resume scheduled", zap.Duration("in", wait))
	ls.timer = time.AfterFunc(wait, func() {
		if _, err := c.Resume(context.Background(), ls.id); err != nil {
			c.logger.Warn(ctx, "auto-resume failed", zap.Error(err))
		}
	})
}

// park marks the driver stopped. The caller holds the session mutex.
func (c *Coordinator) park(ls *liveSession) {
	ls.running = false
	if ls.cancel != nil {
		ls.cancel()
	}
	if ls.done != nil {
		close(ls.done)
		ls.done = nil
	}
}

// parkInterrupted parks a driver stopped by Shutdown. Open approvals stay
// answerable through Approve.
func (c *Coordinator) parkInterrupted(ctx context.Context, ls *liveSession) {
	s := ls.s
	if pending := s.PendingApprovals(); len(pending) > 0 && s.Block == nil {
		s.Block = &session.Block{
			Reason:    session.BlockAwaitingApproval,
			TaskID:    pending[0].TaskID,
			RequestID: pending[0].ID,
			Since:     c.now().UTC(),
		}
		if err := c.persist(ctx, s); err != nil {
			c.logger.Error(ctx, "saving parked session failed", zap.Error(err))
		}
	}
	c.park(ls)
}

// startable returns the task of taskID when it may start now. The caller
// holds the session mutex.
func (c *Coordinator) startable(ctx context.Context, s *session.Session, taskID string) (ledger.Task, bool) {
	if s.Status.Terminal() || ctx.Err() != nil {
		return ledger.Task{}, false
	}
	t, ok := s.Ledger.Task(taskID)
	if !ok || (t.Status != ledger.StatusPending && !t.Retryable()) {
		return ledger.Task{}, false
	}
	return t, c.exec.Breaker(string(t.Kind)).Ready()
}

// runTask moves an eligible task to in_progress and invokes it. The batch
// holds a slot for it.
func (c *Coordinator) runTask(ctx context.Context, ls *liveSession, taskID string) error {
	ls.mu.Lock()
	s := ls.s
	t, ok := c.startable(ctx, s, taskID)
	if !ok {
		ls.mu.Unlock()
		return nil
	}
	if _, err := s.Ledger.Transition(t.ID, ledger.StatusInProgress, ""); err != nil {
		ls.mu.Unlock()
		return err
	}
	if err := c.persist(ctx, s); err != nil {
		ls.mu.Unlock()
		return err
	}
	c.transitioned(ctx, s, t, ledger.StatusInProgress)
	ls.mu.Unlock()
	return c.invoke(ctx, ls, taskID)
}

// approveAndRun opens or reuses the execute request of taskID, waits for the
// decision without holding a slot and invokes the task once it is approved.
func (c *Coordinator) approveAndRun(ctx context.Context, ls *liveSession, taskID string) error {
	ls.mu.Lock()
	s := ls.s
	t, ok := c.startable(ctx, s, taskID)
	if !ok {
		ls.mu.Unlock()
		return nil
	}
	var id string
	if r, ok := s.OpenApproval(t.ID); ok {
		id = r.ID
	} else {
		req := c.gate.RequestApproval(s.ID, t, autonomy.PurposeExecute)
		s.Approvals = append(s.Approvals, req)
		if err := c.persist(ctx, s); err != nil {
			ls.mu.Unlock()
			return err
		}
		c.requested(ctx, s, req)
		id = req.ID
	}
	ls.mu.Unlock()

	eff, applied, err := c.await(ctx, ls, id)
	if err != nil || !applied || eff.Kind != autonomy.EffectStart {
		return err
	}
	// An in-progress task left here by a stop is re-invoked on resume.
	if err := ls.slots.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer ls.slots.Release(1)
	return c.invoke(ctx, ls, taskID)
}

// await prompts the approval channel for requestID and applies the decision.
// applied is false when the request timed out, was answered elsewhere or the
// driver stopped.
func (c *Coordinator) await(ctx context.Context, ls *liveSession, requestID string) (autonomy.Effect, bool, error) {
	ls.mu.Lock()
	s := ls.s
	r, ok := s.Approval(requestID)
	if !ok || !r.Open() || s.Status.Terminal() {
		ls.mu.Unlock()
		return autonomy.Effect{}, false, nil
	}
	t, _ := s.Ledger.Task(r.TaskID)
	prompt := autonomy.Prompt{Request: *r, Task: t}
	ls.mu.Unlock()

	actx := logging.WithRequestID(logging.WithTask(ctx, t.Phase, t.ID), requestID)
	d, err := c.gate.Await(actx, c.channel, prompt)

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if s.Status.Terminal() {
		return autonomy.Effect{}, false, nil
	}
	r, ok = s.Approval(requestID)
	if !ok || !r.Open() {
		return autonomy.Effect{}, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return autonomy.Effect{}, false, nil
		}
		return autonomy.Effect{}, false, c.timedOut(actx, s, r, err)
	}
	eff, err := c.gate.Resolve(r, d)
	if err != nil {
		return autonomy.Effect{}, false, c.timedOut(actx, s, r, err)
	}
	if err := c.applyEffect(actx, s, eff); err != nil {
		return autonomy.Effect{}, false, err
	}
	resolved := *r
	if err := c.persist(actx, s); err != nil {
		return autonomy.Effect{}, false, err
	}
	c.afterResolve(actx, resolved, eff)
	return eff, true, nil
}

// timedOut marks r undecided. Anything but a plain timeout is noted on the task.
func (c *Coordinator) timedOut(ctx context.Context, s *session.Session, r *autonomy.Request, cause error) error {
	c.gate.MarkTimedOut(r)
	if !fault.Is(cause, fault.PolicyBlocked) {
		if _, err := s.Ledger.Annotate(r.TaskID, c.note(fmt.Sprintf("approval %s not decided: %v", r.ID, cause))); err != nil {
			return err
		}
	}
	c.metrics.approvals.Add(ctx, 1, metricAttrs(
		attribute.String("purpose", string(r.Purpose)),
		attribute.String("action", "timed_out")))
	c.logger.Warn(ctx, "approval timed out", zap.String("task_id", r.TaskID), zap.Error(cause))
	return c.persist(ctx, s)
}

// applyEffect applies a resolved decision. The caller holds the session mutex.
func (c *Coordinator) applyEffect(ctx context.Context, s *session.Session, eff autonomy.Effect) error {
	note := c.note(eff.Note)
	var err error
	switch eff.Kind {
	case autonomy.EffectStart:
		_, err = s.Ledger.Transition(eff.TaskID, ledger.StatusInProgress, note, ledger.WithApproval(eff.RequestID))
	case autonomy.EffectSkip:
		_, err = s.Ledger.Transition(eff.TaskID, ledger.StatusSkipped, note, ledger.WithApproval(eff.RequestID))
	case autonomy.EffectUpdateParams:
		_, err = s.Ledger.SetParams(eff.TaskID, eff.Params, note)
	case autonomy.EffectGrantRetry:
		_, err = s.Ledger.GrantRetry(eff.TaskID, eff.Extra, note, ledger.WithApproval(eff.RequestID))
	case autonomy.EffectFailSession:
		if _, err = s.Ledger.Annotate(eff.TaskID, note); err == nil {
			s.Status = session.StatusFailed
			s.Error = fmt.Sprintf("skipping task %s was rejected", eff.TaskID)
		}
	default:
		err = fault.Validationf("coordinator.apply", "unknown effect %q", eff.Kind)
	}
	if err != nil {
		return err
	}
	if s.Block != nil && s.Block.RequestID == eff.RequestID {
		s.Block = nil
	}
	if t, ok := s.Ledger.Task(eff.TaskID); ok && (eff.Kind == autonomy.EffectStart || eff.Kind == autonomy.EffectSkip) {
		c.transitioned(ctx, s, t, t.Status)
	}
	return nil
}

// invoke runs an in-progress task through the executor and records the outcome.
func (c *Coordinator) invoke(ctx context.Context, ls *liveSession, taskID string) error {
	ls.mu.Lock()
	s := ls.s
	if s.Status.Terminal() {
		ls.mu.Unlock()
		return nil
	}
	t, ok := s.Ledger.Task(taskID)
	if !ok || t.Status != ledger.StatusInProgress {
		ls.mu.Unlock()
		return nil
	}
	budget := t.MaxAttempts - t.Attempts
	if budget <= 0 {
		_, err := s.Ledger.Transition(t.ID, ledger.StatusFailed, "interrupted with no attempts left")
		if err == nil {
			err = c.persist(ctx, s)
			c.transitioned(ctx, s, t, ledger.StatusFailed)
		}
		ls.mu.Unlock()
		return err
	}
	fn, err := c.prepare(s, t)
	ls.mu.Unlock()
	if err != nil {
		return err
	}

	ctx = logging.WithTask(ctx, t.Phase, t.ID)
	ctx, span := c.tracer.Start(ctx, "coordinator.task", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("task.id", t.ID),
		attribute.String("kind", string(t.Kind)),
	))
	defer span.End()

	policy := c.cfg.policy(t.Kind)
	policy.MaxAttempts = budget

	var outputs map[string]string
	var hookErr error
	hook := func(attempt int, err error, retryIn time.Duration) {
		text := fmt.Sprintf("attempt %d/%d failed (%s): %v", t.Attempts+attempt, t.MaxAttempts, fault.ClassOf(err), err)
		if retryIn > 0 {
			text += fmt.Sprintf("; retrying in %s", retryIn.Round(time.Millisecond))
		}
		ls.mu.Lock()
		defer ls.mu.Unlock()
		if s.Status.Terminal() || hookErr != nil {
			return
		}
		if _, err := s.Ledger.Annotate(t.ID, c.note(text), ledger.CountAttempt()); err != nil {
			hookErr = err
			return
		}
		hookErr = c.persist(ctx, s)
	}
	res := c.exec.Invoke(ctx, string(t.Kind), func(actx context.Context) error {
		out, err := fn(actx)
		if out != nil {
			outputs = out
		}
		return err
	}, policy, resilience.WithAttemptHook(hook))

	span.SetAttributes(attribute.String("outcome", string(res.Outcome)), attribute.Int("attempts", res.Attempts))
	if !res.OK() && res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	if hookErr != nil {
		return hookErr
	}
	return c.settle(ctx, ls, t, res, outputs)
}

// settle records outputs and the final transition of an invocation.
func (c *Coordinator) settle(ctx context.Context, ls *liveSession, t ledger.Task, res resilience.Result, outputs map[string]string) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	s := ls.s
	if s.Status.Terminal() {
		c.logger.Info(ctx, "discarding result for terminal session", zap.String("outcome", string(res.Outcome)))
		return nil
	}

	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := s.Ledger.SetOutput(t.ID, k, outputs[k]); err != nil {
			return err
		}
	}

	var (
		to   ledger.Status
		note string
		opts []ledger.MutationOption
	)
	switch res.Outcome {
	case resilience.OutcomeSucceeded:
		to = ledger.StatusCompleted
		note = fmt.Sprintf("%s succeeded on attempt %d", t.Kind, res.Attempts)
		opts = append(opts, ledger.CountAttempt())
	case resilience.OutcomeExhausted:
		to = ledger.StatusFailed
		note = fmt.Sprintf("retries exhausted: %v", res.Err)
	case resilience.OutcomeFailed:
		to = ledger.StatusFailed
		note = fmt.Sprintf("permanent failure: %v", res.Err)
		opts = append(opts, ledger.Exhaust())
	case resilience.OutcomeCircuitOpen:
		to = ledger.StatusFailed
		note = fmt.Sprintf("not attempted: %v", res.Err)
	default:
		// cancelled before the call: the task stays in progress and is re-invoked on resume
		if _, err := s.Ledger.Annotate(t.ID, c.note(fmt.Sprintf("interrupted: %v", res.Err))); err != nil {
			return err
		}
		return c.persist(ctx, s)
	}

	updated, err := s.Ledger.Transition(t.ID, to, c.note(note), opts...)
	if err != nil {
		return err
	}
	if err := c.persist(ctx, s); err != nil {
		return err
	}
	c.transitioned(ctx, s, updated, to)
	if !res.OK() {
		c.logger.Warn(ctx, "task failed",
			zap.String("outcome", string(res.Outcome)),
			zap.Int("attempts", updated.Attempts),
			zap.Int("max_attempts", updated.MaxAttempts),
			zap.Error(res.Err))
	}
	return nil
}

// prepare binds the collaborator call of t. The caller holds the session mutex.
func (c *Coordinator) prepare(s *session.Session, t ledger.Task) (call, error) {
	ws := s.Workspace
	switch t.Kind {
	case ledger.KindReview:
		return c.review(s, t), nil

	case ledger.KindResearch:
		topic := t.Params["topic"]
		if topic == "" {
			topic = t.Description
		}
		return func(ctx context.Context) (map[string]string, error) {
			f, err := c.caps.Researcher.Research(ctx, topic)
			if err != nil {
				return nil, err
			}
			urls := make([]string, 0, len(f.Citations))
			for _, cit := range f.Citations {
				urls = append(urls, cit.URL)
			}
			return map[string]string{
				ledger.OutputSummary:   f.Summary,
				ledger.OutputCitations: strings.Join(urls, "\n"),
				"confidence":           strconv.FormatFloat(f.Confidence, 'f', 2, 64),
			}, nil
		}, nil

	case ledger.KindEdit:
		if c.cfg.DryRun {
			return dryRun("edit not applied"), nil
		}
		spec := capability.ChangeSpec{SessionID: s.ID, TaskID: t.ID, Description: t.Description, Params: t.Params}
		return func(ctx context.Context) (map[string]string, error) {
			ch, err := c.caps.Editor.ApplyChange(ctx, ws, spec)
			if err != nil {
				return nil, err
			}
			out := map[string]string{ledger.OutputDiffID: ch.DiffID}
			if ch.Reused {
				out["reused"] = "true"
			}
			return out, nil
		}, nil

	case ledger.KindTest:
		suite := t.Params["suite"]
		return func(ctx context.Context) (map[string]string, error) {
			rep, err := c.caps.Tester.Run(ctx, ws, suite)
			if err != nil {
				return nil, err
			}
			summary := rep.Summary
			if summary == "" {
				summary = "tests passed"
				if !rep.Passed {
					summary = "tests failed"
				}
			}
			out := map[string]string{
				ledger.OutputTestsPass: strconv.FormatBool(rep.Passed),
				ledger.OutputSummary:   summary,
			}
			if !rep.Passed {
				return out, fmt.Errorf("%w: %s", capability.ErrTestsFailed, tail(rep.FailureDetails, 500))
			}
			return out, nil
		}, nil

	case ledger.KindShip:
		if c.cfg.DryRun {
			return dryRun("change request not opened"), nil
		}
		desc, err := report.ChangeRequest(s)
		if err != nil {
			return nil, fault.New(fault.Fatal, "coordinator.prepare", err)
		}
		cr := capability.ChangeRequest{
			Token:       capability.ShipToken(s.ID, t.Phase),
			Title:       changeTitle(s),
			Description: desc,
			Checklist:   report.Checklist(s),
		}
		return func(ctx context.Context) (map[string]string, error) {
			opened, err := c.caps.Shipper.OpenChangeRequest(ctx, ws, cr)
			if err != nil {
				return nil, err
			}
			out := map[string]string{ledger.OutputRequestID: opened.RequestID}
			if opened.URL != "" {
				out[ledger.OutputURL] = opened.URL
			}
			if opened.Reused {
				out["reused"] = "true"
			}
			return out, nil
		}, nil
	}
	return nil, fault.Newf(fault.Fatal, "coordinator.prepare", ledger.ErrInvalidTask, "task %s has unknown kind %q", t.ID, t.Kind)
}

// review handles tasks the engine performs itself.
func (c *Coordinator) review(s *session.Session, t ledger.Task) call {
	var summary string
	switch t.Phase {
	case phase.IntakeScoping:
		scope := s.Intent
		if scope == "" {
			scope = s.Request
		}
		summary = "scope: " + scope
		if len(s.Topics) > 0 {
			summary += "; research topics: " + strings.Join(s.Topics, ", ")
		}
	case phase.Plan:
		var parts []string
		grouped := s.Ledger.Grouped()
		for _, p := range phase.All() {
			if n := len(grouped[p]); n > 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", p, n))
			}
		}
		summary = "plan: " + strings.Join(parts, ", ")
	case phase.BaselineForensics:
		ws := s.Workspace
		return func(context.Context) (map[string]string, error) {
			info, err := c.inspect(ws)
			if err != nil {
				return nil, err
			}
			return map[string]string{ledger.OutputSummary: info.Summary()}, nil
		}
	default:
		summary = "reviewed: " + t.Description
	}
	return func(context.Context) (map[string]string, error) {
		return map[string]string{ledger.OutputSummary: summary}, nil
	}
}

func dryRun(what string) call {
	return func(context.Context) (map[string]string, error) {
		return map[string]string{ledger.OutputSummary: "dry-run: " + what}, nil
	}
}

func changeTitle(s *session.Session) string {
	title := s.Intent
	if title == "" {
		title = s.Request
	}
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if r := []rune(title); len(r) > 72 {
		title = string(r[:72])
	}
	return "metapod: " + strings.TrimSpace(title)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// failLocked fails the session. The caller holds the session mutex.
func (c *Coordinator) failLocked(ctx context.Context, s *session.Session, err error) {
	if s.Status.Terminal() {
		return
	}
	s.Status = session.StatusFailed
	s.Block = nil
	s.Error = err.Error()
	c.logger.Error(ctx, "session failed", zap.String("class", string(fault.ClassOf(err))), zap.Error(err))
	if perr := c.persist(ctx, s); perr != nil {
		c.logger.Error(ctx, "saving failed session failed", zap.Error(perr))
	}
	c.emit(ctx, events.Event{Type: events.SessionFailed, SessionID: s.ID, Status: string(s.Status), Detail: s.Error})
}

func (c *Coordinator) requested(ctx context.Context, s *session.Session, r autonomy.Request) {
	c.metrics.approvals.Add(ctx, 1, metricAttrs(
		attribute.String("purpose", string(r.Purpose)),
		attribute.String("action", "requested")))
	c.logger.Info(ctx, "approval requested",
		zap.String("request_id", r.ID),
		zap.String("task_id", r.TaskID),
		zap.String("purpose", string(r.Purpose)),
		zap.Time("deadline", r.Deadline))
	c.emit(ctx, events.Event{
		Type:      events.ApprovalRequested,
		SessionID: s.ID,
		TaskID:    r.TaskID,
		RequestID: r.ID,
		Phase:     phaseName(s),
		Detail:    string(r.Purpose),
	})
}

func (c *Coordinator) afterResolve(ctx context.Context, r autonomy.Request, eff autonomy.Effect) {
	action := ""
	if r.Decision != nil {
		action = string(r.Decision.Action)
	}
	c.metrics.approvals.Add(ctx, 1, metricAttrs(
		attribute.String("purpose", string(r.Purpose)),
		attribute.String("action", action)))
	c.emit(ctx, events.Event{
		Type:      events.ApprovalResolved,
		SessionID: r.SessionID,
		TaskID:    r.TaskID,
		RequestID: r.ID,
		Detail:    string(eff.Kind),
	})
	if eff.Kind == autonomy.EffectFailSession {
		c.logger.Warn(ctx, "session failed by decision", zap.String("task_id", r.TaskID))
		c.emit(ctx, events.Event{Type: events.SessionFailed, SessionID: r.SessionID, TaskID: r.TaskID, Status: string(session.StatusFailed)})
	}
}

func (c *Coordinator) transitioned(ctx context.Context, s *session.Session, t ledger.Task, to ledger.Status) {
	c.metrics.transitions.Add(ctx, 1, metricAttrs(
		attribute.String("kind", string(t.Kind)),
		attribute.String("to", string(to))))
	c.emit(ctx, events.Event{
		Type:      events.TaskTransition,
		SessionID: s.ID,
		TaskID:    t.ID,
		Phase:     string(t.Phase),
		Status:    string(to),
	})
}

func (c *Coordinator) blocked(ctx context.Context, s *session.Session) {
	b := s.Block
	c.metrics.blocks.Add(ctx, 1, metricAttrs(attribute.String("reason", string(b.Reason))))
	c.logger.Warn(ctx, "session blocked",
		zap.String("reason", string(b.Reason)),
		zap.String("task_id", b.TaskID),
		zap.String("detail", b.Detail))
	c.emit(ctx, events.Event{
		Type:      events.SessionBlocked,
		SessionID: s.ID,
		TaskID:    b.TaskID,
		RequestID: b.RequestID,
		Phase:     phaseName(s),
		Status:    string(b.Reason),
		Detail:    b.Detail,
	})
}

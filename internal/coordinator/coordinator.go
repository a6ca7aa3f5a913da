// Package coordinator drives sessions through the phase sequence.
//
// The coordinator owns one driver goroutine per running session. Every step
// re-derives what to do next from the ledger, so a session loaded from the
// store after a crash is driven exactly like one that never stopped. All
// session mutations happen under a per-session mutex and are persisted
// before the mutex is released; collaborator calls and approval waits run
// outside it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/capability"
	"github.com/fyrsmithlabs/metapod/internal/events"
	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/ledger"
	"github.com/fyrsmithlabs/metapod/internal/logging"
	"github.com/fyrsmithlabs/metapod/internal/orchestrator"
	"github.com/fyrsmithlabs/metapod/internal/report"
	"github.com/fyrsmithlabs/metapod/internal/resilience"
	"github.com/fyrsmithlabs/metapod/internal/secrets"
	"github.com/fyrsmithlabs/metapod/internal/session"
	"github.com/fyrsmithlabs/metapod/internal/workspace"
)

const instrumentationName = "github.com/fyrsmithlabs/metapod/internal/coordinator"

// ErrShutdown is returned by commands issued after Shutdown.
var ErrShutdown = errors.New("coordinator is shut down")

// StartRequest starts a session.
type StartRequest struct {
	Workspace string         `json:"workspace"`
	Request   string         `json:"request"`
	Autonomy  autonomy.Level `json:"autonomy,omitempty"`
}

// Coordinator implements the session command surface.
type Coordinator struct {
	cfg        Config
	caps       capability.Set
	store      session.Store
	channel    autonomy.Channel
	inbox      *autonomy.Inbox
	gate       *autonomy.Gate
	controller *orchestrator.Controller
	exec       *resilience.Executor
	events     events.Publisher
	scrubber   secrets.Scrubber
	logger     *logging.Logger
	now        func() time.Time
	newID      func() string
	inspect    func(path string) (workspace.Info, error)

	mp      metric.MeterProvider
	tp      trace.TracerProvider
	tracer  trace.Tracer
	metrics *instruments

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	// startMu serializes Start so two requests for one workspace cannot both pass the active check.
	startMu sync.Mutex

	mu     sync.Mutex
	live   map[string]*liveSession
	closed bool
}

// liveSession is a loaded session and the state of its driver.
type liveSession struct {
	id string

	mu      sync.Mutex
	s       *session.Session
	running bool
	done    chan struct{}
	cancel  context.CancelFunc
	timer   *time.Timer

	// slots bounds collaborator calls. Approval waits hold none.
	slots   *semaphore.Weighted
	waiting map[string]bool
	waiters sync.WaitGroup
	wake    chan struct{}
}

func (c *Coordinator) newLive(s *session.Session) *liveSession {
	return &liveSession{
		id:      s.ID,
		s:       s,
		slots:   semaphore.NewWeighted(int64(c.cfg.Concurrency)),
		waiting: make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}
}

// signal wakes a driver waiting on approvals.
func (ls *liveSession) signal() {
	select {
	case ls.wake <- struct{}{}:
	default:
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStore sets the session store. The default keeps sessions in memory.
func WithStore(s session.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithChannel sets the approval channel. An *autonomy.Inbox also receives
// decisions passed to Approve.
func WithChannel(ch autonomy.Channel) Option {
	return func(c *Coordinator) {
		c.channel = ch
		if in, ok := ch.(*autonomy.Inbox); ok {
			c.inbox = in
		} else {
			c.inbox = nil
		}
	}
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(p events.Publisher) Option {
	return func(c *Coordinator) { c.events = p }
}

// WithScrubber sets the scrubber applied to every task note.
func WithScrubber(s secrets.Scrubber) Option {
	return func(c *Coordinator) { c.scrubber = s }
}

// WithTelemetry sets the providers used for metrics and spans.
func WithTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) Option {
	return func(c *Coordinator) {
		c.mp = mp
		c.tp = tp
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDs sets the session and request id generator.
func WithIDs(newID func() string) Option {
	return func(c *Coordinator) { c.newID = newID }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithExecutor replaces the executor built from Config.
func WithExecutor(e *resilience.Executor) Option {
	return func(c *Coordinator) { c.exec = e }
}

// WithInspector replaces workspace.Inspect.
func WithInspector(fn func(path string) (workspace.Info, error)) Option {
	return func(c *Coordinator) { c.inspect = fn }
}

// WithController replaces the phase controller.
func WithController(ctrl *orchestrator.Controller) Option {
	return func(c *Coordinator) { c.controller = ctrl }
}

// New creates a Coordinator driving sessions with caps.
func New(caps capability.Set, cfg Config, opts ...Option) (*Coordinator, error) {
	if err := caps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capabilities: %w", err)
	}
	c := &Coordinator{
		cfg:      cfg.withDefaults(),
		caps:     caps,
		events:   events.Nop{},
		scrubber: secrets.Nop(),
		logger:   logging.Nop(),
		now:      time.Now,
		newID:    uuid.NewString,
		inspect:  workspace.Inspect,
		live:     make(map[string]*liveSession),
	}
	inbox := autonomy.NewInbox(nil)
	c.channel = inbox
	c.inbox = inbox
	for _, opt := range opts {
		opt(c)
	}
	if c.mp == nil {
		c.mp = otel.GetMeterProvider()
	}
	if c.tp == nil {
		c.tp = otel.GetTracerProvider()
	}
	c.tracer = c.tp.Tracer(instrumentationName)
	c.metrics = newInstruments(c.mp.Meter(instrumentationName))

	zl := c.logger.Underlying()
	if c.store == nil {
		c.store = session.NewMemoryStore(ledger.WithClock(c.now))
	}
	if c.exec == nil {
		c.exec = resilience.NewExecutor(c.cfg.Breaker,
			resilience.WithLogger(zl.Named("executor")),
			resilience.WithClock(c.now),
			resilience.WithTelemetry(c.mp, c.tp))
	}
	if c.controller == nil {
		c.controller = orchestrator.NewController(
			orchestrator.WithClock(c.now),
			orchestrator.WithLogger(zl.Named("controller")))
		orchestrator.RegisterDefaultGates(c.controller)
	}
	c.gate = autonomy.NewGate(c.cfg.ApprovalTimeout,
		autonomy.WithClock(c.now),
		autonomy.WithIDs(c.newID),
		autonomy.WithLogger(zl.Named("autonomy")))
	c.base, c.stop = context.WithCancel(context.Background())
	return c, nil
}

// Executor returns the executor, for breaker inspection.
func (c *Coordinator) Executor() *resilience.Executor { return c.exec }

// Inbox returns the approval inbox, or nil when another channel is used.
func (c *Coordinator) Inbox() *autonomy.Inbox { return c.inbox }

// Start validates req, seeds a new session and launches its driver.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (Summary, error) {
	if c.isClosed() {
		return Summary{}, ErrShutdown
	}
	if strings.TrimSpace(req.Request) == "" {
		return Summary{}, fault.Validationf("coordinator.start", "request text is required")
	}
	level := req.Autonomy
	if level == "" {
		level = c.cfg.Autonomy
	}
	if !level.Valid() {
		return Summary{}, fault.Validationf("coordinator.start", "invalid autonomy level %q", level)
	}
	info, err := c.inspect(req.Workspace)
	if err != nil {
		return Summary{}, err
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()

	existing, err := c.store.FindActive(ctx, info.Path)
	switch {
	case err == nil:
		return Summary{}, fault.Newf(fault.Validation, "coordinator.start", session.ErrSessionAlreadyActive,
			"workspace %s has session %s", info.Path, existing.ID)
	case !errors.Is(err, session.ErrSessionNotFound):
		return Summary{}, err
	}

	intent, err := c.caps.Interpreter.Parse(ctx, info.Path, req.Request)
	if err != nil {
		return Summary{}, fault.New(fault.Validation, "coordinator.start", fmt.Errorf("interpret request: %w", err))
	}
	if len(intent.Tasks) == 0 {
		return Summary{}, fault.Validationf("coordinator.start", "request produced no tasks")
	}

	now := c.now().UTC()
	s := &session.Session{
		ID:        c.newID(),
		Workspace: info.Path,
		Request:   req.Request,
		Autonomy:  level,
		Status:    session.StatusActive,
		Intent:    intent.Summary,
		Topics:    intent.Topics,
		CreatedAt: now,
		Ledger:    ledger.New(ledger.WithClock(c.now)),
	}
	for _, seed := range intent.Tasks {
		maxAttempts := seed.MaxAttempts
		if maxAttempts < 1 {
			maxAttempts = c.cfg.RetryCeiling
		}
		if _, err := s.Ledger.Append(ledger.Task{
			ID:          seed.ID,
			Phase:       seed.Phase,
			Description: seed.Description,
			Kind:        seed.Kind,
			Params:      seed.Params,
			DependsOn:   seed.DependsOn,
			MaxAttempts: maxAttempts,
		}); err != nil {
			return Summary{}, fault.New(fault.Validation, "coordinator.start", fmt.Errorf("seed task %q: %w", seed.ID, err))
		}
	}
	if err := s.Validate(); err != nil {
		return Summary{}, err
	}
	s.Touch(now)
	if err := c.store.Save(ctx, s); err != nil {
		return Summary{}, fmt.Errorf("saving new session: %w", err)
	}

	ls := c.newLive(s)
	c.mu.Lock()
	c.live[s.ID] = ls
	c.mu.Unlock()

	ctx = logging.WithSessionID(ctx, s.ID)
	c.metrics.sessions.Add(ctx, 1)
	c.logger.Info(ctx, "session started",
		zap.String("workspace", s.Workspace),
		zap.String("autonomy", string(level)),
		zap.Int("tasks", len(intent.Tasks)))
	c.emit(ctx, events.Event{Type: events.SessionStarted, SessionID: s.ID, Workspace: s.Workspace, Status: string(s.Status)})

	ls.mu.Lock()
	sum := summarize(s, false)
	ls.mu.Unlock()
	c.launch(ls)
	return sum, nil
}

// Resume reloads a non-terminal session and relaunches its driver.
// In-progress tasks left by a crash are re-invoked.
func (c *Coordinator) Resume(ctx context.Context, id string) (Summary, error) {
	if c.isClosed() {
		return Summary{}, ErrShutdown
	}
	ls, err := c.attach(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	ctx = logging.WithSessionID(ctx, id)

	ls.mu.Lock()
	s := ls.s
	if s.Status.Terminal() {
		ls.mu.Unlock()
		return Summary{}, terminal("coordinator.resume", s)
	}
	if !ls.running {
		s.Block = nil
		for _, t := range orchestrator.Interrupted(s) {
			if _, err := s.Ledger.Annotate(t.ID, "resumed: re-invoking interrupted task"); err != nil {
				ls.mu.Unlock()
				return Summary{}, err
			}
		}
		if err := c.persist(ctx, s); err != nil {
			ls.mu.Unlock()
			return Summary{}, err
		}
		c.logger.Info(ctx, "session resumed", zap.Int("phase_index", s.PhaseIndex))
		c.emit(ctx, events.Event{Type: events.SessionResumed, SessionID: s.ID, Phase: phaseName(s), Status: string(s.State())})
	}
	sum := summarize(s, ls.running)
	ls.mu.Unlock()

	c.launch(ls)
	return sum, nil
}

// Cancel marks a session cancelled and stops its driver. Collaborator
// calls already in flight complete but their results are discarded.
func (c *Coordinator) Cancel(ctx context.Context, id string) (Summary, error) {
	ls, err := c.attach(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	ctx = logging.WithSessionID(ctx, id)

	ls.mu.Lock()
	s := ls.s
	if s.Status.Terminal() {
		ls.mu.Unlock()
		return Summary{}, terminal("coordinator.cancel", s)
	}
	s.Status = session.StatusCancelled
	s.Block = nil
	err = c.persist(ctx, s)
	if ls.cancel != nil {
		ls.cancel()
	}
	if ls.timer != nil {
		ls.timer.Stop()
	}
	sum := summarize(s, ls.running)
	ls.mu.Unlock()
	if err != nil {
		return Summary{}, err
	}

	c.logger.Info(ctx, "session cancelled")
	c.emit(ctx, events.Event{Type: events.SessionCancelled, SessionID: id, Status: string(session.StatusCancelled)})
	return sum, nil
}

// Status reports a session without waiting for its driver.
func (c *Coordinator) Status(ctx context.Context, id string) (Summary, error) {
	c.mu.Lock()
	ls, ok := c.live[id]
	c.mu.Unlock()
	if ok {
		ls.mu.Lock()
		defer ls.mu.Unlock()
		return summarize(ls.s, ls.running), nil
	}
	s, err := c.store.Load(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	return summarize(s, false), nil
}

// Wait blocks until the driver of id parks, then reports the session.
func (c *Coordinator) Wait(ctx context.Context, id string) (Summary, error) {
	c.mu.Lock()
	ls, ok := c.live[id]
	c.mu.Unlock()
	if ok {
		ls.mu.Lock()
		done := ls.done
		running := ls.running
		ls.mu.Unlock()
		if running {
			select {
			case <-done:
			case <-ctx.Done():
				return Summary{}, ctx.Err()
			}
		}
	}
	return c.Status(ctx, id)
}

// List summarizes every stored session.
func (c *Coordinator) List(ctx context.Context) ([]session.Info, error) {
	return c.store.List(ctx)
}

// Report renders the completion report of a session.
func (c *Coordinator) Report(ctx context.Context, id string) (string, error) {
	c.mu.Lock()
	ls, ok := c.live[id]
	c.mu.Unlock()
	if ok {
		ls.mu.Lock()
		defer ls.mu.Unlock()
		return report.Completion(ls.s)
	}
	s, err := c.store.Load(ctx, id)
	if err != nil {
		return "", err
	}
	return report.Completion(s)
}

// Approve answers an approval request. A task waiting on the request gets
// the decision directly; otherwise the decision is applied here and the
// session is relaunched. Decisions on timed-out requests are honoured.
func (c *Coordinator) Approve(ctx context.Context, requestID string, d autonomy.Decision) (autonomy.Request, error) {
	ls, err := c.findRequest(ctx, requestID)
	if err != nil {
		return autonomy.Request{}, err
	}
	ctx = logging.WithRequestID(logging.WithSessionID(ctx, ls.id), requestID)

	ls.mu.Lock()
	r, err := c.checkDecision(ls.s, requestID, d)
	ls.mu.Unlock()
	if err != nil {
		return autonomy.Request{}, err
	}

	if c.inbox != nil && c.inbox.Deliver(requestID, d) {
		c.logger.Debug(ctx, "decision delivered to waiting task", zap.String("action", string(d.Action)))
		r.Status = autonomy.RequestResolved
		r.Decision = &d
		now := c.now().UTC()
		r.ResolvedAt = &now
		return r, nil
	}

	ls.mu.Lock()
	s := ls.s
	if _, err := c.checkDecision(s, requestID, d); err != nil {
		ls.mu.Unlock()
		return autonomy.Request{}, err
	}
	req, _ := s.Approval(requestID)
	if req.Purpose == autonomy.PurposeExecute && d.Action == autonomy.Approve {
		if t, ok := s.Ledger.Task(req.TaskID); !ok || (t.Status != ledger.StatusPending && !t.Retryable()) {
			ls.mu.Unlock()
			return autonomy.Request{}, fault.Validationf("coordinator.approve", "task %s is no longer waiting to start", req.TaskID)
		}
	}
	eff, err := c.gate.Resolve(req, d)
	if err != nil {
		ls.mu.Unlock()
		return autonomy.Request{}, err
	}
	if err := c.applyEffect(ctx, s, eff); err != nil {
		ls.mu.Unlock()
		return autonomy.Request{}, err
	}
	out := *req
	if err := c.persist(ctx, s); err != nil {
		ls.mu.Unlock()
		return autonomy.Request{}, err
	}
	ls.mu.Unlock()

	c.afterResolve(ctx, out, eff)
	c.launch(ls)
	ls.signal()
	return out, nil
}

// checkDecision validates d against the open request requestID of s.
func (c *Coordinator) checkDecision(s *session.Session, requestID string, d autonomy.Decision) (autonomy.Request, error) {
	if s.Status.Terminal() {
		return autonomy.Request{}, terminal("coordinator.approve", s)
	}
	r, ok := s.Approval(requestID)
	if !ok {
		return autonomy.Request{}, fault.Newf(fault.Validation, "coordinator.approve", autonomy.ErrRequestNotFound, "request %s", requestID)
	}
	if !r.Open() {
		return autonomy.Request{}, fault.Newf(fault.Validation, "coordinator.approve", autonomy.ErrAlreadyResolved, "request %s", requestID)
	}
	if !r.Allows(d.Action) {
		return autonomy.Request{}, fault.New(fault.Validation, "coordinator.approve",
			fmt.Errorf("%w: %q is not an option of request %s", autonomy.ErrInvalidDecision, d.Action, requestID))
	}
	if err := d.Validate(r.Purpose); err != nil {
		return autonomy.Request{}, fault.New(fault.Validation, "coordinator.approve", err)
	}
	return *r, nil
}

// Pending returns the open approval requests of every loaded session.
func (c *Coordinator) Pending() []autonomy.Request {
	c.mu.Lock()
	all := make([]*liveSession, 0, len(c.live))
	for _, ls := range c.live {
		all = append(all, ls)
	}
	c.mu.Unlock()

	var out []autonomy.Request
	for _, ls := range all {
		ls.mu.Lock()
		out = append(out, ls.s.PendingApprovals()...)
		ls.mu.Unlock()
	}
	return out
}

// Shutdown stops every driver and waits for them to park. Sessions stay
// resumable.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, ls := range c.live {
		ls.mu.Lock()
		if ls.timer != nil {
			ls.timer.Stop()
		}
		ls.mu.Unlock()
	}
	c.mu.Unlock()
	c.stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for drivers: %w", ctx.Err())
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// attach returns the live session id, loading it from the store when needed.
func (c *Coordinator) attach(ctx context.Context, id string) (*liveSession, error) {
	c.mu.Lock()
	ls, ok := c.live[id]
	c.mu.Unlock()
	if ok {
		return ls, nil
	}
	s, err := c.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ls, ok := c.live[id]; ok {
		return ls, nil
	}
	ls = c.newLive(s)
	c.live[id] = ls
	return ls, nil
}

// findRequest locates the session holding requestID among loaded sessions,
// then among stored non-terminal ones.
func (c *Coordinator) findRequest(ctx context.Context, requestID string) (*liveSession, error) {
	c.mu.Lock()
	for _, ls := range c.live {
		ls.mu.Lock()
		_, ok := ls.s.Approval(requestID)
		ls.mu.Unlock()
		if ok {
			c.mu.Unlock()
			return ls, nil
		}
	}
	c.mu.Unlock()

	infos, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Archived || info.Status.Terminal() {
			continue
		}
		s, err := c.store.Load(ctx, info.ID)
		if err != nil {
			continue
		}
		if _, ok := s.Approval(requestID); ok {
			return c.attach(ctx, info.ID)
		}
	}
	return nil, fault.Newf(fault.Validation, "coordinator.approve", autonomy.ErrRequestNotFound, "request %s", requestID)
}

// launch starts the driver of ls unless it is running or terminal.
func (c *Coordinator) launch(ls *liveSession) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	ls.mu.Lock()
	if ls.running || ls.s.Status.Terminal() {
		ls.mu.Unlock()
		c.wg.Done()
		return
	}
	ctx, cancel := context.WithCancel(c.base)
	ls.running = true
	ls.done = make(chan struct{})
	ls.cancel = cancel
	if ls.timer != nil {
		ls.timer.Stop()
		ls.timer = nil
	}
	ls.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.drive(ctx, ls)
	}()
}

// persist saves s and archives it once terminal. The caller holds the
// session mutex.
func (c *Coordinator) persist(ctx context.Context, s *session.Session) error {
	ctx = context.WithoutCancel(ctx)
	s.Touch(c.now())
	if err := c.store.Save(ctx, s); err != nil {
		return fault.New(fault.Fatal, "coordinator.persist", err)
	}
	if s.Status.Terminal() {
		if err := c.store.Archive(ctx, s.ID); err != nil {
			return fault.New(fault.Fatal, "coordinator.archive", err)
		}
	}
	return nil
}

func (c *Coordinator) emit(ctx context.Context, e events.Event) {
	if e.Time.IsZero() {
		e.Time = c.now().UTC()
	}
	if err := c.events.Publish(ctx, e); err != nil {
		c.logger.Warn(ctx, "publishing event failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func (c *Coordinator) note(text string) string {
	return c.scrubber.Scrub(text).Scrubbed
}

func terminal(op string, s *session.Session) error {
	return fault.Newf(fault.Validation, op, session.ErrSessionTerminal, "session %s is %s", s.ID, s.Status)
}

func phaseName(s *session.Session) string {
	if p, ok := s.CurrentPhase(); ok {
		return string(p)
	}
	return "done"
}

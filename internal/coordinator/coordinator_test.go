package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/capability"
	"github.com/fyrsmithlabs/metapod/internal/events"
	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/ledger"
	"github.com/fyrsmithlabs/metapod/internal/logging"
	"github.com/fyrsmithlabs/metapod/internal/phase"
	"github.com/fyrsmithlabs/metapod/internal/resilience"
	"github.com/fyrsmithlabs/metapod/internal/session"
	"github.com/fyrsmithlabs/metapod/internal/telemetry"
)

type mockInterpreter struct {
	mock.Mock
}

func (m *mockInterpreter) Parse(ctx context.Context, workspace, text string) (capability.Intent, error) {
	args := m.Called(ctx, workspace, text)
	return args.Get(0).(capability.Intent), args.Error(1)
}

type fakeResearcher struct{}

func (fakeResearcher) Research(_ context.Context, topic string) (capability.Findings, error) {
	return capability.Findings{
		Summary:    "notes on " + topic,
		Citations:  []capability.Citation{{URL: "https://example.com/" + topic, Relevance: 0.9}},
		Confidence: 0.8,
	}, nil
}

// fakeEditor hangs until the attempt deadline for its first hangs calls,
// then returns fail or a diff id.
type fakeEditor struct {
	mu         sync.Mutex
	hangs      int
	fail       error
	calls      int
	lastParams map[string]string
}

func (e *fakeEditor) ApplyChange(ctx context.Context, _ string, spec capability.ChangeSpec) (capability.Change, error) {
	e.mu.Lock()
	e.calls++
	hang := e.calls <= e.hangs
	fail := e.fail
	e.lastParams = spec.Params
	e.mu.Unlock()
	if hang {
		<-ctx.Done()
		return capability.Change{}, ctx.Err()
	}
	if fail != nil {
		return capability.Change{}, fail
	}
	return capability.Change{DiffID: "diff-" + spec.TaskID}, nil
}

func (e *fakeEditor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeTester struct{}

func (fakeTester) Run(context.Context, string, string) (capability.TestReport, error) {
	return capability.TestReport{Passed: true, Summary: "ok  example.com/pkg 0.012s"}, nil
}

// fakeShipper opens one change request per token.
type fakeShipper struct {
	mu      sync.Mutex
	byToken map[string]capability.Opened
	calls   int
}

func newFakeShipper() *fakeShipper {
	return &fakeShipper{byToken: make(map[string]capability.Opened)}
}

func (s *fakeShipper) OpenChangeRequest(_ context.Context, _ string, cr capability.ChangeRequest) (capability.Opened, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if o, ok := s.byToken[cr.Token]; ok {
		o.Reused = true
		return o, nil
	}
	n := len(s.byToken) + 1
	o := capability.Opened{RequestID: fmt.Sprintf("CR-%d", n), URL: fmt.Sprintf("https://example.com/pulls/%d", n)}
	s.byToken[cr.Token] = o
	return o, nil
}

func (s *fakeShipper) counts() (calls, opened int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, len(s.byToken)
}

// captureStore keeps every record it was asked to save.
type captureStore struct {
	*session.MemoryStore

	mu      sync.Mutex
	records []session.Record
}

func newCaptureStore() *captureStore {
	return &captureStore{MemoryStore: session.NewMemoryStore()}
}

func (s *captureStore) Save(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	s.records = append(s.records, sess.Record())
	s.mu.Unlock()
	return s.MemoryStore.Save(ctx, sess)
}

func (s *captureStore) saved() []session.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.Record(nil), s.records...)
}

func seed(id string, p phase.Phase, kind ledger.Kind, deps ...string) capability.TaskSeed {
	return capability.TaskSeed{ID: id, Phase: p, Description: "do " + id, Kind: kind, DependsOn: deps}
}

func fastPolicies() map[ledger.Kind]resilience.Policy {
	out := make(map[ledger.Kind]resilience.Policy)
	for _, k := range ledger.Kinds() {
		out[k] = resilience.Policy{
			Timeout:     50 * time.Millisecond,
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2,
		}
	}
	return out
}

type harness struct {
	c       *Coordinator
	interp  *mockInterpreter
	editor  *fakeEditor
	shipper *fakeShipper
	events  *events.Recorder
	ws      string
}

func newHarness(t *testing.T, cfg Config, seeds []capability.TaskSeed, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		interp:  &mockInterpreter{},
		editor:  &fakeEditor{},
		shipper: newFakeShipper(),
		events:  &events.Recorder{},
		ws:      t.TempDir(),
	}
	h.interp.On("Parse", mock.Anything, mock.Anything, mock.Anything).
		Return(capability.Intent{Summary: "add request metrics", Topics: []string{"otel"}, Tasks: seeds}, nil)
	h.c = newCoordinator(t, h.caps(), cfg, append([]Option{WithEvents(h.events)}, opts...)...)
	return h
}

func (h *harness) caps() capability.Set {
	return capability.Set{
		Interpreter: h.interp,
		Researcher:  fakeResearcher{},
		Editor:      h.editor,
		Tester:      fakeTester{},
		Shipper:     h.shipper,
	}
}

func newCoordinator(t *testing.T, caps capability.Set, cfg Config, opts ...Option) *Coordinator {
	t.Helper()
	if cfg.Policies == nil {
		cfg.Policies = fastPolicies()
	}
	c, err := New(caps, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, c.Shutdown(ctx))
	})
	return c
}

func (h *harness) start(t *testing.T, level autonomy.Level) Summary {
	t.Helper()
	sum, err := h.c.Start(context.Background(), StartRequest{Workspace: h.ws, Request: "add request metrics", Autonomy: level})
	require.NoError(t, err)
	return sum
}

func wait(t *testing.T, c *Coordinator, id string) Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sum, err := c.Wait(ctx, id)
	require.NoError(t, err)
	return sum
}

func approveAll() autonomy.Channel {
	return autonomy.PolicyChannel{Decision: autonomy.Decision{Action: autonomy.Approve}}
}

func notesContaining(task ledger.Task, text string) int {
	n := 0
	for _, note := range task.Notes {
		if strings.Contains(note.Text, text) {
			n++
		}
	}
	return n
}

func TestEditRetriedAfterTimeouts(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	log := logging.NewTestLogger()
	h := newHarness(t, Config{Autonomy: autonomy.Interactive}, []capability.TaskSeed{
		seed("e1", phase.Implement, ledger.KindEdit),
		seed("r1", phase.Implement, ledger.KindReview),
		seed("r2", phase.Implement, ledger.KindReview, "r1"),
	},
		WithChannel(approveAll()),
		WithTelemetry(tel.MeterProvider(), tel.TracerProvider()),
		WithLogger(log.Logger))
	h.editor.hangs = 2

	started := h.start(t, "")
	assert.Equal(t, autonomy.Interactive, started.Autonomy)
	assert.Len(t, started.Tasks, 3)

	sum := wait(t, h.c, started.ID)
	require.Equal(t, session.StatusCompleted, sum.Status, "error: %s", sum.Error)
	assert.Equal(t, phase.Count, sum.PhaseIndex)
	assert.Equal(t, float64(100), sum.Percent)

	e1, ok := sum.Task("e1")
	require.True(t, ok)
	assert.Equal(t, ledger.StatusCompleted, e1.Status)
	assert.Equal(t, 3, e1.Attempts)
	assert.Equal(t, 2, notesContaining(e1, "failed (transient)"))
	assert.Equal(t, 1, notesContaining(e1, "attempt 1/3 failed"))
	assert.Equal(t, 1, notesContaining(e1, "attempt 2/3 failed"))
	assert.Equal(t, "diff-e1", e1.Outputs[ledger.OutputDiffID])
	assert.NotEmpty(t, e1.ApprovalID)
	assert.Equal(t, 3, h.editor.Calls())

	var entered []string
	for _, e := range h.events.OfType(events.PhaseAdvanced) {
		entered = append(entered, e.Phase)
	}
	assert.Contains(t, entered, string(phase.TestValidate))
	assert.Len(t, h.events.OfType(events.SessionCompleted), 1)

	tel.AssertSpanExists(t, "coordinator.task")
	tel.AssertSpanExists(t, "resilience.Invoke")
	assert.Equal(t, int64(1), tel.CounterValue(t, "metapod_sessions_started_total"))
	assert.Equal(t, int64(phase.Count-1), tel.CounterValue(t, "metapod_phase_advances_total"))
	assert.Equal(t, int64(1), tel.CounterValue(t, "metapod_task_transitions_total",
		attribute.String("kind", "edit"), attribute.String("to", "completed")))
	assert.Equal(t, int64(6), tel.CounterValue(t, "metapod_task_transitions_total"))
	log.AssertLogged(t, zapcore.InfoLevel, "session completed")
	log.AssertNoSecrets(t)

	rep, err := h.c.Report(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Contains(t, rep, "Completed: 3/3 tasks")
}

func TestShipApprovalTimeoutBlocksThenLateApprovalProceeds(t *testing.T) {
	channel := autonomy.ChannelFunc(func(ctx context.Context, p autonomy.Prompt) (autonomy.Decision, error) {
		if p.Task.Kind == ledger.KindShip {
			<-ctx.Done()
			return autonomy.Decision{}, ctx.Err()
		}
		return autonomy.Decision{Action: autonomy.Approve, By: "reviewer"}, nil
	})
	h := newHarness(t, Config{ApprovalTimeout: 100 * time.Millisecond}, []capability.TaskSeed{
		seed("e1", phase.Implement, ledger.KindEdit),
		{ID: "t1", Phase: phase.TestValidate, Description: "run unit tests", Kind: ledger.KindTest, Params: map[string]string{"suite": "unit"}},
		seed("s1", phase.ShipRollout, ledger.KindShip),
	}, WithChannel(channel))

	started := h.start(t, autonomy.Guided)
	sum := wait(t, h.c, started.ID)

	require.Equal(t, session.StatusActive, sum.Status, "error: %s", sum.Error)
	assert.Equal(t, session.StateBlocked, sum.State)
	require.NotNil(t, sum.Block)
	assert.Equal(t, session.BlockApprovalTimeout, sum.Block.Reason)
	assert.Equal(t, "s1", sum.Block.TaskID)
	assert.Equal(t, string(phase.ShipRollout), sum.Phase)

	s1, _ := sum.Task("s1")
	assert.Equal(t, ledger.StatusPending, s1.Status)
	require.Len(t, sum.Approvals, 1)
	req := sum.Approvals[0]
	assert.Equal(t, autonomy.RequestTimedOut, req.Status)
	assert.Equal(t, "s1", req.TaskID)
	assert.Equal(t, req.ID, sum.Block.RequestID)

	var blocks []string
	for _, e := range h.events.OfType(events.SessionBlocked) {
		blocks = append(blocks, e.Status)
	}
	assert.Contains(t, blocks, string(session.BlockApprovalTimeout))

	resolved, err := h.c.Approve(context.Background(), req.ID, autonomy.Decision{Action: autonomy.Approve, By: "alice"})
	require.NoError(t, err)
	assert.Equal(t, autonomy.RequestResolved, resolved.Status)

	sum = wait(t, h.c, started.ID)
	require.Equal(t, session.StatusCompleted, sum.Status, "error: %s", sum.Error)
	s1, _ = sum.Task("s1")
	assert.Equal(t, ledger.StatusCompleted, s1.Status)
	assert.Equal(t, req.ID, s1.ApprovalID)
	assert.Equal(t, "CR-1", s1.Outputs[ledger.OutputRequestID])

	_, err = h.c.Approve(context.Background(), req.ID, autonomy.Decision{Action: autonomy.Approve})
	assert.ErrorIs(t, err, session.ErrSessionTerminal)
}

func TestResumeFromTruncatedJournalLosesNoTask(t *testing.T) {
	store := newCaptureStore()
	h := newHarness(t, Config{Autonomy: autonomy.Full}, []capability.TaskSeed{
		seed("scope", phase.IntakeScoping, ledger.KindReview),
		seed("base", phase.BaselineForensics, ledger.KindReview),
		seed("plan", phase.Plan, ledger.KindReview),
		{ID: "r1", Phase: phase.Research, Description: "research otel", Kind: ledger.KindResearch, Params: map[string]string{"topic": "otel"}},
		seed("r2", phase.Research, ledger.KindResearch, "r1"),
		seed("e1", phase.Implement, ledger.KindEdit),
		seed("e2", phase.Implement, ledger.KindEdit, "e1"),
		seed("t1", phase.TestValidate, ledger.KindTest),
		seed("s1", phase.ShipRollout, ledger.KindShip),
	}, WithStore(store))
	h.editor.hangs = 1

	started := h.start(t, "")
	sum := wait(t, h.c, started.ID)
	require.Equal(t, session.StatusCompleted, sum.Status, "error: %s", sum.Error)

	records := store.saved()
	require.NotEmpty(t, records)
	final := records[len(records)-1].Journal

	for k, rec := range records {
		last := rec.Journal.LastSeq()
		require.Equal(t, rec.Journal.Entries, final.Truncate(last).Entries, "record %d is not a prefix of the final journal", k)

		live, err := session.FromRecord(rec)
		require.NoError(t, err)
		liveEligible := taskIDs(eligibleOf(live))

		for q := uint64(0); q <= last; q++ {
			cut := rec
			cut.Journal = final.Truncate(q)
			restored, err := session.FromRecord(cut)
			require.NoError(t, err, "seq %d", q)
			assertNothingLost(t, restored, q)
			if q == last {
				assert.Subset(t, liveEligible, taskIDs(eligibleOf(restored)), "seq %d", q)
				assert.Equal(t, liveEligible, taskIDs(eligibleOf(restored)), "seq %d", q)
			}
		}
	}
}

func eligibleOf(s *session.Session) []ledger.Task {
	p, ok := s.CurrentPhase()
	if !ok {
		return nil
	}
	var out []ledger.Task
	for _, t := range s.Ledger.PhaseTasks(p) {
		if (t.Status == ledger.StatusPending || t.Retryable()) && depsDone(s, t) {
			out = append(out, t)
		}
	}
	return out
}

func depsDone(s *session.Session, t ledger.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := s.Ledger.Task(dep)
		if !ok || !d.Status.Terminal() {
			return false
		}
	}
	return true
}

// assertNothingLost checks that the phases behind the index are finished
// and that every unfinished task of the current phase is runnable,
// interrupted, exhausted or waiting on a dependency.
func assertNothingLost(t *testing.T, s *session.Session, seq uint64) {
	t.Helper()
	for i := 0; i < s.PhaseIndex; i++ {
		behind, _ := phase.At(i)
		for _, task := range s.Ledger.PhaseTasks(behind) {
			assert.True(t, task.Status.Terminal(), "seq %d: %s left %s in phase %s behind the index", seq, task.ID, task.Status, behind)
		}
	}
	p, ok := s.CurrentPhase()
	if !ok {
		return
	}
	for _, task := range s.Ledger.PhaseTasks(p) {
		switch {
		case task.Status.Terminal(), task.Exhausted():
		case task.Status == ledger.StatusInProgress:
		case task.Status == ledger.StatusPending || task.Retryable():
			if depsDone(s, task) {
				assert.Contains(t, taskIDs(eligibleOf(s)), task.ID, "seq %d", seq)
			}
		default:
			t.Errorf("seq %d: task %s in unexpected status %s", seq, task.ID, task.Status)
		}
	}
}

func taskIDs(tasks []ledger.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestResumeFromTruncatedJournalRewindsPhase(t *testing.T) {
	store := newCaptureStore()
	h := newHarness(t, Config{Autonomy: autonomy.Full}, []capability.TaskSeed{
		seed("scope", phase.IntakeScoping, ledger.KindReview),
		seed("plan", phase.Plan, ledger.KindReview),
		seed("e1", phase.Implement, ledger.KindEdit),
		seed("t1", phase.TestValidate, ledger.KindTest),
		seed("s1", phase.ShipRollout, ledger.KindShip),
	}, WithStore(store))

	started := h.start(t, "")
	sum := wait(t, h.c, started.ID)
	require.Equal(t, session.StatusCompleted, sum.Status, "error: %s", sum.Error)

	records := store.saved()
	final := records[len(records)-1].Journal

	// the earliest journal prefix that holds every task
	var cutAt uint64
	for _, rec := range records {
		s, err := session.FromRecord(rec)
		require.NoError(t, err)
		if len(s.Ledger.Tasks()) == 5 {
			cutAt = rec.Journal.LastSeq()
			break
		}
	}
	require.NotZero(t, cutAt)

	// a record from late in the run whose journal lost its tail
	var late *session.Record
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Session.Status == session.StatusActive && rec.Session.PhaseIndex >= phase.Index(phase.TestValidate) {
			late = &rec
			break
		}
	}
	require.NotNil(t, late)
	cut := *late
	cut.Journal = final.Truncate(cutAt)

	restored, err := session.FromRecord(cut)
	require.NoError(t, err)
	assert.Less(t, restored.PhaseIndex, late.Session.PhaseIndex)
	assertNothingLost(t, restored, cutAt)

	resumeStore := session.NewMemoryStore()
	resumeStore.Put(cut)
	c := newCoordinator(t, h.caps(), Config{Autonomy: autonomy.Full}, WithStore(resumeStore))
	_, err = c.Resume(context.Background(), started.ID)
	require.NoError(t, err)

	resumed := wait(t, c, started.ID)
	require.Equal(t, session.StatusCompleted, resumed.Status, "error: %s", resumed.Error)
	assert.Equal(t, phase.Count, resumed.PhaseIndex)
	assert.InDelta(t, 100.0, resumed.Percent, 0.001)
	for _, task := range resumed.Tasks {
		assert.Equal(t, ledger.StatusCompleted, task.Status, "task %s", task.ID)
	}
}

func TestShipIsIdempotentAcrossResumes(t *testing.T) {
	store := newCaptureStore()
	h := newHarness(t, Config{Autonomy: autonomy.Full}, []capability.TaskSeed{
		seed("s1", phase.ShipRollout, ledger.KindShip),
	}, WithStore(store))

	started := h.start(t, "")
	sum := wait(t, h.c, started.ID)
	require.Equal(t, session.StatusCompleted, sum.Status, "error: %s", sum.Error)
	first, _ := sum.Task("s1")

	// the record persisted just before the ship call, as a crash would leave it
	var crashed *session.Record
	for _, rec := range store.saved() {
		s, err := session.FromRecord(rec)
		require.NoError(t, err)
		if task, _ := s.Ledger.Task("s1"); task.Status == ledger.StatusInProgress {
			crashed = &rec
			break
		}
	}
	require.NotNil(t, crashed)

	for i := range 2 {
		resumeStore := session.NewMemoryStore()
		resumeStore.Put(*crashed)
		c := newCoordinator(t, h.caps(), Config{Autonomy: autonomy.Full}, WithStore(resumeStore))

		_, err := c.Resume(context.Background(), started.ID)
		require.NoError(t, err, "resume %d", i)
		resumed := wait(t, c, started.ID)
		require.Equal(t, session.StatusCompleted, resumed.Status, "resume %d: %s", i, resumed.Error)

		s1, _ := resumed.Task("s1")
		assert.Equal(t, first.Outputs[ledger.OutputRequestID], s1.Outputs[ledger.OutputRequestID])
		assert.Equal(t, "true", s1.Outputs["reused"])
		assert.Equal(t, 1, notesContaining(s1, "resumed: re-invoking"))
	}

	calls, opened := h.shipper.counts()
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, opened)
}

func TestMutatingTasksNeverStartWithoutApproval(t *testing.T) {
	for _, level := range []autonomy.Level{autonomy.Full, autonomy.Interactive, autonomy.Guided} {
		t.Run(string(level), func(t *testing.T) {
			store := newCaptureStore()
			h := newHarness(t, Config{}, []capability.TaskSeed{
				seed("scope", phase.IntakeScoping, ledger.KindReview),
				seed("r1", phase.Research, ledger.KindResearch),
				seed("e1", phase.Implement, ledger.KindEdit),
				seed("e2", phase.Implement, ledger.KindEdit),
				seed("t1", phase.TestValidate, ledger.KindTest),
				seed("s1", phase.ShipRollout, ledger.KindShip),
			}, WithStore(store), WithChannel(approveAll()))

			started := h.start(t, level)
			sum := wait(t, h.c, started.ID)
			require.Equal(t, session.StatusCompleted, sum.Status, "error: %s", sum.Error)

			s, err := store.Load(context.Background(), started.ID)
			require.NoError(t, err)
			gated := 0
			for _, e := range s.Ledger.Snapshot().Entries {
				if e.Op != ledger.OpTransition || e.To != ledger.StatusInProgress {
					continue
				}
				task, ok := s.Ledger.Task(e.TaskID)
				require.True(t, ok)
				if !autonomy.RequiresApproval(task, level) {
					assert.Empty(t, e.ApprovalID, "task %s", task.ID)
					continue
				}
				gated++
				require.NotEmpty(t, e.ApprovalID, "task %s started without approval", task.ID)
				r, ok := s.Approval(e.ApprovalID)
				require.True(t, ok)
				assert.Equal(t, task.ID, r.TaskID)
				assert.Equal(t, autonomy.RequestResolved, r.Status)
				require.NotNil(t, r.Decision)
				assert.Equal(t, autonomy.Approve, r.Decision.Action)
				require.NotNil(t, r.ResolvedAt)
				assert.False(t, r.ResolvedAt.After(e.At), "task %s approved after it started", task.ID)
			}
			switch level {
			case autonomy.Full:
				assert.Zero(t, gated)
				assert.Empty(t, s.Approvals)
			case autonomy.Interactive:
				assert.Equal(t, 3, gated)
			case autonomy.Guided:
				assert.Equal(t, 6, gated)
			}
		})
	}
}

func TestModifyDecisionReplacesParams(t *testing.T) {
	var mu sync.Mutex
	prompts := 0
	channel := autonomy.ChannelFunc(func(_ context.Context, p autonomy.Prompt) (autonomy.Decision, error) {
		mu.Lock()
		defer mu.Unlock()
		prompts++
		if prompts == 1 {
			return autonomy.Decision{Action: autonomy.Modify, Params: map[string]string{"file": "b.go"}}, nil
		}
		return autonomy.Decision{Action: autonomy.Approve}, nil
	})
	h := newHarness(t, Config{}, []capability.TaskSeed{
		{ID: "e1", Phase: phase.Implement, Description: "edit a.go", Kind: ledger.KindEdit, Params: map[string]string{"file": "a.go"}},
	}, WithChannel(channel))

	started := h.start(t, autonomy.Interactive)
	sum := wait(t, h.c, started.ID)
	require.Equal(t, session.StatusCompleted, sum.Status, "error: %s", sum.Error)

	e1, _ := sum.Task("e1")
	assert.Equal(t, map[string]string{"file": "b.go"}, e1.Params)
	assert.Equal(t, map[string]string{"file": "b.go"}, h.editor.lastParams)

	s, err := h.c.store.Load(context.Background(), started.ID)
	require.NoError(t, err)
	require.Len(t, s.Approvals, 2)
	assert.Equal(t, autonomy.Modify, s.Approvals[0].Decision.Action)
	assert.Equal(t, s.Approvals[1].ID, e1.ApprovalID)
}

func waitForPrompt(t *testing.T, c *Coordinator) autonomy.Prompt {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.Inbox().Waiting()) == 1 }, 5*time.Second, 5*time.Millisecond)
	return c.Inbox().Waiting()[0]
}

func TestExhaustedTaskSkippedOnApproval(t *testing.T) {
	h := newHarness(t, Config{Autonomy: autonomy.Full}, []capability.TaskSeed{
		seed("e1", phase.Implement, ledger.KindEdit),
		seed("r1", phase.Implement, ledger.KindReview),
	})
	h.editor.fail = fault.Validationf("edit", "patch does not apply")

	started := h.start(t, "")
	p := waitForPrompt(t, h.c)
	assert.Equal(t, autonomy.PurposeSkip, p.Request.Purpose)
	assert.Equal(t, "e1", p.Request.TaskID)

	sum, err := h.c.Status(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateBlocked, sum.State)
	require.NotNil(t, sum.Block)
	assert.Equal(t, session.BlockRetryExhausted, sum.Block.Reason)
	e1, _ := sum.Task("e1")
	assert.True(t, e1.Exhausted())
	assert.Equal(t, 1, h.editor.Calls(), "permanent failures are not retried")
	assert.Equal(t, 1, notesContaining(e1, "permanent failure"))

	_, err = h.c.Approve(context.Background(), p.Request.ID, autonomy.Decision{Action: autonomy.Approve})
	require.NoError(t, err)

	sum = wait(t, h.c, started.ID)
	require.Equal(t, session.StatusCompleted, sum.Status, "error: %s", sum.Error)
	e1, _ = sum.Task("e1")
	assert.Equal(t, ledger.StatusSkipped, e1.Status)
	assert.Equal(t, p.Request.ID, e1.ApprovalID)
}

func TestRejectedSkipFailsSession(t *testing.T) {
	h := newHarness(t, Config{Autonomy: autonomy.Full}, []capability.TaskSeed{
		seed("e1", phase.Implement, ledger.KindEdit),
	})
	h.editor.fail = fault.Validationf("edit", "patch does not apply")

	started := h.start(t, "")
	p := waitForPrompt(t, h.c)
	_, err := h.c.Approve(context.Background(), p.Request.ID, autonomy.Decision{Action: autonomy.Reject, Comment: "needs a rethink"})
	require.NoError(t, err)

	sum := wait(t, h.c, started.ID)
	assert.Equal(t, session.StatusFailed, sum.Status)
	assert.Contains(t, sum.Error, "skipping task e1 was rejected")
	assert.NotEmpty(t, h.events.OfType(events.SessionFailed))

	infos, err := h.c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Archived)
}

func TestOpenBreakerBlocksSession(t *testing.T) {
	h := newHarness(t, Config{
		Autonomy: autonomy.Full,
		Breaker:  resilience.BreakerConfig{Threshold: 1, Window: time.Minute, Cooldown: time.Hour},
	}, []capability.TaskSeed{
		{ID: "e1", Phase: phase.Implement, Description: "edit", Kind: ledger.KindEdit, MaxAttempts: 5},
	})
	h.editor.fail = capability.Unreachable("edit", fmt.Errorf("connection refused"))

	started := h.start(t, "")
	sum := wait(t, h.c, started.ID)

	assert.Equal(t, session.StateBlocked, sum.State)
	require.NotNil(t, sum.Block)
	assert.Equal(t, session.BlockCircuitOpen, sum.Block.Reason)
	require.NotNil(t, sum.Block.RetryAt)
	assert.Equal(t, 2, h.editor.Calls())

	e1, _ := sum.Task("e1")
	assert.Equal(t, ledger.StatusFailed, e1.Status)
	assert.Equal(t, 2, e1.Attempts)
	assert.True(t, e1.Retryable())
	assert.Equal(t, 1, notesContaining(e1, "not attempted"))
	assert.Equal(t, resilience.StateOpen, h.c.Executor().Breaker(string(ledger.KindEdit)).State())
}

func TestStart_Validation(t *testing.T) {
	h := newHarness(t, Config{}, []capability.TaskSeed{seed("r1", phase.Plan, ledger.KindReview)})
	ctx := context.Background()

	tests := []struct {
		name string
		req  StartRequest
	}{
		{"empty request", StartRequest{Workspace: h.ws, Request: "  "}},
		{"unknown autonomy", StartRequest{Workspace: h.ws, Request: "x", Autonomy: "reckless"}},
		{"missing workspace", StartRequest{Workspace: filepath.Join(h.ws, "nope"), Request: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.c.Start(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, fault.Validation, fault.ClassOf(err))
		})
	}
}

func TestStart_InterpreterFailures(t *testing.T) {
	interp := &mockInterpreter{}
	interp.On("Parse", mock.Anything, mock.Anything, "empty").Return(capability.Intent{Summary: "nothing"}, nil)
	interp.On("Parse", mock.Anything, mock.Anything, "broken").Return(capability.Intent{}, fmt.Errorf("cannot parse"))
	caps := capability.Set{Interpreter: interp, Researcher: fakeResearcher{}, Editor: &fakeEditor{}, Tester: fakeTester{}, Shipper: newFakeShipper()}
	c := newCoordinator(t, caps, Config{})
	ws := t.TempDir()

	for _, text := range []string{"empty", "broken"} {
		_, err := c.Start(context.Background(), StartRequest{Workspace: ws, Request: text})
		require.Error(t, err, text)
		assert.Equal(t, fault.Validation, fault.ClassOf(err), text)
	}
	interp.AssertExpectations(t)
}

func TestStart_WorkspaceAlreadyActiveThenCancel(t *testing.T) {
	h := newHarness(t, Config{}, []capability.TaskSeed{seed("e1", phase.Implement, ledger.KindEdit)})
	ctx := context.Background()

	started := h.start(t, autonomy.Interactive)
	p := waitForPrompt(t, h.c)
	assert.Equal(t, autonomy.PurposeExecute, p.Request.Purpose)
	assert.Len(t, h.c.Pending(), 1)

	_, err := h.c.Start(ctx, StartRequest{Workspace: h.ws, Request: "again"})
	assert.ErrorIs(t, err, session.ErrSessionAlreadyActive)
	assert.Equal(t, fault.Validation, fault.ClassOf(err))

	cancelled, err := h.c.Cancel(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, cancelled.Status)

	sum := wait(t, h.c, started.ID)
	assert.Equal(t, session.StateCancelled, sum.State)
	assert.False(t, sum.Running)
	assert.Zero(t, h.editor.Calls())

	_, err = h.c.Approve(ctx, p.Request.ID, autonomy.Decision{Action: autonomy.Approve})
	assert.ErrorIs(t, err, session.ErrSessionTerminal)
	_, err = h.c.Resume(ctx, started.ID)
	assert.ErrorIs(t, err, session.ErrSessionTerminal)
	_, err = h.c.Cancel(ctx, started.ID)
	assert.ErrorIs(t, err, session.ErrSessionTerminal)

	next := h.start(t, autonomy.Interactive)
	assert.NotEqual(t, started.ID, next.ID)
	assert.Len(t, h.events.OfType(events.SessionCancelled), 1)
}

func TestApprove_Errors(t *testing.T) {
	h := newHarness(t, Config{}, []capability.TaskSeed{seed("e1", phase.Implement, ledger.KindEdit)})
	ctx := context.Background()
	h.start(t, autonomy.Interactive)
	p := waitForPrompt(t, h.c)

	_, err := h.c.Approve(ctx, "missing", autonomy.Decision{Action: autonomy.Approve})
	assert.ErrorIs(t, err, autonomy.ErrRequestNotFound)

	_, err = h.c.Approve(ctx, p.Request.ID, autonomy.Decision{Action: autonomy.Modify})
	assert.ErrorIs(t, err, autonomy.ErrInvalidDecision)
	assert.Equal(t, fault.Validation, fault.ClassOf(err))
}

func TestApprove_DeliveredReturnsResolvedRequest(t *testing.T) {
	h := newHarness(t, Config{}, []capability.TaskSeed{seed("e1", phase.Implement, ledger.KindEdit)})
	started := h.start(t, autonomy.Interactive)
	p := waitForPrompt(t, h.c)

	resolved, err := h.c.Approve(context.Background(), p.Request.ID, autonomy.Decision{Action: autonomy.Approve, By: "alice"})
	require.NoError(t, err)
	assert.Equal(t, p.Request.ID, resolved.ID)
	assert.Equal(t, autonomy.RequestResolved, resolved.Status)
	require.NotNil(t, resolved.Decision)
	assert.Equal(t, autonomy.Approve, resolved.Decision.Action)
	assert.Equal(t, "alice", resolved.Decision.By)
	assert.NotNil(t, resolved.ResolvedAt)
	assert.False(t, resolved.Open())

	sum := wait(t, h.c, started.ID)
	require.Equal(t, session.StatusCompleted, sum.Status, "error: %s", sum.Error)
}

// An approval wait must not take a slot from tasks that can run now.
func TestApprovalWaitLeavesSlotsFree(t *testing.T) {
	for _, n := range []int{1, 2} {
		t.Run(fmt.Sprintf("concurrency %d", n), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, Config{Concurrency: n}, []capability.TaskSeed{
				seed("e1", phase.Implement, ledger.KindEdit),
				seed("r1", phase.Implement, ledger.KindReview),
				seed("r2", phase.Implement, ledger.KindReview, "r1"),
			})
			started := h.start(t, autonomy.Interactive)
			p := waitForPrompt(t, h.c)
			assert.Equal(t, "e1", p.Request.TaskID)

			require.Eventually(t, func() bool {
				sum, err := h.c.Status(ctx, started.ID)
				if err != nil {
					return false
				}
				r2, _ := sum.Task("r2")
				return r2.Status == ledger.StatusCompleted
			}, 5*time.Second, 5*time.Millisecond)

			sum, err := h.c.Status(ctx, started.ID)
			require.NoError(t, err)
			e1, _ := sum.Task("e1")
			assert.Equal(t, ledger.StatusPending, e1.Status)
			assert.Zero(t, h.editor.Calls())
			assert.True(t, sum.Running)

			_, err = h.c.Approve(ctx, p.Request.ID, autonomy.Decision{Action: autonomy.Approve})
			require.NoError(t, err)

			sum = wait(t, h.c, started.ID)
			require.Equal(t, session.StatusCompleted, sum.Status, "error: %s", sum.Error)
			e1, _ = sum.Task("e1")
			assert.Equal(t, ledger.StatusCompleted, e1.Status)
			assert.Equal(t, p.Request.ID, e1.ApprovalID)
			assert.Equal(t, 1, h.editor.Calls())
		})
	}
}

func TestResumeAfterShutdownReusesOpenRequest(t *testing.T) {
	dir := t.TempDir()
	store, err := session.NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	h := newHarness(t, Config{}, []capability.TaskSeed{seed("e1", phase.Implement, ledger.KindEdit)}, WithStore(store))

	started := h.start(t, autonomy.Interactive)
	p := waitForPrompt(t, h.c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.c.Shutdown(ctx))
	_, err = h.c.Start(ctx, StartRequest{Workspace: t.TempDir(), Request: "x"})
	assert.ErrorIs(t, err, ErrShutdown)

	parked, err := store.Load(ctx, started.ID)
	require.NoError(t, err)
	require.NotNil(t, parked.Block)
	assert.Equal(t, session.BlockAwaitingApproval, parked.Block.Reason)

	reopened, err := session.NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	c := newCoordinator(t, h.caps(), Config{}, WithStore(reopened), WithChannel(approveAll()))
	_, err = c.Resume(ctx, started.ID)
	require.NoError(t, err)

	sum := wait(t, c, started.ID)
	require.Equal(t, session.StatusCompleted, sum.Status, "error: %s", sum.Error)
	e1, _ := sum.Task("e1")
	assert.Equal(t, p.Request.ID, e1.ApprovalID)
}

func TestResumeTamperedRecordIsFatal(t *testing.T) {
	dir := t.TempDir()
	store, err := session.NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	h := newHarness(t, Config{}, []capability.TaskSeed{seed("e1", phase.Implement, ledger.KindEdit)}, WithStore(store))

	started := h.start(t, autonomy.Interactive)
	waitForPrompt(t, h.c)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.c.Shutdown(ctx))

	path := filepath.Join(dir, "sessions", started.ID+".json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "add request metrics", "add request metricz", 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0600))

	reopened, err := session.NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	c := newCoordinator(t, h.caps(), Config{}, WithStore(reopened))
	_, err = c.Resume(ctx, started.ID)
	assert.ErrorIs(t, err, session.ErrChecksumMismatch)
	assert.Equal(t, fault.Fatal, fault.ClassOf(err))
}

func TestDryRunSkipsMutatingCollaborators(t *testing.T) {
	h := newHarness(t, Config{Autonomy: autonomy.Full, DryRun: true}, []capability.TaskSeed{
		seed("e1", phase.Implement, ledger.KindEdit),
		seed("s1", phase.ShipRollout, ledger.KindShip),
	})

	started := h.start(t, "")
	sum := wait(t, h.c, started.ID)
	require.Equal(t, session.StatusCompleted, sum.Status, "error: %s", sum.Error)
	assert.Zero(t, h.editor.Calls())
	calls, _ := h.shipper.counts()
	assert.Zero(t, calls)

	s1, _ := sum.Task("s1")
	assert.Equal(t, "dry-run: change request not opened", s1.Outputs[ledger.OutputSummary])
}

package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/phase"
)

// Ledger is the task journal of one session. It is safe for concurrent use;
// mutations are serialized.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	tasks   map[string]*Task
	order   []string
	seq     uint64
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{tasks: make(map[string]*Task), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Restore rebuilds a ledger by replaying snap. Any entry that could not
// have been produced by a live ledger makes the journal corrupt.
func Restore(snap Snapshot, opts ...Option) (*Ledger, error) {
	l := New(opts...)
	for i := range snap.Entries {
		e := snap.Entries[i]
		if e.Seq != l.seq+1 {
			return nil, fault.Newf(fault.Fatal, "ledger.restore", ErrCorrupt,
				"entry %d has seq %d, expected %d", i, e.Seq, l.seq+1)
		}
		if err := l.apply(e); err != nil {
			return nil, fault.Newf(fault.Fatal, "ledger.restore", fmt.Errorf("%w: %v", ErrCorrupt, err),
				"replaying seq %d", e.Seq)
		}
	}
	return l, nil
}

// MutationOption adjusts a Transition or Annotate call.
type MutationOption func(*Entry)

// WithApproval records the approval request that authorised the mutation.
func WithApproval(requestID string) MutationOption {
	return func(e *Entry) { e.ApprovalID = requestID }
}

// CountAttempt charges one collaborator invocation to the task.
func CountAttempt() MutationOption {
	return func(e *Entry) { e.Attempt = true }
}

// Exhaust uses up the remaining attempts, for failures that must not be retried.
func Exhaust() MutationOption {
	return func(e *Entry) { e.Exhaust = true }
}

// Append records a new pending task.
func (l *Ledger) Append(t Task) (Task, error) {
	t.Status = StatusPending
	t.Notes = nil
	t.Outputs = nil
	t.Attempts = 0
	t.ApprovalID = ""
	if t.MaxAttempts < 1 {
		t.MaxAttempts = 1
	}
	t.Params = cloneMap(t.Params)
	t.DependsOn = append([]string(nil), t.DependsOn...)
	return l.commit(Entry{Op: OpAppend, TaskID: t.ID, Task: &t}, "ledger.append")
}

// Transition moves a task to status to.
func (l *Ledger) Transition(taskID string, to Status, note string, opts ...MutationOption) (Task, error) {
	e := Entry{Op: OpTransition, TaskID: taskID, To: to, Note: note}
	for _, opt := range opts {
		opt(&e)
	}
	return l.commit(e, "ledger.transition")
}

// Annotate appends a note without changing status.
func (l *Ledger) Annotate(taskID, note string, opts ...MutationOption) (Task, error) {
	e := Entry{Op: OpAnnotate, TaskID: taskID, Note: note}
	for _, opt := range opts {
		opt(&e)
	}
	return l.commit(e, "ledger.annotate")
}

// SetOutput records a collaborator output on a task.
func (l *Ledger) SetOutput(taskID, key, value string) (Task, error) {
	return l.commit(Entry{Op: OpOutput, TaskID: taskID, Key: key, Value: value}, "ledger.output")
}

// SetParams replaces the parameters of a task that has not completed.
func (l *Ledger) SetParams(taskID string, params map[string]string, note string) (Task, error) {
	return l.commit(Entry{Op: OpParams, TaskID: taskID, Params: cloneMap(params), Note: note}, "ledger.params")
}

// GrantRetry raises the attempt ceiling of a task by extra.
func (l *Ledger) GrantRetry(taskID string, extra int, note string, opts ...MutationOption) (Task, error) {
	e := Entry{Op: OpGrant, TaskID: taskID, Extra: extra, Note: note}
	for _, opt := range opts {
		opt(&e)
	}
	return l.commit(e, "ledger.grant_retry")
}

func (l *Ledger) commit(e Entry, op string) (Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Seq = l.seq + 1
	e.At = l.now().UTC().Round(0)
	if e.Op == OpTransition {
		if cur, ok := l.tasks[e.TaskID]; ok {
			e.From = cur.Status
		}
	}
	if err := l.apply(e); err != nil {
		return Task{}, classify(op, err)
	}
	return l.tasks[e.TaskID].clone(), nil
}

func classify(op string, err error) error {
	if errors.Is(err, ErrInvalidTransition) {
		return fault.New(fault.Fatal, op, err)
	}
	return fault.New(fault.Validation, op, err)
}

// apply validates e against the current state and mutates it. The caller holds mu.
func (l *Ledger) apply(e Entry) error {
	if e.Op == OpAppend {
		if err := l.validateAppend(e.Task); err != nil {
			return err
		}
		t := *e.Task
		t.Seq = e.Seq
		t.UpdatedAt = e.At
		t.Params = cloneMap(t.Params)
		t.DependsOn = append([]string(nil), t.DependsOn...)
		l.tasks[t.ID] = &t
		l.order = append(l.order, t.ID)
		l.record(e)
		return nil
	}

	t, ok := l.tasks[e.TaskID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, e.TaskID)
	}
	next := *t
	next.Notes = append([]Note(nil), t.Notes...)

	switch e.Op {
	case OpTransition:
		if e.From != "" && e.From != t.Status {
			return fmt.Errorf("%w: %s recorded from %s but task is %s", ErrInvalidTransition, e.TaskID, e.From, t.Status)
		}
		if err := checkTransition(t, e.To, e.ApprovalID); err != nil {
			return err
		}
		next.Status = e.To
		if e.To == StatusInProgress || e.To == StatusSkipped {
			next.ApprovalID = e.ApprovalID
		}
	case OpAnnotate:
		if e.Note == "" {
			return fmt.Errorf("%w: empty note", ErrInvalidTask)
		}
	case OpOutput:
		if e.Key == "" {
			return fmt.Errorf("%w: empty output key", ErrInvalidTask)
		}
		next.Outputs = cloneMap(t.Outputs)
		if next.Outputs == nil {
			next.Outputs = map[string]string{}
		}
		next.Outputs[e.Key] = e.Value
	case OpParams:
		if t.Status.Terminal() {
			return fmt.Errorf("%w: cannot change params of %s task %q", ErrInvalidTransition, t.Status, t.ID)
		}
		next.Params = cloneMap(e.Params)
	case OpGrant:
		if e.Extra < 1 {
			return fmt.Errorf("%w: retry grant must be positive", ErrInvalidTask)
		}
		if t.Status.Terminal() {
			return fmt.Errorf("%w: cannot grant retries to %s task %q", ErrInvalidTransition, t.Status, t.ID)
		}
		next.MaxAttempts += e.Extra
		if e.ApprovalID != "" {
			next.ApprovalID = e.ApprovalID
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrCorrupt, e.Op)
	}

	if e.Attempt {
		next.Attempts++
	}
	if e.Exhaust && next.Attempts < next.MaxAttempts {
		next.Attempts = next.MaxAttempts
	}
	if e.Note != "" {
		next.Notes = append(next.Notes, Note{Seq: e.Seq, At: e.At, Text: e.Note})
	}
	next.Seq = e.Seq
	next.UpdatedAt = e.At
	*t = next
	l.record(e)
	return nil
}

func (l *Ledger) record(e Entry) {
	if e.Task != nil {
		cp := e.Task.clone()
		e.Task = &cp
	}
	e.Params = cloneMap(e.Params)
	l.entries = append(l.entries, e)
	l.seq = e.Seq
}

func (l *Ledger) validateAppend(t *Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("%w: task id required", ErrInvalidTask)
	}
	if _, dup := l.tasks[t.ID]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, t.ID)
	}
	if !phase.Valid(t.Phase) {
		return fmt.Errorf("%w: task %q has unknown phase %q", ErrInvalidTask, t.ID, t.Phase)
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: task %q has unknown kind %q", ErrInvalidTask, t.ID, t.Kind)
	}
	if t.Status != StatusPending {
		return fmt.Errorf("%w: task %q must start pending", ErrInvalidTask, t.ID)
	}
	for _, dep := range t.DependsOn {
		d, ok := l.tasks[dep]
		if !ok {
			return fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidTask, t.ID, dep)
		}
		if t.Phase.Before(d.Phase) {
			return fmt.Errorf("%w: task %q depends on later-phase task %q", ErrInvalidTask, t.ID, dep)
		}
	}
	return nil
}

// checkTransition enforces the task state machine.
func checkTransition(t *Task, to Status, approvalID string) error {
	ok := false
	switch {
	case t.Status == StatusPending && to == StatusInProgress:
		ok = true
	case t.Status == StatusInProgress && (to == StatusCompleted || to == StatusFailed):
		ok = true
	case t.Status == StatusFailed && to == StatusInProgress:
		if t.Attempts >= t.MaxAttempts {
			return fmt.Errorf("%w: %q exhausted %d/%d attempts", ErrInvalidTransition, t.ID, t.Attempts, t.MaxAttempts)
		}
		ok = true
	case (t.Status == StatusPending || t.Status == StatusFailed) && to == StatusSkipped:
		if approvalID == "" {
			return fmt.Errorf("%w: skipping %q requires an approval", ErrInvalidTransition, t.ID)
		}
		ok = true
	}
	if !ok {
		return fmt.Errorf("%w: %q %s -> %s", ErrInvalidTransition, t.ID, t.Status, to)
	}
	return nil
}

// Snapshot returns a copy of the journal.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := Snapshot{Entries: make([]Entry, len(l.entries))}
	for i, e := range l.entries {
		if e.Task != nil {
			cp := e.Task.clone()
			e.Task = &cp
		}
		e.Params = cloneMap(e.Params)
		out.Entries[i] = e
	}
	return out
}

// Seq returns the sequence number of the last mutation.
func (l *Ledger) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// UpdatedAt returns the time of the last mutation, or zero.
func (l *Ledger) UpdatedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return time.Time{}
	}
	return l.entries[len(l.entries)-1].At
}

// Task returns a copy of one task.
func (l *Ledger) Task(id string) (Task, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Tasks returns copies of all tasks in declaration order.
func (l *Ledger) Tasks() []Task {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Task, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.tasks[id].clone())
	}
	return out
}

// PhaseTasks returns copies of the tasks of p in declaration order.
func (l *Ledger) PhaseTasks(p phase.Phase) []Task {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Task
	for _, id := range l.order {
		if t := l.tasks[id]; t.Phase == p {
			out = append(out, t.clone())
		}
	}
	return out
}

// Grouped returns tasks keyed by phase, each group in declaration order.
func (l *Ledger) Grouped() map[phase.Phase][]Task {
	out := make(map[phase.Phase][]Task)
	for _, t := range l.Tasks() {
		out[t.Phase] = append(out[t.Phase], t)
	}
	return out
}

// Counts tallies tasks by status.
func (l *Ledger) Counts() map[Status]int {
	out := make(map[Status]int)
	for _, t := range l.Tasks() {
		out[t.Status]++
	}
	return out
}

func (t *Task) clone() Task {
	cp := *t
	cp.Params = cloneMap(t.Params)
	cp.Outputs = cloneMap(t.Outputs)
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.Notes = append([]Note(nil), t.Notes...)
	return cp
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

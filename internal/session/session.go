// Package session holds the durable record of an orchestration session and
// the stores that persist it.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/ledger"
	"github.com/fyrsmithlabs/metapod/internal/phase"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyActive = errors.New("session already active for workspace")
	ErrSessionTerminal      = errors.New("session is terminal")
	ErrChecksumMismatch     = errors.New("session record checksum mismatch")
)

// Status is the lifecycle status of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s can never become active again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// State is the externally reported state: Status plus the blocked sub-status.
type State string

const (
	StateActive    State = "active"
	StateBlocked   State = "blocked"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// BlockReason says why an active session stopped making progress.
type BlockReason string

const (
	BlockAwaitingApproval BlockReason = "awaiting_approval"
	BlockApprovalTimeout  BlockReason = "approval_timeout"
	BlockRetryExhausted   BlockReason = "retry_exhausted"
	BlockCircuitOpen      BlockReason = "circuit_open"
)

// Block is the blocked sub-status. A blocked session stays resumable.
type Block struct {
	Reason    BlockReason `json:"reason"`
	TaskID    string      `json:"task_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Since     time.Time   `json:"since"`
	Detail    string      `json:"detail,omitempty"`
	// RetryAt is set for circuit_open blocks.
	RetryAt *time.Time `json:"retry_at,omitempty"`
}

// Session is one end-to-end run against one workspace.
type Session struct {
	ID         string             `json:"id"`
	Workspace  string             `json:"workspace"`
	Request    string             `json:"request"`
	Autonomy   autonomy.Level     `json:"autonomy"`
	PhaseIndex int                `json:"phase_index"`
	Status     Status             `json:"status"`
	Block      *Block             `json:"block,omitempty"`
	Intent     string             `json:"intent,omitempty"`
	Topics     []string           `json:"topics,omitempty"`
	Error      string             `json:"error,omitempty"`
	Approvals  []autonomy.Request `json:"approvals,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`

	// Ledger is persisted as the journal of the record.
	Ledger *ledger.Ledger `json:"-"`
}

// State returns the reported state of s.
func (s *Session) State() State {
	switch s.Status {
	case StatusCompleted:
		return StateCompleted
	case StatusFailed:
		return StateFailed
	case StatusCancelled:
		return StateCancelled
	}
	if s.Block != nil {
		return StateBlocked
	}
	return StateActive
}

// CurrentPhase returns the phase at PhaseIndex. ok is false once every phase is done.
func (s *Session) CurrentPhase() (phase.Phase, bool) {
	return phase.At(s.PhaseIndex)
}

// FirstOpenPhase returns the index of the earliest phase holding a task that
// is neither completed nor skipped, or phase.Count when there is none.
func (s *Session) FirstOpenPhase() int {
	for i := 0; i < phase.Count; i++ {
		p, _ := phase.At(i)
		for _, t := range s.Ledger.PhaseTasks(p) {
			if !t.Status.Terminal() {
				return i
			}
		}
	}
	return phase.Count
}

// Approval returns the request with id.
func (s *Session) Approval(id string) (*autonomy.Request, bool) {
	for i := range s.Approvals {
		if s.Approvals[i].ID == id {
			return &s.Approvals[i], true
		}
	}
	return nil, false
}

// OpenApproval returns the open request for taskID, if any.
func (s *Session) OpenApproval(taskID string) (*autonomy.Request, bool) {
	for i := range s.Approvals {
		if s.Approvals[i].TaskID == taskID && s.Approvals[i].Open() {
			return &s.Approvals[i], true
		}
	}
	return nil, false
}

// PendingApprovals returns copies of every open request.
func (s *Session) PendingApprovals() []autonomy.Request {
	var out []autonomy.Request
	for _, r := range s.Approvals {
		if r.Open() {
			out = append(out, r)
		}
	}
	return out
}

// Touch sets UpdatedAt to the later of now and the ledger's last mutation.
func (s *Session) Touch(now time.Time) {
	now = now.UTC().Round(0)
	if s.Ledger != nil {
		if at := s.Ledger.UpdatedAt(); at.After(now) {
			now = at
		}
	}
	s.UpdatedAt = now
}

// RecordVersion is the current persisted layout.
const RecordVersion = 1

// Record is the persisted form of a session: everything Resume needs.
type Record struct {
	Version int             `json:"version"`
	Session Session         `json:"session"`
	Journal ledger.Snapshot `json:"journal"`
}

// Record captures s for persistence.
func (s *Session) Record() Record {
	r := Record{Version: RecordVersion, Session: *s}
	r.Session.Ledger = nil
	r.Session.Approvals = append([]autonomy.Request(nil), s.Approvals...)
	r.Session.Topics = append([]string(nil), s.Topics...)
	if s.Block != nil {
		b := *s.Block
		r.Session.Block = &b
	}
	if s.Ledger != nil {
		r.Journal = s.Ledger.Snapshot()
	}
	return r
}

// FromRecord rebuilds a session, replaying its journal.
func FromRecord(r Record, opts ...ledger.Option) (*Session, error) {
	if r.Version != RecordVersion {
		return nil, fault.Newf(fault.Fatal, "session.restore", ledger.ErrCorrupt, "unsupported record version %d", r.Version)
	}
	l, err := ledger.Restore(r.Journal, opts...)
	if err != nil {
		return nil, err
	}
	s := r.Session
	s.Ledger = l
	if s.PhaseIndex < 0 || s.PhaseIndex > phase.Count {
		return nil, fault.Newf(fault.Fatal, "session.restore", ledger.ErrCorrupt, "phase index %d out of range", s.PhaseIndex)
	}
	// A journal cut short can reopen tasks of phases the index already passed.
	if open := s.FirstOpenPhase(); open < s.PhaseIndex {
		s.PhaseIndex = open
	}
	return &s, nil
}

// Validate checks the invariants of a new session.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fault.Validationf("session.validate", "id is required")
	}
	if s.Workspace == "" {
		return fault.Validationf("session.validate", "workspace is required")
	}
	if !s.Autonomy.Valid() {
		return fault.Validationf("session.validate", "invalid autonomy level %q", s.Autonomy)
	}
	return nil
}

// Info is the summary of a stored session used by listings.
type Info struct {
	ID        string    `json:"id"`
	Workspace string    `json:"workspace"`
	Status    Status    `json:"status"`
	State     State     `json:"state"`
	Phase     string    `json:"phase"`
	Archived  bool      `json:"archived"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InfoOf summarizes s.
func InfoOf(s *Session, archived bool) Info {
	p, ok := s.CurrentPhase()
	name := string(p)
	if !ok {
		name = "done"
	}
	return Info{
		ID:        s.ID,
		Workspace: s.Workspace,
		Status:    s.Status,
		State:     s.State(),
		Phase:     name,
		Archived:  archived,
		UpdatedAt: s.UpdatedAt,
	}
}

func notFound(op, id string) error {
	return fault.New(fault.Validation, op, fmt.Errorf("%w: %s", ErrSessionNotFound, id))
}

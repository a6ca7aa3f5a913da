// Package ledger records the tasks of a session and every change made to them.
//
// The ledger is an append-only journal of entries. Task state is never
// stored directly: it is the result of replaying the journal, so a snapshot
// cut at any sequence number restores to exactly the state the live ledger
// had at that point.
package ledger

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/metapod/internal/phase"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Terminal reports whether a task in status s needs no further work.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Kind names the capability a task invokes.
type Kind string

const (
	KindReview   Kind = "review"
	KindResearch Kind = "research"
	KindEdit     Kind = "edit"
	KindTest     Kind = "test"
	KindShip     Kind = "ship"
)

// Kinds returns every task kind.
func Kinds() []Kind {
	return []Kind{KindReview, KindResearch, KindEdit, KindTest, KindShip}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindReview, KindResearch, KindEdit, KindTest, KindShip:
		return true
	}
	return false
}

// Well-known output keys written by collaborators.
const (
	OutputDiffID    = "diff_id"
	OutputRequestID = "request_id"
	OutputURL       = "url"
	OutputSummary   = "summary"
	OutputCitations = "citations"
	OutputTestsPass = "tests_passed"
)

// Task is one unit of work in a phase.
type Task struct {
	ID          string            `json:"id"`
	Phase       phase.Phase       `json:"phase"`
	Description string            `json:"description"`
	Kind        Kind              `json:"kind"`
	Params      map[string]string `json:"params,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Status      Status            `json:"status"`
	Notes       []Note            `json:"notes,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	// ApprovalID is the approval that authorised the last in_progress or skipped transition.
	ApprovalID string    `json:"approval_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	Seq        uint64    `json:"seq"`
}

// Exhausted reports whether t failed and has no attempts left.
func (t Task) Exhausted() bool {
	return t.Status == StatusFailed && t.Attempts >= t.MaxAttempts
}

// Retryable reports whether t failed but may be attempted again.
func (t Task) Retryable() bool {
	return t.Status == StatusFailed && t.Attempts < t.MaxAttempts
}

// Note is a structured annotation on a task.
type Note struct {
	Seq  uint64    `json:"seq"`
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Op is the kind of a journal entry.
type Op string

const (
	OpAppend     Op = "append"
	OpTransition Op = "transition"
	OpAnnotate   Op = "annotate"
	OpOutput     Op = "output"
	OpParams     Op = "params"
	OpGrant      Op = "grant_retry"
)

// Entry is one journaled ledger mutation.
type Entry struct {
	Seq        uint64            `json:"seq"`
	Op         Op                `json:"op"`
	TaskID     string            `json:"task_id"`
	At         time.Time         `json:"at"`
	Task       *Task             `json:"task,omitempty"`
	From       Status            `json:"from,omitempty"`
	To         Status            `json:"to,omitempty"`
	Note       string            `json:"note,omitempty"`
	ApprovalID string            `json:"approval_id,omitempty"`
	Attempt    bool              `json:"attempt,omitempty"`
	Exhaust    bool              `json:"exhaust,omitempty"`
	Key        string            `json:"key,omitempty"`
	Value      string            `json:"value,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	Extra      int               `json:"extra,omitempty"`
}

// Snapshot is the serializable journal of a ledger.
type Snapshot struct {
	Entries []Entry `json:"entries"`
}

// Truncate returns the prefix of s whose entries have Seq <= seq.
func (s Snapshot) Truncate(seq uint64) Snapshot {
	out := Snapshot{Entries: make([]Entry, 0, len(s.Entries))}
	for _, e := range s.Entries {
		if e.Seq > seq {
			break
		}
		out.Entries = append(out.Entries, e)
	}
	return out
}

// LastSeq returns the sequence number of the last entry, or 0.
func (s Snapshot) LastSeq() uint64 {
	if len(s.Entries) == 0 {
		return 0
	}
	return s.Entries[len(s.Entries)-1].Seq
}

var (
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrUnknownTask       = errors.New("unknown task")
	ErrInvalidTask       = errors.New("invalid task")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrCorrupt           = errors.New("corrupt ledger journal")
)

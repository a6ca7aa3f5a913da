package autonomy

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrApprovalTimeout = errors.New("approval timed out")
	ErrRequestNotFound = errors.New("approval request not found")
	ErrAlreadyResolved = errors.New("approval request already resolved")
	ErrInvalidDecision = errors.New("invalid decision")
)

// Purpose says what an approval request gates.
type Purpose string

const (
	// PurposeExecute gates the pending -> in_progress transition.
	PurposeExecute Purpose = "execute"
	// PurposeSkip asks what to do with a task that exhausted its attempts.
	PurposeSkip Purpose = "skip"
)

// Action is the verb of a decision.
type Action string

const (
	Approve Action = "approve"
	Reject  Action = "reject"
	Modify  Action = "modify"
)

// ParseAction parses an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case Approve, Reject, Modify:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, s)
}

// Decision answers an approval request.
//
// For an execute request Modify replaces the task parameters with Params.
// For a skip request Modify grants Extra more attempts (at least one).
type Decision struct {
	Action  Action            `json:"action"`
	Params  map[string]string `json:"params,omitempty"`
	Extra   int               `json:"extra,omitempty"`
	Comment string            `json:"comment,omitempty"`
	By      string            `json:"by,omitempty"`
}

// Validate checks d against the purpose it answers.
func (d Decision) Validate(p Purpose) error {
	switch d.Action {
	case Approve, Reject:
		return nil
	case Modify:
		if p == PurposeExecute && len(d.Params) == 0 {
			return fmt.Errorf("%w: modify needs params", ErrInvalidDecision)
		}
		if d.Extra < 0 {
			return fmt.Errorf("%w: negative extra attempts", ErrInvalidDecision)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, d.Action)
	}
}

// RequestStatus is the lifecycle state of a request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestResolved RequestStatus = "resolved"
	// RequestTimedOut requests can still be resolved.
	RequestTimedOut RequestStatus = "timed_out"
)

// Request correlates a task with the decision that gates it.
type Request struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	TaskID     string        `json:"task_id"`
	Purpose    Purpose       `json:"purpose"`
	Options    []Action      `json:"options"`
	Status     RequestStatus `json:"status"`
	Decision   *Decision     `json:"decision,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	Deadline   time.Time     `json:"deadline"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// Open reports whether r still waits for a decision.
func (r Request) Open() bool {
	return r.Status == RequestPending || r.Status == RequestTimedOut
}

// Allows reports whether a is one of the offered options.
func (r Request) Allows(a Action) bool {
	return slices.Contains(r.Options, a)
}

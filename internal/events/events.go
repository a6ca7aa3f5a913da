// Package events publishes session lifecycle events.
//
// Events are published to NATS subjects:
//   - {prefix}.sessions.{session_id}.started
//   - {prefix}.sessions.{session_id}.phase_advanced
//   - {prefix}.sessions.{session_id}.task_transition
//   - {prefix}.sessions.{session_id}.approval_requested
//   - {prefix}.sessions.{session_id}.approval_resolved
//   - {prefix}.sessions.{session_id}.blocked
//   - {prefix}.sessions.{session_id}.completed, .failed, .cancelled, .resumed
package events

import (
	"context"
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	SessionStarted    Type = "started"
	SessionResumed    Type = "resumed"
	SessionBlocked    Type = "blocked"
	SessionCompleted  Type = "completed"
	SessionFailed     Type = "failed"
	SessionCancelled  Type = "cancelled"
	PhaseAdvanced     Type = "phase_advanced"
	TaskTransition    Type = "task_transition"
	ApprovalRequested Type = "approval_requested"
	ApprovalResolved  Type = "approval_resolved"
)

// Event is one lifecycle notification.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Workspace string    `json:"workspace,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher sends events. Publishing is best effort: callers log failures
// and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

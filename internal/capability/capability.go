// Package capability declares the collaborators the orchestration core
// drives. Concrete providers live under internal/providers.
package capability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/ledger"
	"github.com/fyrsmithlabs/metapod/internal/phase"
)

var (
	// ErrUnreachable is a transient collaborator failure.
	ErrUnreachable = fault.New(fault.Transient, "capability", errors.New("collaborator unreachable"))
	// ErrNoResult is a permanent research failure.
	ErrNoResult = fault.New(fault.Validation, "capability", errors.New("no result"))
)

// Unreachable wraps err as a transient failure of op.
func Unreachable(op string, err error) error {
	return fault.New(fault.Transient, op, errors.Join(ErrUnreachable, err))
}

// TaskSeed is a task proposed by the interpreter.
type TaskSeed struct {
	ID          string            `json:"id" yaml:"id"`
	Phase       phase.Phase       `json:"phase" yaml:"phase"`
	Description string            `json:"description" yaml:"description"`
	Kind        ledger.Kind       `json:"kind" yaml:"kind"`
	Params      map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// Intent is the structured reading of a change request. The core treats it
// as an opaque seed.
type Intent struct {
	Summary string     `json:"summary"`
	Topics  []string   `json:"topics,omitempty"`
	Tasks   []TaskSeed `json:"tasks"`
}

// Interpreter turns free text into an Intent.
type Interpreter interface {
	Parse(ctx context.Context, workspace, text string) (Intent, error)
}

// Citation is one research source.
type Citation struct {
	URL       string  `json:"url"`
	Title     string  `json:"title,omitempty"`
	Relevance float64 `json:"relevance"`
}

// Findings is the result of a research call.
type Findings struct {
	Summary    string     `json:"summary"`
	Citations  []Citation `json:"citations"`
	Confidence float64    `json:"confidence"`
}

// Researcher looks up a topic. Calls are idempotent.
type Researcher interface {
	Research(ctx context.Context, topic string) (Findings, error)
}

// ChangeSpec describes a change for the editor.
type ChangeSpec struct {
	SessionID   string            `json:"session_id"`
	TaskID      string            `json:"task_id"`
	Description string            `json:"description"`
	Params      map[string]string `json:"params,omitempty"`
}

// Change identifies an applied change.
type Change struct {
	DiffID string `json:"diff_id"`
	// Reused is set when an identical change had already been applied.
	Reused bool `json:"reused,omitempty"`
}

// Editor applies changes. Identical spec and workspace must yield the same
// DiffID without applying the change twice.
type Editor interface {
	ApplyChange(ctx context.Context, workspace string, spec ChangeSpec) (Change, error)
}

// TestReport is the result of a test run.
type TestReport struct {
	Passed bool `json:"passed"`
	// Summary is a short description of the run, such as the last output line.
	Summary        string `json:"summary,omitempty"`
	FailureDetails string `json:"failure_details,omitempty"`
}

// ErrTestsFailed is the permanent error of a test run that completed with failures.
var ErrTestsFailed = fault.New(fault.Validation, "capability", errors.New("tests failed"))

// Tester runs a test suite.
type Tester interface {
	Run(ctx context.Context, workspace, suite string) (TestReport, error)
}

// ChangeRequest is what the shipper opens.
type ChangeRequest struct {
	Token       string   `json:"token"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Checklist   []string `json:"checklist,omitempty"`
}

// Opened identifies an opened change request.
type Opened struct {
	RequestID string `json:"request_id"`
	URL       string `json:"url,omitempty"`
	Reused    bool   `json:"reused,omitempty"`
}

// Shipper opens change requests, idempotently on ChangeRequest.Token.
type Shipper interface {
	OpenChangeRequest(ctx context.Context, workspace string, cr ChangeRequest) (Opened, error)
}

// ApprovalChannel asks a human or a policy for a decision.
type ApprovalChannel = autonomy.Channel

// ShipToken derives the idempotency token of the change request opened by
// session sessionID in phase p.
func ShipToken(sessionID string, p phase.Phase) string {
	sum := sha256.Sum256([]byte(sessionID + "/" + string(p)))
	return hex.EncodeToString(sum[:])
}

// Set bundles the collaborators of a coordinator.
type Set struct {
	Interpreter Interpreter
	Researcher  Researcher
	Editor      Editor
	Tester      Tester
	Shipper     Shipper
}

// Validate checks that every collaborator is present.
func (s Set) Validate() error {
	var errs []error
	if s.Interpreter == nil {
		errs = append(errs, errors.New("interpreter is required"))
	}
	if s.Researcher == nil {
		errs = append(errs, errors.New("researcher is required"))
	}
	if s.Editor == nil {
		errs = append(errs, errors.New("editor is required"))
	}
	if s.Tester == nil {
		errs = append(errs, errors.New("tester is required"))
	}
	if s.Shipper == nil {
		errs = append(errs, errors.New("shipper is required"))
	}
	return errors.Join(errs...)
}

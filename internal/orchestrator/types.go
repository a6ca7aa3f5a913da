package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/metapod/internal/ledger"
	"github.com/fyrsmithlabs/metapod/internal/phase"
)

// Outcome is the result of Advance.
type Outcome string

const (
	// Advanced means the phase index moved forward.
	Advanced Outcome = "advanced"
	// Pending means the current phase still has runnable or running tasks.
	Pending Outcome = "pending"
	// Blocked means a task of the current phase exhausted its attempts.
	Blocked Outcome = "blocked"
	// Complete means the last phase finished.
	Complete Outcome = "complete"
	// Rewound means the index moved back to an earlier phase with open tasks.
	Rewound Outcome = "rewound"
)

// Result describes what Advance did.
type Result struct {
	Outcome Outcome
	From    phase.Phase
	// To is empty when Outcome is Complete.
	To         phase.Phase
	Exhausted  []ledger.Task
	Violations []Violation
}

// Violation is a problem a gate found when a phase was entered.
type Violation struct {
	Type        ViolationType `json:"type"`
	Phase       phase.Phase   `json:"phase"`
	TaskID      string        `json:"task_id,omitempty"`
	Description string        `json:"description"`
	Severity    Severity      `json:"severity"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// ViolationType categorizes gate violations
type ViolationType string

const (
	ViolationMissingOutput      ViolationType = "missing_output"
	ViolationTestsNotRun        ViolationType = "tests_not_run"
	ViolationHelpAsVerification ViolationType = "help_as_verification"
	ViolationBundledChanges     ViolationType = "bundled_changes"
)

// Severity indicates how serious a violation is
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// PhaseGate checks the ledger before a phase is entered.
type PhaseGate interface {
	// Name returns the gate identifier
	Name() string

	// Check inspects l when moving from one phase to the next.
	Check(ctx context.Context, from, to phase.Phase, l *ledger.Ledger) ([]Violation, error)
}

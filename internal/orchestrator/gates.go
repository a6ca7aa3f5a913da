package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/metapod/internal/ledger"
	"github.com/fyrsmithlabs/metapod/internal/phase"
)

// RegisterDefaultGates installs the built-in gates on c.
func RegisterDefaultGates(c *Controller) {
	c.RegisterGate(phase.TestValidate, NewRequireOutputGate(phase.Implement, ledger.KindEdit, ledger.OutputDiffID))
	c.RegisterGate(phase.TestValidate, NewSequentialGate())
	c.RegisterGate(phase.Observability, NewVerificationGate(phase.TestValidate))
}

// RequireOutputGate expects completed tasks of a kind in an earlier phase to
// have produced an output key.
type RequireOutputGate struct {
	source phase.Phase
	kind   ledger.Kind
	key    string
}

// NewRequireOutputGate creates a gate checking key on kind tasks of source.
func NewRequireOutputGate(source phase.Phase, kind ledger.Kind, key string) *RequireOutputGate {
	return &RequireOutputGate{source: source, kind: kind, key: key}
}

// Name returns the gate identifier
func (g *RequireOutputGate) Name() string {
	return "require-output:" + string(g.source) + "/" + g.key
}

// Check reports a warning when no completed task produced the output.
func (g *RequireOutputGate) Check(_ context.Context, _, to phase.Phase, l *ledger.Ledger) ([]Violation, error) {
	completed := 0
	for _, t := range l.PhaseTasks(g.source) {
		if t.Kind != g.kind || t.Status != ledger.StatusCompleted {
			continue
		}
		completed++
		if t.Outputs[g.key] != "" {
			return nil, nil
		}
	}
	desc := fmt.Sprintf("%s produced no %s before %s", g.source, g.key, to)
	if completed == 0 {
		desc = fmt.Sprintf("%s has no completed %s task; %s starts without a %s", g.source, g.kind, to, g.key)
	}
	return []Violation{{
		Type:        ViolationMissingOutput,
		Phase:       g.source,
		Description: desc,
		Severity:    SeverityWarning,
	}}, nil
}

// VerificationGate ensures test tasks ran real tests (not just help output)
type VerificationGate struct {
	source phase.Phase
}

// NewVerificationGate creates a gate over the test tasks of source.
func NewVerificationGate(source phase.Phase) *VerificationGate {
	return &VerificationGate{source: source}
}

// Name returns the gate identifier
func (g *VerificationGate) Name() string {
	return "verification-gate"
}

// Check validates test verification was performed
func (g *VerificationGate) Check(_ context.Context, _, _ phase.Phase, l *ledger.Ledger) ([]Violation, error) {
	var violations []Violation
	for _, t := range l.PhaseTasks(g.source) {
		if t.Kind != ledger.KindTest || t.Status != ledger.StatusCompleted {
			continue
		}
		if isHelpOutput(t.Outputs[ledger.OutputSummary]) {
			violations = append(violations, Violation{
				Type:        ViolationHelpAsVerification,
				Phase:       g.source,
				TaskID:      t.ID,
				Description: "detected --help output used as test verification instead of actual test run",
				Severity:    SeverityCritical,
			})
			continue
		}
		if _, ok := t.Outputs[ledger.OutputTestsPass]; !ok {
			violations = append(violations, Violation{
				Type:        ViolationTestsNotRun,
				Phase:       g.source,
				TaskID:      t.ID,
				Description: fmt.Sprintf("test task %s completed without a test result", t.ID),
				Severity:    SeverityError,
			})
		}
	}
	return violations, nil
}

// SequentialGate warns when one phase bundled too many edits
type SequentialGate struct {
	maxEdits int
}

// NewSequentialGate creates a new sequential processing gate
func NewSequentialGate() *SequentialGate {
	return &SequentialGate{
		maxEdits: 5, // Warning threshold
	}
}

// Name returns the gate identifier
func (g *SequentialGate) Name() string {
	return "sequential-gate"
}

// Check counts the completed edits of the phase being left.
func (g *SequentialGate) Check(_ context.Context, from, _ phase.Phase, l *ledger.Ledger) ([]Violation, error) {
	edits := 0
	for _, t := range l.PhaseTasks(from) {
		if t.Kind == ledger.KindEdit && t.Status == ledger.StatusCompleted {
			edits++
		}
	}
	if edits <= g.maxEdits {
		return nil, nil
	}
	return []Violation{{
		Type:        ViolationBundledChanges,
		Phase:       from,
		Description: fmt.Sprintf("%d edits applied in a single phase; consider breaking into smaller changes", edits),
		Severity:    SeverityWarning,
	}}, nil
}

var (
	helpPatterns = []string{
		"usage:",
		"--help",
		"-h, --help",
		"show help",
		"show this help",
		"options:",
	}

	// Test result patterns that indicate real tests ran
	testPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(pass|fail|error).*\d+`), // "PASS", "1 passed"
		regexp.MustCompile(`(?i)test.*\([\d.]+s\)`),      // "TestFoo (0.00s)"
		regexp.MustCompile(`(?i)✓|✗`),
		regexp.MustCompile(`(?i)ok\s+\S+\s+[\d.]+s`),  // "ok pkg 0.001s"
		regexp.MustCompile(`(?i)test suites?:\s*\d+`), // "Test Suites: 1"
	}
)

// isHelpOutput detects if output looks like --help output rather than test results
func isHelpOutput(output string) bool {
	if output == "" {
		return false
	}
	for _, pattern := range testPatterns {
		if pattern.MatchString(output) {
			return false
		}
	}

	lower := strings.ToLower(output)
	helpCount := 0
	for _, pattern := range helpPatterns {
		if strings.Contains(lower, pattern) {
			helpCount++
		}
	}
	return helpCount >= 2
}

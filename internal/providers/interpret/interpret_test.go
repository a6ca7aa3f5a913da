package interpret

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/metapod/internal/capability"
	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/ledger"
	"github.com/fyrsmithlabs/metapod/internal/phase"
)

func appendAll(t *testing.T, seeds []capability.TaskSeed) *ledger.Ledger {
	t.Helper()
	l := ledger.New()
	for _, s := range seeds {
		_, err := l.Append(ledger.Task{
			ID:          s.ID,
			Phase:       s.Phase,
			Description: s.Description,
			Kind:        s.Kind,
			Params:      s.Params,
			DependsOn:   s.DependsOn,
			Status:      ledger.StatusPending,
			MaxAttempts: 3,
		})
		require.NoError(t, err, "seed %s", s.ID)
	}
	return l
}

func TestKeyword_SeedsAppendCleanly(t *testing.T) {
	intent, err := Keyword{}.Parse(context.Background(), "/ws", "Harden error handling and add OWASP input validation")
	require.NoError(t, err)

	assert.Equal(t, []string{"error_handling_patterns", "security_best_practices"}, intent.Topics)
	l := appendAll(t, intent.Tasks)

	research := l.PhaseTasks(phase.Research)
	require.Len(t, research, 2)
	assert.Equal(t, "error_handling_patterns", research[0].Params["topic"])
	assert.Equal(t, ledger.KindResearch, research[0].Kind)

	pr, ok := l.Task("pr")
	require.True(t, ok)
	assert.Equal(t, ledger.KindShip, pr.Kind)
	assert.ElementsMatch(t, []string{"test", "observability"}, pr.DependsOn)

	for _, p := range phase.All() {
		assert.NotEmpty(t, l.PhaseTasks(p), "phase %s has no task", p)
	}
}

func TestKeyword_DefaultTopics(t *testing.T) {
	intent, err := Keyword{}.Parse(context.Background(), "/ws", "tidy up the handlers")
	require.NoError(t, err)
	assert.Equal(t, DefaultTopics, intent.Topics)
	assert.Equal(t, "tidy up the handlers", intent.Summary)
}

func TestKeyword_SummaryTruncated(t *testing.T) {
	text := strings.Repeat("x", 150) + "\nsecond line"
	intent, err := Keyword{}.Parse(context.Background(), "/ws", text)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 100)+"...", intent.Summary)
}

func TestKeyword_EmptyRequest(t *testing.T) {
	_, err := Keyword{}.Parse(context.Background(), "/ws", "   ")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Validation))
}

func writePlan(t *testing.T, body string) string {
	t.Helper()
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".metapod"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, DefaultPlanPath), []byte(body), 0o644))
	return ws
}

func TestPlanFile_ReadsPlan(t *testing.T) {
	ws := writePlan(t, `
summary: add request metrics
topics: [observability_standards]
tasks:
  - id: scope
    phase: intake-scoping
    kind: review
    description: confirm scope
  - id: edit
    phase: implement
    kind: edit
    description: add counters
    params:
      package: internal/http
    depends_on: [scope]
    max_attempts: 5
  - id: test
    phase: test-validate
    kind: test
    description: run unit tests
    depends_on: [edit]
`)
	intent, err := PlanFile{}.Parse(context.Background(), ws, "ignored")
	require.NoError(t, err)

	assert.Equal(t, "add request metrics", intent.Summary)
	assert.Equal(t, []string{"observability_standards"}, intent.Topics)
	require.Len(t, intent.Tasks, 3)
	assert.Equal(t, "internal/http", intent.Tasks[1].Params["package"])
	assert.Equal(t, 5, intent.Tasks[1].MaxAttempts)
	appendAll(t, intent.Tasks)
}

func TestPlanFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", "tasks:\n  - id: a\n    phase: plan\n    kind: review\n    owner: me\n", "owner"},
		{"unknown phase", "tasks:\n  - id: a\n    phase: deploy\n    kind: review\n", `unknown phase "deploy"`},
		{"unknown kind", "tasks:\n  - id: a\n    phase: plan\n    kind: build\n", `unknown kind "build"`},
		{"forward dependency", "tasks:\n  - id: a\n    phase: plan\n    kind: review\n    depends_on: [b]\n  - id: b\n    phase: plan\n    kind: review\n", `depends on "b"`},
		{"duplicate", "tasks:\n  - id: a\n    phase: plan\n    kind: review\n  - id: a\n    phase: plan\n    kind: review\n", "duplicate task id"},
		{"empty", "summary: nothing\n", "no tasks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := writePlan(t, tt.body)
			_, err := PlanFile{}.Parse(context.Background(), ws, "text")
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.Validation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPlanFile_FallsBackWithoutPlan(t *testing.T) {
	ws := t.TempDir()

	intent, err := PlanFile{Fallback: Keyword{}}.Parse(context.Background(), ws, "add tracing")
	require.NoError(t, err)
	assert.Equal(t, []string{"observability_standards"}, intent.Topics)

	_, err = PlanFile{}.Parse(context.Background(), ws, "add tracing")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Validation))
}

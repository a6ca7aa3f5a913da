// Package interpret turns a free-text change request into the seed task list
// of a session.
package interpret

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/metapod/internal/capability"
	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/ledger"
	"github.com/fyrsmithlabs/metapod/internal/phase"
)

// DefaultTopics are researched when a request mentions none of the known topics.
var DefaultTopics = []string{
	"latest_framework_patterns",
	"security_best_practices",
	"observability_standards",
}

// topicKeywords maps request words to research topics.
var topicKeywords = map[string][]string{
	"error_handling_patterns":   {"error", "errors", "exception", "problem"},
	"hexagonal_architecture":    {"hexagonal", "ports", "adapters", "architecture"},
	"latest_framework_patterns": {"framework", "upgrade", "migrate", "migration"},
	"observability_standards":   {"observability", "logging", "logs", "metrics", "tracing", "telemetry"},
	"security_best_practices":   {"security", "owasp", "auth", "validation", "secrets"},
}

const summaryLimit = 100

// Keyword seeds the standard refactoring workflow and picks research topics
// from the words of the request.
type Keyword struct{}

// Parse implements capability.Interpreter.
func (Keyword) Parse(_ context.Context, _, text string) (capability.Intent, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return capability.Intent{}, fault.Validationf("interpret.keyword", "request is empty")
	}
	topics := Topics(text)

	tasks := []capability.TaskSeed{
		{ID: "scope", Phase: phase.IntakeScoping, Kind: ledger.KindReview, Description: "Scope & acceptance criteria confirmed"},
		{ID: "baseline", Phase: phase.BaselineForensics, Kind: ledger.KindReview, Description: "Baseline tests/telemetry in place", DependsOn: []string{"scope"}},
		{ID: "plan", Phase: phase.Plan, Kind: ledger.KindReview, Description: "Plan approved (small reversible cuts)", DependsOn: []string{"baseline"}},
	}
	for _, topic := range topics {
		tasks = append(tasks, capability.TaskSeed{
			ID:          "research-" + strings.ReplaceAll(topic, "_", "-"),
			Phase:       phase.Research,
			Kind:        ledger.KindResearch,
			Description: "Research " + strings.ReplaceAll(topic, "_", " "),
			Params:      map[string]string{"topic": topic},
			DependsOn:   []string{"plan"},
		})
	}
	tasks = append(tasks,
		capability.TaskSeed{ID: "implement", Phase: phase.Implement, Kind: ledger.KindEdit, Description: "Implement step 1 (inputs validated, errors standardized)", DependsOn: []string{"plan"}},
		capability.TaskSeed{ID: "test", Phase: phase.TestValidate, Kind: ledger.KindTest, Description: "Tests green (unit/contract/property)", Params: map[string]string{"suite": "unit"}, DependsOn: []string{"implement"}},
		capability.TaskSeed{ID: "observability", Phase: phase.Observability, Kind: ledger.KindReview, Description: "Observability updated (logs/metrics/traces)", DependsOn: []string{"implement"}},
		capability.TaskSeed{ID: "pr", Phase: phase.ShipRollout, Kind: ledger.KindShip, Description: "PR opened with checklist & research notes", DependsOn: []string{"test", "observability"}},
		capability.TaskSeed{ID: "rollout", Phase: phase.ShipRollout, Kind: ledger.KindReview, Description: "Rollout plan & rollback documented", DependsOn: []string{"pr"}},
	)

	return capability.Intent{Summary: summarize(text), Topics: topics, Tasks: tasks}, nil
}

// Topics returns the research topics text asks for, in name order, or
// DefaultTopics when it names none.
func Topics(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	var topics []string
	for topic, keys := range topicKeywords {
		for _, k := range keys {
			if slices.Contains(words, k) {
				topics = append(topics, topic)
				break
			}
		}
	}
	if len(topics) == 0 {
		return slices.Clone(DefaultTopics)
	}
	slices.Sort(topics)
	return topics
}

func summarize(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if r := []rune(text); len(r) > summaryLimit {
		text = string(r[:summaryLimit]) + "..."
	}
	return strings.TrimSpace(text)
}

// DefaultPlanPath is where PlanFile looks inside the workspace.
const DefaultPlanPath = ".metapod/plan.yaml"

// PlanFile reads the task list from a YAML plan committed to the workspace.
// Workspaces without a plan are handled by Fallback.
type PlanFile struct {
	// Path is relative to the workspace. Empty means DefaultPlanPath.
	Path     string
	Fallback capability.Interpreter
}

type planDoc struct {
	Summary string                `yaml:"summary"`
	Topics  []string              `yaml:"topics"`
	Tasks   []capability.TaskSeed `yaml:"tasks"`
}

// Parse implements capability.Interpreter.
func (p PlanFile) Parse(ctx context.Context, workspace, text string) (capability.Intent, error) {
	rel := p.Path
	if rel == "" {
		rel = DefaultPlanPath
	}
	data, err := os.ReadFile(filepath.Join(workspace, rel))
	if errors.Is(err, os.ErrNotExist) {
		if p.Fallback == nil {
			return capability.Intent{}, fault.Validationf("interpret.planfile", "no plan at %s", rel)
		}
		return p.Fallback.Parse(ctx, workspace, text)
	}
	if err != nil {
		return capability.Intent{}, fault.New(fault.Validation, "interpret.planfile", fmt.Errorf("reading %s: %w", rel, err))
	}

	var doc planDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return capability.Intent{}, fault.New(fault.Validation, "interpret.planfile", fmt.Errorf("parsing %s: %w", rel, err))
	}
	if err := validate(doc.Tasks); err != nil {
		return capability.Intent{}, fault.New(fault.Validation, "interpret.planfile", fmt.Errorf("%s: %w", rel, err))
	}
	summary := doc.Summary
	if summary == "" {
		summary = summarize(text)
	}
	return capability.Intent{Summary: summary, Topics: doc.Topics, Tasks: doc.Tasks}, nil
}

func validate(tasks []capability.TaskSeed) error {
	if len(tasks) == 0 {
		return errors.New("plan has no tasks")
	}
	var errs []error
	seen := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		switch {
		case t.ID == "":
			errs = append(errs, fmt.Errorf("task %d has no id", i))
		case seen[t.ID]:
			errs = append(errs, fmt.Errorf("duplicate task id %q", t.ID))
		}
		seen[t.ID] = true
		if !phase.Valid(t.Phase) {
			errs = append(errs, fmt.Errorf("task %q: unknown phase %q", t.ID, t.Phase))
		}
		if !t.Kind.Valid() {
			errs = append(errs, fmt.Errorf("task %q: unknown kind %q", t.ID, t.Kind))
		}
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				errs = append(errs, fmt.Errorf("task %q depends on %q, which is not declared before it", t.ID, dep))
			}
		}
	}
	return errors.Join(errs...)
}

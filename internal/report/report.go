// Package report renders session summaries: the completion report, the TODO
// status view and the change request description.
package report

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/fyrsmithlabs/metapod/internal/ledger"
	"github.com/fyrsmithlabs/metapod/internal/phase"
	"github.com/fyrsmithlabs/metapod/internal/session"
)

// researchNoteLimit caps research summaries in the completion report.
const researchNoteLimit = 100

// Data is everything the templates can reference.
type Data struct {
	SessionID string
	Workspace string
	Request   string
	Intent    string
	Autonomy  string
	Phase     string
	State     string
	Completed int
	Skipped   int
	Total     int
	Tasks     []TaskLine
	Research  []ResearchNote
	Diffs     []string
	Tests     []TestLine
	Error     string
}

// TaskLine is one row of the TODO list.
type TaskLine struct {
	ID          string
	Phase       string
	Description string
	Status      ledger.Status
	Mark        string
}

// ResearchNote is the outcome of one research task.
type ResearchNote struct {
	Topic     string
	Summary   string
	Citations []string
}

// TestLine is the outcome of one test task.
type TestLine struct {
	TaskID  string
	Passed  bool
	Summary string
}

// Mark returns the status glyph of a task.
func Mark(s ledger.Status) string {
	switch s {
	case ledger.StatusCompleted:
		return "✅"
	case ledger.StatusSkipped:
		return "⏭️"
	case ledger.StatusFailed:
		return "❌"
	case ledger.StatusInProgress:
		return "🔄"
	default:
		return "⏳"
	}
}

// Build collects template data from s.
func Build(s *session.Session) Data {
	d := Data{
		SessionID: s.ID,
		Workspace: s.Workspace,
		Request:   s.Request,
		Intent:    s.Intent,
		Autonomy:  string(s.Autonomy),
		Phase:     phaseLabel(s),
		State:     string(s.State()),
		Error:     s.Error,
	}
	if s.Ledger == nil {
		return d
	}
	for _, t := range s.Ledger.Tasks() {
		d.Total++
		switch t.Status {
		case ledger.StatusCompleted:
			d.Completed++
		case ledger.StatusSkipped:
			d.Skipped++
		}
		d.Tasks = append(d.Tasks, TaskLine{
			ID:          t.ID,
			Phase:       string(t.Phase),
			Description: t.Description,
			Status:      t.Status,
			Mark:        Mark(t.Status),
		})
		switch t.Kind {
		case ledger.KindResearch:
			if sum := t.Outputs[ledger.OutputSummary]; sum != "" {
				topic := t.Params["topic"]
				if topic == "" {
					topic = t.ID
				}
				d.Research = append(d.Research, ResearchNote{
					Topic:     topic,
					Summary:   sum,
					Citations: splitList(t.Outputs[ledger.OutputCitations]),
				})
			}
		case ledger.KindEdit:
			if id := t.Outputs[ledger.OutputDiffID]; id != "" {
				d.Diffs = append(d.Diffs, id)
			}
		case ledger.KindTest:
			if v, ok := t.Outputs[ledger.OutputTestsPass]; ok {
				d.Tests = append(d.Tests, TestLine{
					TaskID:  t.ID,
					Passed:  v == "true",
					Summary: t.Outputs[ledger.OutputSummary],
				})
			}
		}
	}
	return d
}

func phaseLabel(s *session.Session) string {
	p, ok := s.CurrentPhase()
	if !ok {
		return "done"
	}
	return string(p)
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, "\n") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

var funcs = template.FuncMap{
	"note": func(s string) string {
		return truncate(s, researchNoteLimit)
	},
	"title": func(p string) string {
		return phase.Phase(p).Title()
	},
	"join": strings.Join,
}

var (
	completionTmpl = template.Must(template.New("completion").Funcs(funcs).Parse(completionText))
	todoTmpl       = template.Must(template.New("todo").Funcs(funcs).Parse(todoText))
	changeTmpl     = template.Must(template.New("change-request").Funcs(funcs).Parse(changeRequestText))
)

func render(t *template.Template, d Data) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// Completion renders the markdown completion report of s.
func Completion(s *session.Session) (string, error) {
	return render(completionTmpl, Build(s))
}

// Todo renders the TODO status block of s.
func Todo(s *session.Session) (string, error) {
	return render(todoTmpl, Build(s))
}

// ChangeRequest renders the change request description of s.
func ChangeRequest(s *session.Session) (string, error) {
	return render(changeTmpl, Build(s))
}

// Checklist returns the review checklist attached to change requests.
func Checklist(s *session.Session) []string {
	d := Build(s)
	items := []string{
		"Scope: behavior preserved",
		"Architecture: ports and adapters reviewed",
		"Security: input validation and error handling",
		"Reliability: timeouts, retries, backoff and breakers",
		"Observability: structured logs with correlation ids",
	}
	if len(d.Tests) > 0 {
		passed := true
		for _, t := range d.Tests {
			passed = passed && t.Passed
		}
		if passed {
			items = append(items, "Testing: all suites passed")
		} else {
			items = append(items, "Testing: failing suites need attention")
		}
	} else {
		items = append(items, "Testing: no suites recorded")
	}
	return append(items, "Release: rollout and rollback plan")
}

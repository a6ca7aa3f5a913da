package coordinator

import (
	"time"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/ledger"
	"github.com/fyrsmithlabs/metapod/internal/session"
)

// Summary is the externally visible state of a session.
type Summary struct {
	ID         string             `json:"id"`
	Workspace  string             `json:"workspace"`
	Request    string             `json:"request"`
	Autonomy   autonomy.Level     `json:"autonomy"`
	Phase      string             `json:"phase"`
	PhaseIndex int                `json:"phase_index"`
	Status     session.Status     `json:"status"`
	State      session.State      `json:"state"`
	Block      *session.Block     `json:"block,omitempty"`
	Error      string             `json:"error,omitempty"`
	Tasks      []ledger.Task      `json:"tasks"`
	Approvals  []autonomy.Request `json:"approvals,omitempty"`
	// Percent is (completed + skipped) / total * 100.
	Percent   float64   `json:"percent"`
	Running   bool      `json:"running"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task returns the task with id from the summary.
func (s Summary) Task(id string) (ledger.Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return ledger.Task{}, false
}

func summarize(s *session.Session, running bool) Summary {
	sum := Summary{
		ID:         s.ID,
		Workspace:  s.Workspace,
		Request:    s.Request,
		Autonomy:   s.Autonomy,
		Phase:      phaseName(s),
		PhaseIndex: s.PhaseIndex,
		Status:     s.Status,
		State:      s.State(),
		Error:      s.Error,
		Approvals:  s.PendingApprovals(),
		Running:    running,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
	if s.Block != nil {
		b := *s.Block
		sum.Block = &b
	}
	if s.Ledger != nil {
		sum.Tasks = s.Ledger.Tasks()
		counts := s.Ledger.Counts()
		if total := len(sum.Tasks); total > 0 {
			done := counts[ledger.StatusCompleted] + counts[ledger.StatusSkipped]
			sum.Percent = float64(done) / float64(total) * 100
		}
	}
	return sum
}

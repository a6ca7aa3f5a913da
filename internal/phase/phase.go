// Package phase defines the fixed, ordered sequence of phases a session moves through.
package phase

import "fmt"

// Phase identifies one step of the change process.
type Phase string

const (
	IntakeScoping     Phase = "intake-scoping"
	BaselineForensics Phase = "baseline-forensics"
	Plan              Phase = "plan"
	Research          Phase = "research"
	Implement         Phase = "implement"
	TestValidate      Phase = "test-validate"
	Observability     Phase = "observability"
	ShipRollout       Phase = "ship-rollout"
)

var order = []Phase{
	IntakeScoping,
	BaselineForensics,
	Plan,
	Research,
	Implement,
	TestValidate,
	Observability,
	ShipRollout,
}

var titles = map[Phase]string{
	IntakeScoping:     "Intake & Scoping",
	BaselineForensics: "Baseline & Forensics",
	Plan:              "Plan",
	Research:          "Research",
	Implement:         "Implement",
	TestValidate:      "Test & Validate",
	Observability:     "Observability",
	ShipRollout:       "Ship & Rollout",
}

// Count is the number of phases. A session whose phase index equals Count is done.
const Count = 8

// All returns all phases in execution order.
func All() []Phase {
	out := make([]Phase, len(order))
	copy(out, order)
	return out
}

// At returns the phase at index i.
func At(i int) (Phase, bool) {
	if i < 0 || i >= len(order) {
		return "", false
	}
	return order[i], true
}

// Index returns the position of p, or -1 when p is unknown.
func Index(p Phase) int {
	for i, q := range order {
		if q == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is one of the defined phases.
func Valid(p Phase) bool {
	return Index(p) >= 0
}

// Parse converts a string to a Phase.
func Parse(s string) (Phase, error) {
	p := Phase(s)
	if !Valid(p) {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// Title returns the display name of p.
func (p Phase) Title() string {
	if t, ok := titles[p]; ok {
		return t
	}
	return string(p)
}

// String implements fmt.Stringer.
func (p Phase) String() string {
	return string(p)
}

// Before reports whether p comes strictly before q.
func (p Phase) Before(q Phase) bool {
	return Index(p) < Index(q)
}

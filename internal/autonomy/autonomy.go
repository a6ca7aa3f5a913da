// Package autonomy decides which task transitions need an external approval
// and tracks the approval requests that gate them.
package autonomy

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/metapod/internal/ledger"
)

// Level is the autonomy policy of a session.
type Level string

const (
	// Full never asks for approval.
	Full Level = "full"
	// Interactive asks before tasks that mutate the workspace.
	Interactive Level = "interactive"
	// Guided asks before every task.
	Guided Level = "guided"
)

// Levels returns every level from least to most supervised.
func Levels() []Level {
	return []Level{Full, Interactive, Guided}
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case Full, Interactive, Guided:
		return true
	}
	return false
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("unknown autonomy level %q (want full, interactive or guided)", s)
	}
	return l, nil
}

// Mutating reports whether tasks of kind change the external workspace.
func Mutating(kind ledger.Kind) bool {
	return kind == ledger.KindEdit || kind == ledger.KindShip
}

// RequiresApproval reports whether t must be approved before it runs under level.
func RequiresApproval(t ledger.Task, level Level) bool {
	switch level {
	case Guided:
		return true
	case Interactive:
		return Mutating(t.Kind)
	default:
		return false
	}
}

package autonomy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/metapod/internal/ledger"
)

func TestRequiresApproval(t *testing.T) {
	tests := []struct {
		kind  ledger.Kind
		level Level
		want  bool
	}{
		{ledger.KindReview, Full, false},
		{ledger.KindEdit, Full, false},
		{ledger.KindShip, Full, false},
		{ledger.KindReview, Interactive, false},
		{ledger.KindResearch, Interactive, false},
		{ledger.KindTest, Interactive, false},
		{ledger.KindEdit, Interactive, true},
		{ledger.KindShip, Interactive, true},
		{ledger.KindReview, Guided, true},
		{ledger.KindResearch, Guided, true},
		{ledger.KindEdit, Guided, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.level)+"/"+string(tt.kind), func(t *testing.T) {
			task := ledger.Task{ID: "t", Kind: tt.kind}
			assert.Equal(t, tt.want, RequiresApproval(task, tt.level))
		})
	}
}

func TestRequiresApproval_IgnoresStatus(t *testing.T) {
	task := ledger.Task{ID: "t", Kind: ledger.KindEdit, Status: ledger.StatusFailed, Attempts: 2}
	assert.True(t, RequiresApproval(task, Interactive))
	task.Status = ledger.StatusPending
	assert.True(t, RequiresApproval(task, Interactive))
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel(" Guided ")
	require.NoError(t, err)
	assert.Equal(t, Guided, l)

	_, err = ParseLevel("yolo")
	assert.Error(t, err)
}

package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAll_Order(t *testing.T) {
	all := All()
	require.Len(t, all, Count)
	assert.Equal(t, IntakeScoping, all[0])
	assert.Equal(t, ShipRollout, all[Count-1])

	// mutating the copy must not affect the canonical order
	all[0] = ShipRollout
	assert.Equal(t, IntakeScoping, All()[0])
}

func TestIndexAndAt(t *testing.T) {
	for i, p := range All() {
		assert.Equal(t, i, Index(p))
		got, ok := At(i)
		require.True(t, ok)
		assert.Equal(t, p, got)
	}
	_, ok := At(Count)
	assert.False(t, ok)
	assert.Equal(t, -1, Index("deploy"))
}

func TestParse(t *testing.T) {
	p, err := Parse("test-validate")
	require.NoError(t, err)
	assert.Equal(t, TestValidate, p)

	_, err = Parse("deploy")
	assert.Error(t, err)
}

func TestBeforeAndTitle(t *testing.T) {
	assert.True(t, Plan.Before(Research))
	assert.False(t, ShipRollout.Before(Plan))
	assert.Equal(t, "Test & Validate", TestValidate.Title())
}

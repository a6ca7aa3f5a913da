package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/metapod/internal/capability"
	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/phase"
)

func TestOpenChangeRequest_Idempotent(t *testing.T) {
	ws := t.TempDir()
	s := New(nil)
	cr := capability.ChangeRequest{
		Token:       capability.ShipToken("s-1", phase.ShipRollout),
		Title:       "Add request metrics",
		Description: "Adds counters to the HTTP layer.",
		Checklist:   []string{"Tests green", "Dashboards updated"},
	}

	first, err := s.OpenChangeRequest(context.Background(), ws, cr)
	require.NoError(t, err)
	assert.False(t, first.Reused)
	assert.Equal(t, "local-"+cr.Token[:12], first.RequestID)

	cr.Title = "changed title"
	second, err := s.OpenChangeRequest(context.Background(), ws, cr)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.RequestID, second.RequestID)

	data, err := os.ReadFile(filepath.Join(ws, Dir, cr.Token+".md"))
	require.NoError(t, err)
	body := string(data)
	assert.Contains(t, body, "# Add request metrics\n")
	assert.NotContains(t, body, "changed title")
	assert.Contains(t, body, "- [ ] Dashboards updated\n")
	assert.Contains(t, body, "<!-- metapod-token: "+cr.Token+" -->")
}

func TestOpenChangeRequest_InvalidToken(t *testing.T) {
	for _, token := range []string{"", "../escape"} {
		_, err := New(nil).OpenChangeRequest(context.Background(), t.TempDir(), capability.ChangeRequest{Token: token})
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.Validation))
	}
}

package gitedit

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/capability"
	"github.com/fyrsmithlabs/metapod/internal/fault"
)

func initRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return dir, repo
}

func commits(t *testing.T, repo *git.Repository) []*object.Commit {
	t.Helper()
	head, err := repo.Head()
	require.NoError(t, err)
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	require.NoError(t, err)
	var out []*object.Commit
	require.NoError(t, iter.ForEach(func(c *object.Commit) error {
		out = append(out, c)
		return nil
	}))
	return out
}

var spec = capability.ChangeSpec{
	SessionID:   "s-1",
	TaskID:      "implement",
	Description: "validate inputs",
	Params:      map[string]string{"target-file": "handler.go"},
}

func TestApplyChange_CommitsOnce(t *testing.T) {
	dir, repo := initRepo(t)
	e := New(Config{Command: `echo "// $METAPOD_TASK_ID" >> "$METAPOD_PARAM_TARGET_FILE"`}, zap.NewNop())

	first, err := e.ApplyChange(context.Background(), dir, spec)
	require.NoError(t, err)
	assert.False(t, first.Reused)
	assert.Equal(t, DiffID(dir, spec), first.DiffID)

	data, err := os.ReadFile(filepath.Join(dir, "handler.go"))
	require.NoError(t, err)
	assert.Equal(t, "// implement\n", string(data))

	second, err := e.ApplyChange(context.Background(), dir, spec)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.DiffID, second.DiffID)

	data, err = os.ReadFile(filepath.Join(dir, "handler.go"))
	require.NoError(t, err)
	assert.Equal(t, "// implement\n", string(data), "command not run again")

	log := commits(t, repo)
	require.Len(t, log, 1)
	assert.Contains(t, log[0].Message, "metapod: validate inputs")
	assert.Contains(t, log[0].Message, Trailer+": "+first.DiffID)
	assert.Equal(t, "metapod", log[0].Author.Name)
}

func TestApplyChange_DistinctSpecs(t *testing.T) {
	dir, repo := initRepo(t)
	e := New(Config{}, nil)

	a, err := e.ApplyChange(context.Background(), dir, spec)
	require.NoError(t, err)
	other := spec
	other.TaskID = "implement-2"
	b, err := e.ApplyChange(context.Background(), dir, other)
	require.NoError(t, err)

	assert.NotEqual(t, a.DiffID, b.DiffID)
	assert.Len(t, commits(t, repo), 2)
}

func TestApplyChange_CommandFailure(t *testing.T) {
	dir, _ := initRepo(t)
	e := New(Config{Command: "echo broken patch >&2; exit 3"}, nil)

	_, err := e.ApplyChange(context.Background(), dir, spec)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Validation))
	assert.Contains(t, err.Error(), "broken patch")
}

func TestApplyChange_CancelledIsTransient(t *testing.T) {
	dir, _ := initRepo(t)
	e := New(Config{Command: "sleep 5"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.ApplyChange(ctx, dir, spec)
	require.Error(t, err)
	assert.True(t, fault.IsRetryable(err))
}

func TestApplyChange_NotARepository(t *testing.T) {
	_, err := New(Config{}, nil).ApplyChange(context.Background(), t.TempDir(), spec)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Validation))
}

func TestDiffID(t *testing.T) {
	a := DiffID("/ws", spec)
	assert.Len(t, a, 64)
	assert.Equal(t, a, DiffID("/ws", spec))
	assert.NotEqual(t, a, DiffID("/other", spec))
}

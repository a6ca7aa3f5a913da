package github

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/metapod/internal/fault"
)

func TestGitPusher(t *testing.T) {
	remoteDir := t.TempDir()
	remote, err := git.PlainInit(remoteDir, true)
	require.NoError(t, err)

	ws := t.TempDir()
	repo, err := git.PlainInit(ws, false)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{remoteDir}})
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)
	head, err := wt.Commit("initial", &git.CommitOptions{
		Author:            &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
		AllowEmptyCommits: true,
	})
	require.NoError(t, err)

	push := GitPusher("", "")
	require.NoError(t, push(context.Background(), ws, "metapod/abc"))
	require.NoError(t, push(context.Background(), ws, "metapod/abc"), "pushing again is a no-op")

	ref, err := remote.Reference(plumbing.NewBranchReferenceName("metapod/abc"), true)
	require.NoError(t, err)
	assert.Equal(t, head, ref.Hash())
}

func TestGitPusher_NotARepository(t *testing.T) {
	err := GitPusher("origin", "")(context.Background(), t.TempDir(), "metapod/abc")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Validation))
}

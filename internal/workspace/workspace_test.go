package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/metapod/internal/fault"
)

func TestResolve_Invalid(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	tests := []struct {
		name string
		path string
	}{
		{"empty", "  "},
		{"missing", filepath.Join(dir, "nope")},
		{"file", file},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.path)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.True(t, fault.Is(err, fault.Validation))
		})
	}
}

func TestInspect_Indicators(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o600))

	info, err := Inspect(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"package.json", "go.mod"}, info.Indicators)
	assert.Nil(t, info.Git)
	assert.Contains(t, info.Summary(), "indicators: package.json, go.mod")
}

func TestInspect_GitRepository(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{"https://github.com/acme/app.git"}})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o600))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	hash, err := wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "t", Email: "t@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	info, err := Inspect(dir)
	require.NoError(t, err)
	require.NotNil(t, info.Git)
	assert.Equal(t, hash.String(), info.Git.Head)
	assert.Equal(t, "master", info.Git.Branch)
	assert.Equal(t, "https://github.com/acme/app.git", info.Git.Origin)
	assert.Contains(t, info.Indicators, ".git")
	assert.Contains(t, info.Summary(), "branch master")
}

// Package workspace validates and inspects the codebase a session works on.
package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"

	"github.com/fyrsmithlabs/metapod/internal/fault"
)

// ErrInvalid is returned when a workspace reference cannot be used.
var ErrInvalid = errors.New("invalid workspace")

// indicators are files whose presence identifies a project root.
var indicators = []string{
	"package.json",
	"requirements.txt",
	"go.mod",
	"Cargo.toml",
	"pom.xml",
	"build.gradle",
	".git",
}

// Info describes a workspace.
type Info struct {
	Path       string   `json:"path"`
	Indicators []string `json:"indicators,omitempty"`
	Git        *Git     `json:"git,omitempty"`
}

// Git holds the repository state of a workspace.
type Git struct {
	Head   string `json:"head,omitempty"`
	Branch string `json:"branch,omitempty"`
	Origin string `json:"origin,omitempty"`
}

// Resolve returns the absolute, cleaned form of path after checking that it
// is an existing directory.
func Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fault.New(fault.Validation, "workspace.resolve", errors.Join(ErrInvalid, errors.New("path is required")))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fault.New(fault.Validation, "workspace.resolve", errors.Join(ErrInvalid, err))
	}
	st, err := os.Stat(abs)
	if err != nil {
		return "", fault.Newf(fault.Validation, "workspace.resolve", errors.Join(ErrInvalid, err), "path %s", abs)
	}
	if !st.IsDir() {
		return "", fault.Newf(fault.Validation, "workspace.resolve", ErrInvalid, "%s is not a directory", abs)
	}
	return abs, nil
}

// Inspect validates path and gathers project indicators and git state.
// A workspace that is not a git repository is still valid.
func Inspect(path string) (Info, error) {
	abs, err := Resolve(path)
	if err != nil {
		return Info{}, err
	}
	info := Info{Path: abs}
	for _, name := range indicators {
		if _, err := os.Stat(filepath.Join(abs, name)); err == nil {
			info.Indicators = append(info.Indicators, name)
		}
	}
	info.Git = inspectGit(abs)
	return info, nil
}

func inspectGit(path string) *Git {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil
	}
	g := &Git{}
	if head, err := repo.Head(); err == nil {
		g.Head = head.Hash().String()
		if head.Name().IsBranch() {
			g.Branch = head.Name().Short()
		}
	}
	if remote, err := repo.Remote("origin"); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			g.Origin = urls[0]
		}
	}
	return g
}

// Summary renders info as a single note line.
func (i Info) Summary() string {
	var b strings.Builder
	b.WriteString("workspace ")
	b.WriteString(i.Path)
	if len(i.Indicators) > 0 {
		b.WriteString("; indicators: ")
		b.WriteString(strings.Join(i.Indicators, ", "))
	} else {
		b.WriteString("; no project indicators")
	}
	if i.Git != nil {
		if i.Git.Branch != "" {
			b.WriteString("; branch ")
			b.WriteString(i.Git.Branch)
		}
		if i.Git.Head != "" {
			b.WriteString("; head ")
			b.WriteString(shortHash(i.Git.Head))
		}
		if i.Git.Origin != "" {
			b.WriteString("; origin ")
			b.WriteString(i.Git.Origin)
		}
	}
	return b.String()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// Package gitedit applies changes to a git workspace by running a
// configured edit command and committing the result.
//
// Every commit carries a Metapod-Change trailer holding the diff id, so a
// change that was already committed is recognised and not applied twice.
package gitedit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/capability"
	"github.com/fyrsmithlabs/metapod/internal/fault"
)

// Trailer marks commits made by the editor.
const Trailer = "Metapod-Change"

const (
	defaultAuthorName  = "metapod"
	defaultAuthorEmail = "metapod@localhost"
	// scanLimit bounds how far back history is searched for a trailer.
	scanLimit = 1000
	waitDelay = 5 * time.Second
	tailLen   = 2000
)

// Config configures an Editor.
type Config struct {
	// Command is run with sh -c in the workspace. Empty commits whatever
	// is already in the worktree.
	Command     string
	AuthorName  string
	AuthorEmail string
}

// Editor implements capability.Editor.
type Editor struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates an Editor.
func New(cfg Config, logger *zap.Logger) *Editor {
	if cfg.AuthorName == "" {
		cfg.AuthorName = defaultAuthorName
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = defaultAuthorEmail
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Editor{cfg: cfg, logger: logger.Named("gitedit"), now: time.Now}
}

// DiffID derives the identifier of applying spec to workspace.
func DiffID(workspace string, spec capability.ChangeSpec) string {
	// encoding/json sorts map keys, so equal specs encode identically.
	data, _ := json.Marshal(spec)
	h := sha256.New()
	h.Write([]byte(workspace))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ApplyChange implements capability.Editor.
func (e *Editor) ApplyChange(ctx context.Context, workspace string, spec capability.ChangeSpec) (capability.Change, error) {
	id := DiffID(workspace, spec)
	log := e.logger.With(zap.String("task_id", spec.TaskID), zap.String("diff_id", id[:12]))

	repo, err := git.PlainOpen(workspace)
	if err != nil {
		return capability.Change{}, fault.Newf(fault.Validation, "gitedit.open", err, "workspace=%s", workspace)
	}

	found, err := findChange(repo, id)
	if err != nil {
		return capability.Change{}, fault.New(fault.Fatal, "gitedit.scan", err)
	}
	if found != plumbing.ZeroHash {
		log.Info("change already committed", zap.String("commit", found.String()))
		return capability.Change{DiffID: id, Reused: true}, nil
	}

	if e.cfg.Command != "" {
		if err := e.run(ctx, workspace, spec); err != nil {
			return capability.Change{}, err
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return capability.Change{}, fault.New(fault.Validation, "gitedit.worktree", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return capability.Change{}, fault.New(fault.Fatal, "gitedit.add", err)
	}
	hash, err := wt.Commit(message(spec, id), &git.CommitOptions{
		Author: &object.Signature{
			Name:  e.cfg.AuthorName,
			Email: e.cfg.AuthorEmail,
			When:  e.now(),
		},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return capability.Change{}, fault.New(fault.Fatal, "gitedit.commit", err)
	}

	log.Info("change committed", zap.String("commit", hash.String()))
	return capability.Change{DiffID: id}, nil
}

func (e *Editor) run(ctx context.Context, workspace string, spec capability.ChangeSpec) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", e.cfg.Command)
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(), env(spec)...)
	cmd.WaitDelay = waitDelay

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fault.New(fault.Transient, "gitedit.run", ctxErr)
		}
		return fault.Newf(fault.Validation, "gitedit.run", err, "output: %s", tail(out.String()))
	}
	return nil
}

func env(spec capability.ChangeSpec) []string {
	vars := []string{
		"METAPOD_SESSION_ID=" + spec.SessionID,
		"METAPOD_TASK_ID=" + spec.TaskID,
		"METAPOD_DESCRIPTION=" + spec.Description,
	}
	keys := make([]string, 0, len(spec.Params))
	for k := range spec.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.ToUpper(strings.Map(func(r rune) rune {
			if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
				return r
			}
			return '_'
		}, k))
		vars = append(vars, "METAPOD_PARAM_"+name+"="+spec.Params[k])
	}
	return vars
}

func message(spec capability.ChangeSpec, id string) string {
	subject := spec.Description
	if subject == "" {
		subject = spec.TaskID
	}
	return fmt.Sprintf("metapod: %s\n\nSession: %s\nTask: %s\n\n%s: %s\n", subject, spec.SessionID, spec.TaskID, Trailer, id)
}

// findChange returns the commit carrying the trailer for id, or the zero
// hash. An empty repository has no such commit.
func findChange(repo *git.Repository, id string) (plumbing.Hash, error) {
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return plumbing.ZeroHash, err
	}
	defer iter.Close()

	marker := Trailer + ": " + id
	found := plumbing.ZeroHash
	seen := 0
	err = iter.ForEach(func(c *object.Commit) error {
		if strings.Contains(c.Message, marker) {
			found = c.Hash
			return storer.ErrStop
		}
		seen++
		if seen >= scanLimit {
			return storer.ErrStop
		}
		return nil
	})
	return found, err
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > tailLen {
		return "..." + s[len(s)-tailLen:]
	}
	return s
}

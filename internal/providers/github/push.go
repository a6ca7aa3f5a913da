package github

import (
	"context"
	"errors"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/fyrsmithlabs/metapod/internal/config"
	"github.com/fyrsmithlabs/metapod/internal/fault"
)

// GitPusher returns a PushFunc that points branch at the workspace HEAD and
// pushes it to remote. When token is set it authenticates over HTTPS.
func GitPusher(remote string, token config.Secret) PushFunc {
	if remote == "" {
		remote = git.DefaultRemoteName
	}
	var auth transport.AuthMethod
	if token.IsSet() {
		auth = &githttp.BasicAuth{Username: "x-access-token", Password: token.Value()}
	}

	return func(ctx context.Context, workspace, branch string) error {
		repo, err := git.PlainOpen(workspace)
		if err != nil {
			return fault.Newf(fault.Validation, "ship.github.push", err, "workspace=%s", workspace)
		}
		head, err := repo.Head()
		if err != nil {
			return fault.New(fault.Validation, "ship.github.push", err)
		}

		ref := plumbing.NewBranchReferenceName(branch)
		if err := repo.Storer.SetReference(plumbing.NewHashReference(ref, head.Hash())); err != nil {
			return fault.New(fault.Fatal, "ship.github.push", err)
		}

		err = repo.PushContext(ctx, &git.PushOptions{
			RemoteName: remote,
			RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(ref + ":" + ref)},
			Auth:       auth,
			Force:      true,
		})
		switch {
		case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
			return nil
		case errors.Is(err, transport.ErrAuthenticationRequired),
			errors.Is(err, transport.ErrAuthorizationFailed),
			errors.Is(err, transport.ErrRepositoryNotFound),
			errors.Is(err, git.ErrRemoteNotFound):
			return fault.New(fault.Validation, "ship.github.push", err)
		default:
			return fault.New(fault.Transient, "ship.github.push", err)
		}
	}
}

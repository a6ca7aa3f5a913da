package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/capability"
	"github.com/fyrsmithlabs/metapod/internal/fault"
)

// BranchPrefix prefixes the head branch of every pull request.
const BranchPrefix = "metapod/"

// PushFunc publishes the workspace HEAD as branch before a pull request is opened.
type PushFunc func(ctx context.Context, workspace, branch string) error

// Config configures a Shipper.
type Config struct {
	Owner      string
	Repo       string
	BaseBranch string
	// Push is optional. Without it the branch must already exist on GitHub.
	Push PushFunc
}

// Shipper implements capability.Shipper against the GitHub API.
//
// Pull requests are found again by their head branch, which is derived
// from the request token, and by a token marker in the body.
type Shipper struct {
	client *github.Client
	cfg    Config
	logger *zap.Logger
}

// New creates a Shipper.
func New(client *github.Client, cfg Config, logger *zap.Logger) (*Shipper, error) {
	if client == nil {
		return nil, errors.New("github client is required")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.New("github owner and repo are required")
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shipper{client: client, cfg: cfg, logger: logger.Named("ship.github")}, nil
}

// Branch returns the head branch used for token.
func Branch(token string) string {
	if len(token) > 12 {
		token = token[:12]
	}
	return BranchPrefix + token
}

func marker(token string) string {
	return "<!-- metapod-token: " + token + " -->"
}

// OpenChangeRequest implements capability.Shipper.
func (s *Shipper) OpenChangeRequest(ctx context.Context, workspace string, cr capability.ChangeRequest) (capability.Opened, error) {
	if cr.Token == "" {
		return capability.Opened{}, fault.Validationf("ship.github", "token is required")
	}
	branch := Branch(cr.Token)
	log := s.logger.With(zap.String("branch", branch))

	if pr, err := s.find(ctx, cr.Token, branch); err != nil {
		return capability.Opened{}, err
	} else if pr != nil {
		log.Info("pull request already open", zap.Int("number", pr.GetNumber()))
		return opened(pr, true), nil
	}

	if s.cfg.Push != nil {
		if err := s.cfg.Push(ctx, workspace, branch); err != nil {
			return capability.Opened{}, err
		}
	}

	pr, resp, err := s.client.PullRequests.Create(ctx, s.cfg.Owner, s.cfg.Repo, &github.NewPullRequest{
		Title: github.String(cr.Title),
		Head:  github.String(branch),
		Base:  github.String(s.cfg.BaseBranch),
		Body:  github.String(Body(cr)),
	})
	if err != nil {
		// Lost a race with an earlier attempt whose response never arrived.
		if statusCode(resp) == http.StatusUnprocessableEntity && strings.Contains(err.Error(), "already exists") {
			if existing, findErr := s.find(ctx, cr.Token, branch); findErr == nil && existing != nil {
				return opened(existing, true), nil
			}
		}
		return capability.Opened{}, classify("ship.github.create", resp, err)
	}

	log.Info("pull request opened", zap.Int("number", pr.GetNumber()), zap.String("url", pr.GetHTMLURL()))
	return opened(pr, false), nil
}

// find looks for a pull request opened earlier for token.
func (s *Shipper) find(ctx context.Context, token, branch string) (*github.PullRequest, error) {
	prs, resp, err := s.client.PullRequests.List(ctx, s.cfg.Owner, s.cfg.Repo, &github.PullRequestListOptions{
		State: "all",
		Head:  s.cfg.Owner + ":" + branch,
	})
	if err != nil {
		return nil, classify("ship.github.list", resp, err)
	}
	if len(prs) > 0 {
		return prs[0], nil
	}

	query := fmt.Sprintf("repo:%s/%s is:pr in:body %q", s.cfg.Owner, s.cfg.Repo, "metapod-token: "+token)
	result, resp, err := s.client.Search.Issues(ctx, query, nil)
	if err != nil {
		return nil, classify("ship.github.search", resp, err)
	}
	for _, issue := range result.Issues {
		if !strings.Contains(issue.GetBody(), marker(token)) {
			continue
		}
		pr, resp, err := s.client.PullRequests.Get(ctx, s.cfg.Owner, s.cfg.Repo, issue.GetNumber())
		if err != nil {
			return nil, classify("ship.github.get", resp, err)
		}
		return pr, nil
	}
	return nil, nil
}

func opened(pr *github.PullRequest, reused bool) capability.Opened {
	return capability.Opened{
		RequestID: fmt.Sprintf("#%d", pr.GetNumber()),
		URL:       pr.GetHTMLURL(),
		Reused:    reused,
	}
}

// Body renders the pull request description.
func Body(cr capability.ChangeRequest) string {
	var b strings.Builder
	if cr.Description != "" {
		b.WriteString(strings.TrimSpace(cr.Description))
		b.WriteString("\n\n")
	}
	if len(cr.Checklist) > 0 {
		b.WriteString("### Checklist\n\n")
		for _, item := range cr.Checklist {
			fmt.Fprintf(&b, "- [ ] %s\n", item)
		}
		b.WriteString("\n")
	}
	b.WriteString(marker(cr.Token))
	b.WriteString("\n")
	return b.String()
}

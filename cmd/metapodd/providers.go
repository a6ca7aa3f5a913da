package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/capability"
	"github.com/fyrsmithlabs/metapod/internal/config"
	"github.com/fyrsmithlabs/metapod/internal/providers/gitedit"
	"github.com/fyrsmithlabs/metapod/internal/providers/github"
	"github.com/fyrsmithlabs/metapod/internal/providers/interpret"
	"github.com/fyrsmithlabs/metapod/internal/providers/local"
	"github.com/fyrsmithlabs/metapod/internal/providers/research"
	"github.com/fyrsmithlabs/metapod/internal/providers/testrun"
)

// capabilities builds the collaborators selected by cfg.
func capabilities(ctx context.Context, cfg *config.Config, logger *zap.Logger) (capability.Set, error) {
	set := capability.Set{
		Researcher: research.New(research.Config{
			RequestsPerSecond: cfg.Research.RequestsPerSecond,
			MaxSources:        cfg.Research.MaxSources,
			UserAgent:         cfg.Research.UserAgent,
			Sources:           cfg.Research.Sources,
		}, logger),
		Editor: gitedit.New(gitedit.Config{
			Command:     cfg.Edit.Command,
			AuthorName:  cfg.Edit.AuthorName,
			AuthorEmail: cfg.Edit.AuthorEmail,
		}, logger),
		Tester: testrun.New(testrun.Config{
			Command: cfg.Test.Command,
			Suites:  cfg.Test.Suites,
		}, logger),
	}

	switch cfg.Engine.Interpreter {
	case "keyword":
		set.Interpreter = interpret.Keyword{}
	case "planfile":
		set.Interpreter = interpret.PlanFile{Fallback: interpret.Keyword{}}
	default:
		return capability.Set{}, fmt.Errorf("unknown interpreter %q", cfg.Engine.Interpreter)
	}

	switch cfg.Engine.Ship {
	case "local":
		set.Shipper = local.New(logger)
	case "github":
		client, err := github.NewClient(ctx, cfg.GitHub.Token, cfg.GitHub.APIURL)
		if err != nil {
			return capability.Set{}, err
		}
		gcfg := github.Config{
			Owner:      cfg.GitHub.Owner,
			Repo:       cfg.GitHub.Repo,
			BaseBranch: cfg.GitHub.BaseBranch,
		}
		if cfg.GitHub.Remote != "" {
			gcfg.Push = github.GitPusher(cfg.GitHub.Remote, cfg.GitHub.Token)
		}
		shipper, err := github.New(client, gcfg, logger)
		if err != nil {
			return capability.Set{}, err
		}
		set.Shipper = shipper
	default:
		return capability.Set{}, fmt.Errorf("unknown ship provider %q", cfg.Engine.Ship)
	}

	return set, set.Validate()
}

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/config"
	"github.com/fyrsmithlabs/metapod/internal/providers/github"
	"github.com/fyrsmithlabs/metapod/internal/providers/interpret"
	"github.com/fyrsmithlabs/metapod/internal/providers/local"
)

func TestCapabilities_Defaults(t *testing.T) {
	cfg := config.Default()

	set, err := capabilities(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, interpret.PlanFile{}, set.Interpreter)
	assert.IsType(t, &local.Shipper{}, set.Shipper)
	assert.NotNil(t, set.Researcher)
	assert.NotNil(t, set.Editor)
	assert.NotNil(t, set.Tester)
}

func TestCapabilities_Keyword(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Interpreter = "keyword"

	set, err := capabilities(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, interpret.Keyword{}, set.Interpreter)
}

func TestCapabilities_GitHub(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Ship = "github"
	cfg.GitHub.Owner = "fyrsmithlabs"
	cfg.GitHub.Repo = "metapod"
	cfg.GitHub.Token = config.Secret("ghp_test")
	cfg.GitHub.Remote = "origin"

	set, err := capabilities(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &github.Shipper{}, set.Shipper)
}

func TestCapabilities_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"unknown interpreter", func(c *config.Config) { c.Engine.Interpreter = "llm" }, "unknown interpreter"},
		{"unknown shipper", func(c *config.Config) { c.Engine.Ship = "email" }, "unknown ship provider"},
		{"github without token", func(c *config.Config) {
			c.Engine.Ship = "github"
			c.GitHub.Owner = "o"
			c.GitHub.Repo = "r"
		}, "token not set"},
		{"github without repo", func(c *config.Config) {
			c.Engine.Ship = "github"
			c.GitHub.Token = config.Secret("t")
		}, "owner and repo are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			_, err := capabilities(context.Background(), cfg, zap.NewNop())
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestNewScrubber(t *testing.T) {
	cfg := config.Default()
	cfg.Secrets.Disabled = true
	s, err := newScrubber(cfg)
	require.NoError(t, err)
	assert.Equal(t, "ghp_abc", s.Scrub("ghp_abc").Scrubbed)

	cfg.Secrets.Disabled = false
	s, err = newScrubber(cfg)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/config"
	"github.com/fyrsmithlabs/metapod/internal/coordinator"
	api "github.com/fyrsmithlabs/metapod/internal/http"
	"github.com/fyrsmithlabs/metapod/internal/mcp"
	"github.com/fyrsmithlabs/metapod/internal/session"
)

// runStdio serves MCP on stdio and delegates every tool call to the daemon
// at server.url, so the daemon stays the only process driving sessions.
func runStdio(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}
	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	scrubber, err := newScrubber(cfg)
	if err != nil {
		return err
	}

	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "metapod",
		Version: version,
		Logger:  zl.Named("mcp"),
	}, &remoteService{client: api.NewClient(cfg.Server.URL), logger: zl}, scrubber)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	// stdout carries the protocol.
	fmt.Fprintf(os.Stderr, "metapodd mcp started (delegating to daemon at %s)\n", cfg.Server.URL)
	return srv.Run(ctx)
}

// remoteService adapts the HTTP client to mcp.Service.
type remoteService struct {
	client *api.Client
	logger *zap.Logger
}

func (r *remoteService) Start(ctx context.Context, req coordinator.StartRequest) (coordinator.Summary, error) {
	return r.client.Start(ctx, req)
}

func (r *remoteService) Resume(ctx context.Context, id string) (coordinator.Summary, error) {
	return r.client.Resume(ctx, id)
}

func (r *remoteService) Cancel(ctx context.Context, id string) (coordinator.Summary, error) {
	return r.client.Cancel(ctx, id)
}

func (r *remoteService) Status(ctx context.Context, id string) (coordinator.Summary, error) {
	return r.client.Status(ctx, id)
}

func (r *remoteService) List(ctx context.Context) ([]session.Info, error) {
	resp, err := r.client.List(ctx)
	return resp.Sessions, err
}

func (r *remoteService) Report(ctx context.Context, id string) (string, error) {
	return r.client.Report(ctx, id)
}

func (r *remoteService) Approve(ctx context.Context, requestID string, d autonomy.Decision) (autonomy.Request, error) {
	return r.client.Approve(ctx, requestID, d)
}

// Pending returns nil when the daemon cannot be reached.
func (r *remoteService) Pending() []autonomy.Request {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reqs, err := r.client.Pending(ctx)
	if err != nil {
		r.logger.Warn("listing pending approvals failed", zap.Error(err))
		return nil
	}
	return reqs
}

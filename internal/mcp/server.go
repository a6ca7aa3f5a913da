package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/coordinator"
	"github.com/fyrsmithlabs/metapod/internal/secrets"
	"github.com/fyrsmithlabs/metapod/internal/session"
)

// Service is the command surface the tools call.
type Service interface {
	Start(ctx context.Context, req coordinator.StartRequest) (coordinator.Summary, error)
	Resume(ctx context.Context, id string) (coordinator.Summary, error)
	Cancel(ctx context.Context, id string) (coordinator.Summary, error)
	Status(ctx context.Context, id string) (coordinator.Summary, error)
	List(ctx context.Context) ([]session.Info, error)
	Report(ctx context.Context, id string) (string, error)
	Approve(ctx context.Context, requestID string, d autonomy.Decision) (autonomy.Request, error)
	Pending() []autonomy.Request
}

// Server is an MCP server over a Service.
type Server struct {
	mcp          *mcp.Server
	svc          Service
	scrubber     secrets.Scrubber
	metrics      *toolMetrics
	toolRegistry *ToolRegistry
	logger       *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "metapod")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "metapod",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a new MCP server over svc.
func NewServer(cfg *Config, svc Service, scrubber secrets.Scrubber) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if svc == nil {
		return nil, fmt.Errorf("service is required")
	}
	if scrubber == nil {
		return nil, fmt.Errorf("scrubber is required")
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		svc:          svc,
		scrubber:     scrubber,
		metrics:      newToolMetrics(otel.Meter(meterName), cfg.Logger),
		toolRegistry: NewToolRegistry(),
		logger:       cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Registry returns the metadata of every registered tool.
func (s *Server) Registry() *ToolRegistry { return s.toolRegistry }

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves a single session on t.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/coordinator"
	"github.com/fyrsmithlabs/metapod/internal/fault"
)

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	s.registerSessionTools()
	s.registerApprovalTools()
	s.registerReportTools()
	s.registerSearchTools()
}

// track instruments one tool call. The returned func records the outcome.
func (s *Server) track(ctx context.Context, tool string) func(err error) {
	done := s.metrics.observe(ctx, tool)
	return func(err error) {
		done(err)
		if err != nil {
			s.logger.Debug("tool failed", zap.String("tool", tool), zap.Error(err))
		}
	}
}

func (s *Server) register(meta *ToolMetadata) *mcp.Tool {
	s.toolRegistry.Register(meta)
	return &mcp.Tool{Name: meta.Name, Description: meta.Description}
}

func textResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

// ===== SESSION TOOLS =====

type taskOutput struct {
	ID          string   `json:"id"`
	Phase       string   `json:"phase"`
	Kind        string   `json:"kind"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Attempts    int      `json:"attempts"`
	MaxAttempts int      `json:"max_attempts"`
	Notes       []string `json:"notes,omitempty"`
}

type sessionOutput struct {
	ID         string       `json:"id"`
	Workspace  string       `json:"workspace"`
	Request    string       `json:"request"`
	Autonomy   string       `json:"autonomy"`
	Phase      string       `json:"phase"`
	PhaseIndex int          `json:"phase_index"`
	Status     string       `json:"status"`
	State      string       `json:"state"`
	Blocked    string       `json:"blocked,omitempty" jsonschema:"Block reason and detail when the session is blocked"`
	Error      string       `json:"error,omitempty"`
	Percent    float64      `json:"percent"`
	Running    bool         `json:"running"`
	Tasks      []taskOutput `json:"tasks"`
	UpdatedAt  string       `json:"updated_at"`
}

func (s *Server) sessionOutput(sum coordinator.Summary) sessionOutput {
	out := sessionOutput{
		ID:         sum.ID,
		Workspace:  sum.Workspace,
		Request:    s.scrubber.Scrub(sum.Request).Scrubbed,
		Autonomy:   string(sum.Autonomy),
		Phase:      sum.Phase,
		PhaseIndex: sum.PhaseIndex,
		Status:     string(sum.Status),
		State:      string(sum.State),
		Error:      s.scrubber.Scrub(sum.Error).Scrubbed,
		Percent:    sum.Percent,
		Running:    sum.Running,
		Tasks:      make([]taskOutput, 0, len(sum.Tasks)),
		UpdatedAt:  sum.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if b := sum.Block; b != nil {
		out.Blocked = string(b.Reason)
		if b.TaskID != "" {
			out.Blocked += " task=" + b.TaskID
		}
		if b.RequestID != "" {
			out.Blocked += " request=" + b.RequestID
		}
		if b.Detail != "" {
			out.Blocked += ": " + s.scrubber.Scrub(b.Detail).Scrubbed
		}
	}
	for _, t := range sum.Tasks {
		to := taskOutput{
			ID:          t.ID,
			Phase:       string(t.Phase),
			Kind:        string(t.Kind),
			Description: t.Description,
			Status:      string(t.Status),
			Attempts:    t.Attempts,
			MaxAttempts: t.MaxAttempts,
		}
		for _, n := range t.Notes {
			to.Notes = append(to.Notes, s.scrubber.Scrub(n.Text).Scrubbed)
		}
		out.Tasks = append(out.Tasks, to)
	}
	return out
}

type startInput struct {
	Workspace string `json:"workspace" jsonschema:"Absolute path of the workspace the session operates on"`
	Request   string `json:"request" jsonschema:"Free-text description of the work"`
	Autonomy  string `json:"autonomy,omitempty" jsonschema:"Autonomy level: full, interactive or guided"`
}

type sessionInput struct {
	SessionID string `json:"session_id" jsonschema:"Session identifier"`
}

type listOutput struct {
	Sessions []sessionInfoOutput `json:"sessions"`
}

type sessionInfoOutput struct {
	ID        string `json:"id"`
	Workspace string `json:"workspace"`
	Status    string `json:"status"`
	State     string `json:"state"`
	Phase     string `json:"phase"`
	Archived  bool   `json:"archived"`
	UpdatedAt string `json:"updated_at"`
}

func (s *Server) registerSessionTools() {
	mcp.AddTool(s.mcp, s.register(&ToolMetadata{
		Name:        "metapod_start",
		Description: "Start a session that drives a request through every phase in a workspace",
		Category:    CategorySession,
		Keywords:    []string{"begin", "create", "run"},
	}), func(ctx context.Context, req *mcp.CallToolRequest, args startInput) (*mcp.CallToolResult, sessionOutput, error) {
		var toolErr error
		done := s.track(ctx, "metapod_start")
		defer func() { done(toolErr) }()

		start := coordinator.StartRequest{Workspace: args.Workspace, Request: args.Request}
		if args.Autonomy != "" {
			level, err := autonomy.ParseLevel(args.Autonomy)
			if err != nil {
				toolErr = fault.New(fault.Validation, "metapod_start", err)
				return nil, sessionOutput{}, toolErr
			}
			start.Autonomy = level
		}
		sum, err := s.svc.Start(ctx, start)
		if err != nil {
			toolErr = fmt.Errorf("start failed: %w", err)
			return nil, sessionOutput{}, toolErr
		}
		out := s.sessionOutput(sum)
		return textResult("Session %s started in phase %s", out.ID, out.Phase), out, nil
	})

	mcp.AddTool(s.mcp, s.register(&ToolMetadata{
		Name:        "metapod_resume",
		Description: "Resume a persisted session from where it stopped",
		Category:    CategorySession,
		Keywords:    []string{"continue", "restart"},
	}), func(ctx context.Context, req *mcp.CallToolRequest, args sessionInput) (*mcp.CallToolResult, sessionOutput, error) {
		var toolErr error
		done := s.track(ctx, "metapod_resume")
		defer func() { done(toolErr) }()

		sum, err := s.svc.Resume(ctx, args.SessionID)
		if err != nil {
			toolErr = fmt.Errorf("resume failed: %w", err)
			return nil, sessionOutput{}, toolErr
		}
		out := s.sessionOutput(sum)
		return textResult("Session %s resumed in phase %s", out.ID, out.Phase), out, nil
	})

	mcp.AddTool(s.mcp, s.register(&ToolMetadata{
		Name:        "metapod_status",
		Description: "Show the phase, state, progress and tasks of a session",
		Category:    CategorySession,
		Keywords:    []string{"progress", "tasks", "show"},
	}), func(ctx context.Context, req *mcp.CallToolRequest, args sessionInput) (*mcp.CallToolResult, sessionOutput, error) {
		var toolErr error
		done := s.track(ctx, "metapod_status")
		defer func() { done(toolErr) }()

		sum, err := s.svc.Status(ctx, args.SessionID)
		if err != nil {
			toolErr = fmt.Errorf("status failed: %w", err)
			return nil, sessionOutput{}, toolErr
		}
		out := s.sessionOutput(sum)
		return textResult("Session %s: %s/%s, phase %s, %.0f%% complete",
			out.ID, out.Status, out.State, out.Phase, out.Percent), out, nil
	})

	mcp.AddTool(s.mcp, s.register(&ToolMetadata{
		Name:        "metapod_cancel",
		Description: "Cancel a session and stop its driver",
		Category:    CategorySession,
		Keywords:    []string{"stop", "abort"},
	}), func(ctx context.Context, req *mcp.CallToolRequest, args sessionInput) (*mcp.CallToolResult, sessionOutput, error) {
		var toolErr error
		done := s.track(ctx, "metapod_cancel")
		defer func() { done(toolErr) }()

		sum, err := s.svc.Cancel(ctx, args.SessionID)
		if err != nil {
			toolErr = fmt.Errorf("cancel failed: %w", err)
			return nil, sessionOutput{}, toolErr
		}
		out := s.sessionOutput(sum)
		return textResult("Session %s cancelled", out.ID), out, nil
	})

	mcp.AddTool(s.mcp, s.register(&ToolMetadata{
		Name:        "metapod_list",
		Description: "List every known session, archived ones included",
		Category:    CategorySession,
		Keywords:    []string{"sessions", "all"},
	}), func(ctx context.Context, req *mcp.CallToolRequest, args struct{}) (*mcp.CallToolResult, listOutput, error) {
		var toolErr error
		done := s.track(ctx, "metapod_list")
		defer func() { done(toolErr) }()

		infos, err := s.svc.List(ctx)
		if err != nil {
			toolErr = fmt.Errorf("list failed: %w", err)
			return nil, listOutput{}, toolErr
		}
		out := listOutput{Sessions: make([]sessionInfoOutput, 0, len(infos))}
		for _, in := range infos {
			out.Sessions = append(out.Sessions, sessionInfoOutput{
				ID:        in.ID,
				Workspace: in.Workspace,
				Status:    string(in.Status),
				State:     string(in.State),
				Phase:     string(in.Phase),
				Archived:  in.Archived,
				UpdatedAt: in.UpdatedAt.UTC().Format(time.RFC3339),
			})
		}
		return textResult("%d sessions", len(out.Sessions)), out, nil
	})
}

// ===== APPROVAL TOOLS =====

type approvalOutput struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	TaskID    string   `json:"task_id"`
	Purpose   string   `json:"purpose"`
	Options   []string `json:"options"`
	Status    string   `json:"status"`
	Action    string   `json:"action,omitempty"`
	Deadline  string   `json:"deadline,omitempty"`
}

func approvalFrom(r autonomy.Request) approvalOutput {
	out := approvalOutput{
		ID:        r.ID,
		SessionID: r.SessionID,
		TaskID:    r.TaskID,
		Purpose:   string(r.Purpose),
		Status:    string(r.Status),
	}
	out.Options = make([]string, 0, len(r.Options))
	for _, o := range r.Options {
		out.Options = append(out.Options, string(o))
	}
	if r.Decision != nil {
		out.Action = string(r.Decision.Action)
	}
	if !r.Deadline.IsZero() {
		out.Deadline = r.Deadline.UTC().Format(time.RFC3339)
	}
	return out
}

type approveInput struct {
	RequestID string            `json:"request_id" jsonschema:"Approval request identifier"`
	Action    string            `json:"action" jsonschema:"approve, reject or modify"`
	Params    map[string]string `json:"params,omitempty" jsonschema:"Replacement task parameters for modify on an execute request"`
	Extra     int               `json:"extra,omitempty" jsonschema:"Extra attempts for modify on a skip request"`
	Comment   string            `json:"comment,omitempty"`
	By        string            `json:"by,omitempty" jsonschema:"Who made the decision"`
}

type pendingOutput struct {
	Approvals []approvalOutput `json:"approvals"`
}

func (s *Server) registerApprovalTools() {
	mcp.AddTool(s.mcp, s.register(&ToolMetadata{
		Name:        "metapod_approve",
		Description: "Answer a pending approval request with approve, reject or modify",
		Category:    CategoryApproval,
		Keywords:    []string{"decision", "reject", "modify", "gate"},
	}), func(ctx context.Context, req *mcp.CallToolRequest, args approveInput) (*mcp.CallToolResult, approvalOutput, error) {
		var toolErr error
		done := s.track(ctx, "metapod_approve")
		defer func() { done(toolErr) }()

		action, err := autonomy.ParseAction(args.Action)
		if err != nil {
			toolErr = fault.New(fault.Validation, "metapod_approve", err)
			return nil, approvalOutput{}, toolErr
		}
		by := args.By
		if by == "" {
			by = "mcp"
		}
		r, err := s.svc.Approve(ctx, args.RequestID, autonomy.Decision{
			Action:  action,
			Params:  args.Params,
			Extra:   args.Extra,
			Comment: args.Comment,
			By:      by,
		})
		if err != nil {
			toolErr = fmt.Errorf("approve failed: %w", err)
			return nil, approvalOutput{}, toolErr
		}
		out := approvalFrom(r)
		return textResult("Request %s resolved: %s", out.ID, out.Action), out, nil
	})

	mcp.AddTool(s.mcp, s.register(&ToolMetadata{
		Name:        "metapod_pending",
		Description: "List approval requests waiting for a decision",
		Category:    CategoryApproval,
		Keywords:    []string{"waiting", "inbox", "gate"},
	}), func(ctx context.Context, req *mcp.CallToolRequest, args struct{}) (*mcp.CallToolResult, pendingOutput, error) {
		done := s.track(ctx, "metapod_pending")
		defer func() { done(nil) }()

		pending := s.svc.Pending()
		out := pendingOutput{Approvals: make([]approvalOutput, 0, len(pending))}
		for _, r := range pending {
			out.Approvals = append(out.Approvals, approvalFrom(r))
		}
		return textResult("%d pending approvals", len(out.Approvals)), out, nil
	})
}

// ===== REPORT TOOLS =====

type reportOutput struct {
	SessionID string `json:"session_id"`
	Markdown  string `json:"markdown"`
}

func (s *Server) registerReportTools() {
	mcp.AddTool(s.mcp, s.register(&ToolMetadata{
		Name:        "metapod_report",
		Description: "Render the markdown report of a session",
		Category:    CategoryReport,
		Keywords:    []string{"markdown", "summary"},
	}), func(ctx context.Context, req *mcp.CallToolRequest, args sessionInput) (*mcp.CallToolResult, reportOutput, error) {
		var toolErr error
		done := s.track(ctx, "metapod_report")
		defer func() { done(toolErr) }()

		md, err := s.svc.Report(ctx, args.SessionID)
		if err != nil {
			toolErr = fmt.Errorf("report failed: %w", err)
			return nil, reportOutput{}, toolErr
		}
		out := reportOutput{SessionID: args.SessionID, Markdown: s.scrubber.Scrub(md).Scrubbed}
		return textResult("%s", out.Markdown), out, nil
	})
}

// ===== SEARCH TOOLS =====

type toolSearchInput struct {
	Query string `json:"query" jsonschema:"Substring or regular expression matched against tool names and descriptions"`
}

type toolSearchOutput struct {
	Tools []toolSearchMatch `json:"tools"`
}

type toolSearchMatch struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Score       int    `json:"score"`
}

func (s *Server) registerSearchTools() {
	mcp.AddTool(s.mcp, s.register(&ToolMetadata{
		Name:        "tool_search",
		Description: "Find metapod tools by name, description or keyword",
		Category:    CategorySearch,
		Keywords:    []string{"discover", "help"},
	}), func(ctx context.Context, req *mcp.CallToolRequest, args toolSearchInput) (*mcp.CallToolResult, toolSearchOutput, error) {
		done := s.track(ctx, "tool_search")
		defer func() { done(nil) }()

		out := toolSearchOutput{Tools: []toolSearchMatch{}}
		for _, r := range s.toolRegistry.Search(args.Query) {
			out.Tools = append(out.Tools, toolSearchMatch{
				Name:        r.Tool.Name,
				Description: r.Tool.Description,
				Category:    string(r.Tool.Category),
				Score:       r.Score,
			})
		}
		return textResult("%d tools match %q", len(out.Tools), args.Query), out, nil
	})
}

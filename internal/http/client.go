package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/coordinator"
	"github.com/fyrsmithlabs/metapod/internal/fault"
)

// Client calls a metapodd server.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at base, such as http://localhost:9090.
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	ErrorResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.ErrorResponse.Error)
}

// Unwrap classifies the error for fault.ClassOf.
func (e *APIError) Unwrap() error {
	if e.Class == "" {
		return nil
	}
	return fault.New(fault.Class(e.Class), "api", fmt.Errorf("%s", e.ErrorResponse.Error))
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fault.New(fault.Transient, "api", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fault.New(fault.Transient, "api", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, &apiErr.ErrorResponse) != nil || apiErr.ErrorResponse.Error == "" {
			// echo's own errors use {"message": ...}
			var msg struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(data, &msg)
			apiErr.ErrorResponse.Error = msg.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if s, ok := out.(*string); ok {
		*s = string(data)
		return nil
	}
	return json.Unmarshal(data, out)
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Start calls POST /api/v1/sessions.
func (c *Client) Start(ctx context.Context, req coordinator.StartRequest) (coordinator.Summary, error) {
	var out coordinator.Summary
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions", req, &out)
	return out, err
}

// List calls GET /api/v1/sessions.
func (c *Client) List(ctx context.Context) (ListResponse, error) {
	var out ListResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions", nil, &out)
	return out, err
}

// Status calls GET /api/v1/sessions/:id.
func (c *Client) Status(ctx context.Context, id string) (coordinator.Summary, error) {
	var out coordinator.Summary
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Resume calls POST /api/v1/sessions/:id/resume.
func (c *Client) Resume(ctx context.Context, id string) (coordinator.Summary, error) {
	var out coordinator.Summary
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/resume", nil, &out)
	return out, err
}

// Cancel calls POST /api/v1/sessions/:id/cancel.
func (c *Client) Cancel(ctx context.Context, id string) (coordinator.Summary, error) {
	var out coordinator.Summary
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/cancel", nil, &out)
	return out, err
}

// Report calls GET /api/v1/sessions/:id/report.
func (c *Client) Report(ctx context.Context, id string) (string, error) {
	var out string
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id)+"/report", nil, &out)
	return out, err
}

// Pending calls GET /api/v1/approvals.
func (c *Client) Pending(ctx context.Context) ([]autonomy.Request, error) {
	var out PendingResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/approvals", nil, &out)
	return out.Approvals, err
}

// Approve calls POST /api/v1/approvals/:id.
func (c *Client) Approve(ctx context.Context, requestID string, d autonomy.Decision) (autonomy.Request, error) {
	var out autonomy.Request
	err := c.do(ctx, http.MethodPost, "/api/v1/approvals/"+url.PathEscape(requestID), d, &out)
	return out, err
}

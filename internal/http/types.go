package http

import (
	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/session"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string            `json:"status"` // "ok" or "degraded"
	Version  string            `json:"version,omitempty"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// ListResponse is the response body for GET /api/v1/sessions.
type ListResponse struct {
	Sessions []session.Info `json:"sessions"`
}

// PendingResponse is the response body for GET /api/v1/approvals.
type PendingResponse struct {
	Approvals []autonomy.Request `json:"approvals"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}

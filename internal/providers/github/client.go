// Package github opens change requests as GitHub pull requests.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/metapod/internal/config"
	"github.com/fyrsmithlabs/metapod/internal/fault"
)

// NewClient creates an authenticated GitHub client. A non-empty baseURL
// points the client at a GitHub Enterprise or test server.
func NewClient(ctx context.Context, token config.Secret, baseURL string) (*github.Client, error) {
	if !token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if baseURL == "" {
		return client, nil
	}
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub base URL: %w", err)
	}
	client.BaseURL = u
	return client, nil
}

// classify maps a GitHub API failure onto an engine error class.
// Rate limits, 5xx and transport failures are transient; other client
// errors need a human.
func classify(op string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if retryable(resp) {
		return fault.Newf(fault.Transient, op, err, "status=%d", statusCode(resp))
	}
	return fault.Newf(fault.Validation, op, err, "status=%d", statusCode(resp))
}

func retryable(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		// No response at all: network error, timeout or cancellation.
		return true
	}

	switch code := resp.Response.StatusCode; code {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		// Secondary rate limits come back as 403 with rate headers.
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	default:
		return code >= 500 && code < 600
	}
}

func statusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}

package research

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/capability"
	"github.com/fyrsmithlabs/metapod/internal/fault"
)

const observabilityPage = `<html><head><title>Observability Guide</title>
<style>body { color: red }</style><script>var standards = 1;</script></head>
<body><h1>Observability</h1><p>Tracing and metrics   standards
for services.</p></body></html>`

func newServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/good", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "test-agent", r.UserAgent())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(observabilityPage))
	})
	mux.HandleFunc("/partial", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("observability only"))
	})
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newResearcher(srv *httptest.Server, sources map[string][]string) *Researcher {
	return New(Config{
		UserAgent: "test-agent",
		Sources:   sources,
		Client:    srv.Client(),
	}, zap.NewNop())
}

func TestResearch_Findings(t *testing.T) {
	srv, _ := newServer(t)
	r := newResearcher(srv, map[string][]string{
		"observability_standards": {srv.URL + "/partial", srv.URL + "/good", srv.URL + "/gone"},
	})

	f, err := r.Research(context.Background(), "observability_standards")
	require.NoError(t, err)

	require.Len(t, f.Citations, 2)
	assert.Equal(t, srv.URL+"/good", f.Citations[0].URL, "most relevant first")
	assert.Equal(t, "Observability Guide", f.Citations[0].Title)
	assert.Equal(t, 1.0, f.Citations[0].Relevance)
	assert.Equal(t, 0.5, f.Citations[1].Relevance)
	assert.InDelta(t, 0.75*2.0/3.0, f.Confidence, 1e-9)

	assert.True(t, strings.HasPrefix(f.Summary, "Research Summary for observability_standards:"))
	assert.Contains(t, f.Summary, "1. From "+srv.URL+"/good: Observability Tracing and metrics standards for services....")
	assert.NotContains(t, f.Summary, "color: red")
	assert.NotContains(t, f.Summary, "var standards")
}

func TestResearch_AllSourcesFail(t *testing.T) {
	srv, _ := newServer(t)

	t.Run("transient", func(t *testing.T) {
		r := newResearcher(srv, map[string][]string{"topic": {srv.URL + "/flaky", srv.URL + "/gone"}})
		_, err := r.Research(context.Background(), "topic")
		require.Error(t, err)
		assert.ErrorIs(t, err, capability.ErrUnreachable)
		assert.True(t, fault.IsRetryable(err))
	})

	t.Run("permanent", func(t *testing.T) {
		r := newResearcher(srv, map[string][]string{"topic": {srv.URL + "/gone"}})
		_, err := r.Research(context.Background(), "topic")
		require.Error(t, err)
		assert.ErrorIs(t, err, capability.ErrNoResult)
		assert.False(t, fault.IsRetryable(err))
	})
}

func TestResearch_EmptyTopic(t *testing.T) {
	srv, hits := newServer(t)
	_, err := newResearcher(srv, nil).Research(context.Background(), " ")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Validation))
	assert.Zero(t, hits.Load())
}

func TestSources(t *testing.T) {
	r := New(Config{MaxSources: 2}, nil)

	assert.Len(t, r.Sources("observability_standards"), 2)
	assert.Equal(t, []string{"https://github.com/search?q=graphql+federation"}, r.Sources("graphql federation"))
}

func TestRelevance(t *testing.T) {
	assert.Equal(t, 1.0, Relevance("Error handling patterns", "error_handling_patterns"))
	assert.InDelta(t, 1.0/3.0, Relevance("errors everywhere", "error_handling_patterns"), 1e-9)
	assert.Zero(t, Relevance("anything", ""))
}

package monitor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Metric families the dashboard reads from the daemon's /metrics endpoint.
const (
	familySessions   = "metapod_sessions"
	familyPending    = "metapod_pending_approvals"
	familyGoroutines = "go_goroutines"
	familyMemory     = "process_resident_memory_bytes"
	familyUptime     = "process_start_time_seconds"
)

// MetricsClient scrapes the daemon's Prometheus endpoint.
type MetricsClient struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// MetricsSample is one scrape reduced to the values the dashboard shows.
type MetricsSample struct {
	// Sessions counts sessions by "status/state".
	Sessions   map[string]float64
	Pending    float64
	Goroutines int
	MemoryMB   float64
	Uptime     int64
}

// Active returns the number of sessions whose status is active.
func (s MetricsSample) Active() float64 {
	var n float64
	for k, v := range s.Sessions {
		if strings.HasPrefix(k, "active/") {
			n += v
		}
	}
	return n
}

// NewMetricsClient creates a new metrics client
func NewMetricsClient(baseURL string) *MetricsClient {
	return &MetricsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
		now: time.Now,
	}
}

// Scrape fetches and decodes the text exposition at /metrics.
func (c *MetricsClient) Scrape(ctx context.Context) (MetricsSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metrics", nil)
	if err != nil {
		return MetricsSample{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := c.client.Do(req)
	if err != nil {
		return MetricsSample{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return MetricsSample{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	families, err := decodeFamilies(resp.Body, expfmt.ResponseFormat(resp.Header))
	if err != nil {
		return MetricsSample{}, err
	}
	return c.sample(families), nil
}

func decodeFamilies(r io.Reader, format expfmt.Format) (map[string]*dto.MetricFamily, error) {
	if format.FormatType() == expfmt.TypeUnknown {
		format = expfmt.NewFormat(expfmt.TypeTextPlain)
	}
	dec := expfmt.NewDecoder(r, format)
	families := make(map[string]*dto.MetricFamily)
	for {
		mf := &dto.MetricFamily{}
		if err := dec.Decode(mf); err != nil {
			if err == io.EOF {
				return families, nil
			}
			return nil, fmt.Errorf("failed to decode metrics: %w", err)
		}
		families[mf.GetName()] = mf
	}
}

func (c *MetricsClient) sample(families map[string]*dto.MetricFamily) MetricsSample {
	s := MetricsSample{Sessions: make(map[string]float64)}
	if mf, ok := families[familySessions]; ok {
		for _, m := range mf.GetMetric() {
			key := label(m, "status") + "/" + label(m, "state")
			s.Sessions[key] += value(m)
		}
	}
	if mf, ok := families[familyPending]; ok {
		for _, m := range mf.GetMetric() {
			s.Pending += value(m)
		}
	}
	if v, ok := first(families, familyGoroutines); ok {
		s.Goroutines = int(v)
	}
	if v, ok := first(families, familyMemory); ok {
		s.MemoryMB = v / (1024 * 1024)
	}
	if v, ok := first(families, familyUptime); ok && v > 0 {
		s.Uptime = int64(c.now().Sub(time.Unix(int64(v), 0)).Seconds())
	}
	return s
}

func first(families map[string]*dto.MetricFamily, name string) (float64, bool) {
	mf, ok := families[name]
	if !ok || len(mf.GetMetric()) == 0 {
		return 0, false
	}
	return value(mf.GetMetric()[0]), true
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func value(m *dto.Metric) float64 {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue()
	}
	return 0
}

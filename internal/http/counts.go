package http

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/session"
)

const collectTimeout = 5 * time.Second

// SessionLister is the part of Service the collector reads.
type SessionLister interface {
	List(ctx context.Context) ([]session.Info, error)
	Pending() []autonomy.Request
}

// SessionCollector exports session counts on every scrape.
//
// Counts come from the store, so they include sessions of earlier runs.
// A failed listing is reported through metapod_sessions_scrape_error.
type SessionCollector struct {
	src    SessionLister
	logger *zap.Logger

	sessions    *prometheus.Desc
	pending     *prometheus.Desc
	scrapeError *prometheus.Desc
}

// NewSessionCollector creates a collector over src.
func NewSessionCollector(src SessionLister, logger *zap.Logger) *SessionCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionCollector{
		src:    src,
		logger: logger,
		sessions: prometheus.NewDesc("metapod_sessions",
			"Stored sessions by status and sub-state.",
			[]string{"status", "state"}, nil),
		pending: prometheus.NewDesc("metapod_pending_approvals",
			"Open approval requests of loaded sessions, by purpose.",
			[]string{"purpose"}, nil),
		scrapeError: prometheus.NewDesc("metapod_sessions_scrape_error",
			"1 if listing sessions failed during the last scrape.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessions
	ch <- c.pending
	ch <- c.scrapeError
}

// Collect implements prometheus.Collector.
func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	failed := 0.0
	infos, err := c.src.List(ctx)
	if err != nil {
		c.logger.Warn("listing sessions for metrics failed", zap.Error(err))
		failed = 1
	}
	ch <- prometheus.MustNewConstMetric(c.scrapeError, prometheus.GaugeValue, failed)

	type key struct{ status, state string }
	counts := make(map[key]int)
	for _, info := range infos {
		counts[key{string(info.Status), string(info.State)}]++
	}
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(n), k.status, k.state)
	}

	byPurpose := make(map[autonomy.Purpose]int)
	for _, r := range c.src.Pending() {
		byPurpose[r.Purpose]++
	}
	for p, n := range byPurpose {
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(n), string(p))
	}
}

// Package research fetches authoritative sources for a topic and condenses
// them into findings.
package research

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/metapod/internal/capability"
	"github.com/fyrsmithlabs/metapod/internal/fault"
)

const (
	defaultMaxSources = 5
	defaultUserAgent  = "metapod-research/1.0"
	defaultTimeout    = 30 * time.Second

	// maxTextLen caps the extracted text of one source.
	maxTextLen = 10000
	// maxBodyLen caps how much of a response body is read.
	maxBodyLen = 4 << 20

	summarySources = 3
	previewLen     = 500
)

// DefaultSources are consulted for the well-known topics.
var DefaultSources = map[string][]string{
	"latest_framework_patterns": {
		"https://go.dev/doc/effective_go",
		"https://gin-gonic.com/docs/",
		"https://github.com/microsoft/api-guidelines",
	},
	"security_best_practices": {
		"https://owasp.org/www-project-api-security/",
		"https://cheatsheetseries.owasp.org/",
		"https://github.com/OWASP/ASVS",
	},
	"observability_standards": {
		"https://opentelemetry.io/docs/",
		"https://prometheus.io/docs/",
		"https://grafana.com/docs/",
	},
	"hexagonal_architecture": {
		"https://alistair.cockburn.us/hexagonal-architecture/",
		"https://blog.cleancoder.com/uncle-bob/2012/08/13/the-clean-architecture.html",
		"https://github.com/Sairyss/domain-driven-hexagon",
	},
	"error_handling_patterns": {
		"https://www.rfc-editor.org/rfc/rfc9457.txt",
		"https://github.com/microsoft/api-guidelines/blob/vNext/Guidelines.md",
	},
}

// Config configures a Researcher.
type Config struct {
	RequestsPerSecond float64
	MaxSources        int
	UserAgent         string
	// Sources overrides or extends DefaultSources per topic.
	Sources map[string][]string
	// Client defaults to an http.Client with a 30s timeout.
	Client *http.Client
}

// Researcher implements capability.Researcher over plain HTTP.
type Researcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a Researcher.
func New(cfg Config, logger *zap.Logger) *Researcher {
	if cfg.MaxSources < 1 {
		cfg.MaxSources = defaultMaxSources
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Researcher{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("research"),
	}
}

// Sources returns the URLs consulted for topic, at most MaxSources of them.
func (r *Researcher) Sources(topic string) []string {
	sources, ok := r.cfg.Sources[topic]
	if !ok {
		sources, ok = DefaultSources[topic]
	}
	if !ok {
		sources = []string{"https://github.com/search?q=" + url.QueryEscape(topic)}
	}
	if len(sources) > r.cfg.MaxSources {
		sources = sources[:r.cfg.MaxSources]
	}
	return sources
}

type page struct {
	url       string
	title     string
	text      string
	relevance float64
}

// Research implements capability.Researcher.
func (r *Researcher) Research(ctx context.Context, topic string) (capability.Findings, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return capability.Findings{}, fault.Validationf("research", "topic is empty")
	}

	var (
		pages     []page
		errs      []error
		transient bool
	)
	for _, src := range r.Sources(topic) {
		if err := r.limiter.Wait(ctx); err != nil {
			return capability.Findings{}, fmt.Errorf("rate limiter: %w", err)
		}
		p, err := r.fetch(ctx, src)
		if err != nil {
			r.logger.Warn("source fetch failed", zap.String("topic", topic), zap.String("url", src), zap.Error(err))
			transient = transient || fault.IsRetryable(err)
			errs = append(errs, err)
			continue
		}
		p.relevance = Relevance(p.text, topic)
		pages = append(pages, p)
	}

	if len(pages) == 0 {
		if transient {
			return capability.Findings{}, capability.Unreachable("research", errors.Join(errs...))
		}
		return capability.Findings{}, fmt.Errorf("%w for %q: %w", capability.ErrNoResult, topic, errors.Join(errs...))
	}

	sort.SliceStable(pages, func(i, j int) bool { return pages[i].relevance > pages[j].relevance })

	findings := capability.Findings{
		Summary:    synthesize(topic, pages),
		Citations:  make([]capability.Citation, 0, len(pages)),
		Confidence: confidence(pages),
	}
	for _, p := range pages {
		findings.Citations = append(findings.Citations, capability.Citation{URL: p.url, Title: p.title, Relevance: p.relevance})
	}
	r.logger.Debug("research complete",
		zap.String("topic", topic),
		zap.Int("sources", len(pages)),
		zap.Float64("confidence", findings.Confidence))
	return findings, nil
}

func (r *Researcher) fetch(ctx context.Context, src string) (page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return page{}, fault.New(fault.Validation, "research.fetch", err)
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := r.client.Do(req)
	if err != nil {
		return page{}, fault.New(fault.Transient, "research.fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		class := fault.Validation
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			class = fault.Transient
		}
		return page{}, fault.Newf(class, "research.fetch", fmt.Errorf("unexpected status %d", resp.StatusCode), "url=%s", src)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyLen))
	if err != nil {
		return page{}, fault.New(fault.Transient, "research.fetch", err)
	}

	p := page{url: src}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		p.text = collapse(string(body))
	} else {
		p.title, p.text, err = extractText(string(body))
		if err != nil {
			return page{}, fault.New(fault.Validation, "research.fetch", err)
		}
	}
	if len(p.text) > maxTextLen {
		p.text = p.text[:maxTextLen]
	}
	return p, nil
}

// extractText returns the title and the visible text of an HTML document.
func extractText(raw string) (title, text string, err error) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch strings.ToLower(n.Data) {
			case "script", "style", "noscript", "template":
				return
			case "title":
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, collapse(b.String()), nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Relevance is the fraction of topic words that occur in text.
func Relevance(text, topic string) float64 {
	words := strings.Fields(strings.ToLower(strings.ReplaceAll(topic, "_", " ")))
	if len(words) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	matches := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			matches++
		}
	}
	return float64(matches) / float64(len(words))
}

// synthesize expects pages sorted by relevance.
func synthesize(topic string, pages []page) string {
	parts := []string{fmt.Sprintf("Research Summary for %s:", topic)}
	for i, p := range pages {
		if i == summarySources {
			break
		}
		preview := p.text
		if len(preview) > previewLen {
			preview = preview[:previewLen]
		}
		parts = append(parts, fmt.Sprintf("%d. From %s: %s...", i+1, p.url, preview))
	}
	return strings.Join(parts, "\n\n")
}

// confidence scales the mean relevance down when fewer than three sources answered.
func confidence(pages []page) float64 {
	if len(pages) == 0 {
		return 0
	}
	var total float64
	for _, p := range pages {
		total += p.relevance
	}
	return total / float64(len(pages)) * min(float64(len(pages))/summarySources, 1)
}

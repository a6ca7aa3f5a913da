package secrets

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Finding describes one redacted secret. The secret value is never kept.
type Finding struct {
	RuleID string `json:"rule_id"`
	Line   int    `json:"line"`
}

// Result is the outcome of scrubbing one text.
type Result struct {
	Scrubbed string
	Findings []Finding
}

// Scrubber redacts secrets from text.
type Scrubber interface {
	Scrub(content string) Result
}

// Nop returns a Scrubber that returns content unchanged.
func Nop() Scrubber { return nopScrubber{} }

type nopScrubber struct{}

func (nopScrubber) Scrub(content string) Result { return Result{Scrubbed: content} }

// GitleaksScrubber scrubs with the Gitleaks default rules.
//
// The detector is built once; detection is serialized because the detector
// keeps per-scan state.
type GitleaksScrubber struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// New builds a GitleaksScrubber. allowlist may be nil.
func New(allowlist *Allowlist) (*GitleaksScrubber, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	if allowlist != nil && !allowlist.Empty() {
		if err := applyAllowlist(&d.Config, allowlist); err != nil {
			return nil, err
		}
	}
	return &GitleaksScrubber{detector: d}, nil
}

// Scrub replaces every detected secret with [REDACTED:<rule>].
func (s *GitleaksScrubber) Scrub(content string) Result {
	if content == "" {
		return Result{}
	}

	s.mu.Lock()
	found := s.detector.DetectString(content)
	s.mu.Unlock()

	if len(found) == 0 {
		return Result{Scrubbed: content}
	}

	// longest secrets first so a secret containing another is replaced whole
	sort.SliceStable(found, func(i, j int) bool { return len(found[i].Secret) > len(found[j].Secret) })

	out := content
	findings := make([]Finding, 0, len(found))
	for _, f := range found {
		findings = append(findings, Finding{RuleID: f.RuleID, Line: f.StartLine})
		if f.Secret == "" {
			continue
		}
		out = strings.ReplaceAll(out, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	return Result{Scrubbed: out, Findings: findings}
}

func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) error {
	al := &gitleaksConfig.Allowlist{Description: "metapod allowlist"}
	for _, p := range allowlist.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		al.Regexes = append(al.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	al.StopWords = append(al.StopWords, allowlist.StopWords...)
	cfg.Allowlists = append(cfg.Allowlists, al)
	return nil
}

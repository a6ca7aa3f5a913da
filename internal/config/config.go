// Package config loads metapod configuration from YAML and environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete metapod configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Engine    EngineConfig    `koanf:"engine"`
	Executor  ExecutorConfig  `koanf:"executor"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Approval  ApprovalConfig  `koanf:"approval"`
	NATS      NATSConfig      `koanf:"nats"`
	GitHub    GitHubConfig    `koanf:"github"`
	Research  ResearchConfig  `koanf:"research"`
	Test      TestConfig      `koanf:"test"`
	Edit      EditConfig      `koanf:"edit"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// URL is where the CLI reaches the daemon.
	URL string `koanf:"url"`
}

// StoreConfig locates persisted session records.
type StoreConfig struct {
	Dir string `koanf:"dir"`
}

// EngineConfig controls session driving.
type EngineConfig struct {
	Autonomy     string `koanf:"autonomy"`
	RetryCeiling int    `koanf:"retry_ceiling"`
	// Concurrency bounds how many independent tasks of one phase run at once.
	Concurrency int    `koanf:"concurrency"`
	AutoResume  bool   `koanf:"auto_resume"`
	DryRun      bool   `koanf:"dry_run"`
	Interpreter string `koanf:"interpreter"`
	Ship        string `koanf:"ship"`
}

// PolicyConfig is the retry/backoff policy for one capability kind.
type PolicyConfig struct {
	Timeout     Duration `koanf:"timeout"`
	MaxAttempts int      `koanf:"max_attempts"`
	BaseDelay   Duration `koanf:"base_delay"`
	MaxDelay    Duration `koanf:"max_delay"`
	Multiplier  float64  `koanf:"multiplier"`
	Jitter      float64  `koanf:"jitter"`
}

// ExecutorConfig holds per-kind policies keyed by capability kind.
type ExecutorConfig struct {
	Policies map[string]PolicyConfig `koanf:"policies"`
}

// BreakerConfig configures the per-kind circuit breakers.
type BreakerConfig struct {
	Threshold int      `koanf:"threshold"`
	Window    Duration `koanf:"window"`
	Cooldown  Duration `koanf:"cooldown"`
}

// ApprovalConfig configures approval prompts.
type ApprovalConfig struct {
	Timeout Duration `koanf:"timeout"`
	// InboxDir receives decision files from other processes.
	// Defaults to <store.dir>/approvals.
	InboxDir string `koanf:"inbox_dir"`
	// DisableInbox turns the decision file watcher off.
	DisableInbox bool `koanf:"disable_inbox"`
}

// NATSConfig configures lifecycle event publishing.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// GitHubConfig configures the pull request ship provider.
type GitHubConfig struct {
	Token      Secret `koanf:"token"`
	Owner      string `koanf:"owner"`
	Repo       string `koanf:"repo"`
	BaseBranch string `koanf:"base_branch"`
	// APIURL targets GitHub Enterprise. Empty means api.github.com.
	APIURL string `koanf:"api_url"`
	// Remote is the git remote the head branch is pushed to. Empty skips the push.
	Remote string `koanf:"remote"`
}

// ResearchConfig configures the HTTP research provider.
type ResearchConfig struct {
	RequestsPerSecond float64             `koanf:"requests_per_second"`
	MaxSources        int                 `koanf:"max_sources"`
	UserAgent         string              `koanf:"user_agent"`
	Sources           map[string][]string `koanf:"sources"`
}

// TestConfig configures the command test runner.
type TestConfig struct {
	Command string            `koanf:"command"`
	Suites  map[string]string `koanf:"suites"`
}

// EditConfig configures the git edit provider.
type EditConfig struct {
	Command     string `koanf:"command"`
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
}

// SecretsConfig configures note scrubbing.
type SecretsConfig struct {
	Disabled      bool   `koanf:"disabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// LoggingConfig holds the user-facing logging settings.
type LoggingConfig struct {
	Level           string `koanf:"level"`
	Format          string `koanf:"format"`
	OTEL            bool   `koanf:"otel"`
	DisableSampling bool   `koanf:"disable_sampling"`
}

// TelemetryConfig holds the user-facing OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Endpoint   string  `koanf:"endpoint"`
	Protocol   string  `koanf:"protocol"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// Capability kinds that carry executor policies.
var policyKinds = []string{"review", "research", "edit", "test", "ship"}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Policy returns the policy for kind, falling back to the review policy.
func (c *Config) Policy(kind string) PolicyConfig {
	if p, ok := c.Executor.Policies[kind]; ok {
		return p
	}
	return c.Executor.Policies["review"]
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.URL == "" {
		cfg.Server.URL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	if cfg.Store.Dir == "" {
		cfg.Store.Dir = "~/.local/state/metapod"
	}

	if cfg.Engine.Autonomy == "" {
		cfg.Engine.Autonomy = "interactive"
	}
	if cfg.Engine.RetryCeiling == 0 {
		cfg.Engine.RetryCeiling = 3
	}
	if cfg.Engine.Concurrency == 0 {
		cfg.Engine.Concurrency = 1
	}
	if cfg.Engine.Interpreter == "" {
		cfg.Engine.Interpreter = "planfile"
	}
	if cfg.Engine.Ship == "" {
		cfg.Engine.Ship = "local"
	}

	if cfg.Executor.Policies == nil {
		cfg.Executor.Policies = map[string]PolicyConfig{}
	}
	timeouts := map[string]time.Duration{
		"review":   30 * time.Second,
		"research": time.Minute,
		"edit":     5 * time.Minute,
		"test":     15 * time.Minute,
		"ship":     2 * time.Minute,
	}
	for _, kind := range policyKinds {
		p := cfg.Executor.Policies[kind]
		if p.Timeout == 0 {
			p.Timeout = Duration(timeouts[kind])
		}
		if p.MaxAttempts == 0 {
			p.MaxAttempts = cfg.Engine.RetryCeiling
		}
		if p.BaseDelay == 0 {
			p.BaseDelay = Duration(time.Second)
		}
		if p.MaxDelay == 0 {
			p.MaxDelay = Duration(30 * time.Second)
		}
		if p.Multiplier == 0 {
			p.Multiplier = 2.0
		}
		if p.Jitter == 0 {
			p.Jitter = 0.2
		}
		cfg.Executor.Policies[kind] = p
	}

	if cfg.Breaker.Threshold == 0 {
		cfg.Breaker.Threshold = 5
	}
	if cfg.Breaker.Window == 0 {
		cfg.Breaker.Window = Duration(time.Minute)
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = Duration(30 * time.Second)
	}

	if cfg.Approval.Timeout == 0 {
		cfg.Approval.Timeout = Duration(10 * time.Minute)
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "metapod"
	}

	if cfg.GitHub.BaseBranch == "" {
		cfg.GitHub.BaseBranch = "main"
	}

	if cfg.Research.RequestsPerSecond == 0 {
		cfg.Research.RequestsPerSecond = 1
	}
	if cfg.Research.MaxSources == 0 {
		cfg.Research.MaxSources = 5
	}
	if cfg.Research.UserAgent == "" {
		cfg.Research.UserAgent = "metapod-research/1.0"
	}

	if cfg.Test.Command == "" {
		cfg.Test.Command = "go test ./..."
	}

	if cfg.Edit.AuthorName == "" {
		cfg.Edit.AuthorName = "metapod"
	}
	if cfg.Edit.AuthorEmail == "" {
		cfg.Edit.AuthorEmail = "metapod@localhost"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be between 1 and 65535, got %d", c.Server.Port))
	}
	switch c.Engine.Autonomy {
	case "full", "interactive", "guided":
	default:
		errs = append(errs, fmt.Errorf("engine.autonomy must be full, interactive or guided, got %q", c.Engine.Autonomy))
	}
	if c.Engine.RetryCeiling < 1 {
		errs = append(errs, fmt.Errorf("engine.retry_ceiling must be >= 1, got %d", c.Engine.RetryCeiling))
	}
	if c.Engine.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("engine.concurrency must be >= 1, got %d", c.Engine.Concurrency))
	}
	switch c.Engine.Interpreter {
	case "keyword", "planfile":
	default:
		errs = append(errs, fmt.Errorf("engine.interpreter must be keyword or planfile, got %q", c.Engine.Interpreter))
	}
	switch c.Engine.Ship {
	case "local":
	case "github":
		if c.GitHub.Owner == "" || c.GitHub.Repo == "" || !c.GitHub.Token.IsSet() {
			errs = append(errs, errors.New("engine.ship=github requires github.owner, github.repo and github.token"))
		}
	default:
		errs = append(errs, fmt.Errorf("engine.ship must be local or github, got %q", c.Engine.Ship))
	}
	for kind, p := range c.Executor.Policies {
		if p.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("executor.policies.%s.max_attempts must be >= 1", kind))
		}
		if p.Multiplier < 1 {
			errs = append(errs, fmt.Errorf("executor.policies.%s.multiplier must be >= 1", kind))
		}
		if p.Jitter < 0 || p.Jitter >= 1 {
			errs = append(errs, fmt.Errorf("executor.policies.%s.jitter must be in [0,1)", kind))
		}
	}
	if c.Breaker.Threshold < 1 {
		errs = append(errs, fmt.Errorf("breaker.threshold must be >= 1, got %d", c.Breaker.Threshold))
	}
	if c.Research.MaxSources < 1 {
		errs = append(errs, fmt.Errorf("research.max_sources must be >= 1, got %d", c.Research.MaxSources))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate))
	}
	if p := strings.ToLower(c.Telemetry.Protocol); p != "grpc" && p != "http/protobuf" {
		errs = append(errs, fmt.Errorf("telemetry.protocol must be grpc or http/protobuf, got %q", c.Telemetry.Protocol))
	}

	return errors.Join(errs...)
}

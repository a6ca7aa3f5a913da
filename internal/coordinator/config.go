package coordinator

import (
	"time"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/config"
	"github.com/fyrsmithlabs/metapod/internal/ledger"
	"github.com/fyrsmithlabs/metapod/internal/resilience"
)

// Config controls how sessions are driven.
type Config struct {
	// Autonomy is used when a start request does not name a level.
	Autonomy autonomy.Level
	// RetryCeiling is the attempt limit of seed tasks that do not set one.
	RetryCeiling int
	// Concurrency bounds how many tasks of one phase run at once.
	Concurrency int
	// AutoResume relaunches a session parked on an open breaker once the
	// breaker admits a trial.
	AutoResume bool
	// DryRun skips the edit and ship collaborators.
	DryRun          bool
	ApprovalTimeout time.Duration
	Policies        map[ledger.Kind]resilience.Policy
	Breaker         resilience.BreakerConfig
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	policies := make(map[ledger.Kind]resilience.Policy, len(ledger.Kinds()))
	for _, k := range ledger.Kinds() {
		policies[k] = resilience.DefaultPolicy()
	}
	return Config{
		Autonomy:        autonomy.Interactive,
		RetryCeiling:    3,
		Concurrency:     1,
		ApprovalTimeout: autonomy.DefaultTimeout,
		Policies:        policies,
		Breaker:         resilience.DefaultBreakerConfig(),
	}
}

// FromSettings converts the loaded configuration.
func FromSettings(c *config.Config) (Config, error) {
	level, err := autonomy.ParseLevel(c.Engine.Autonomy)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Autonomy:        level,
		RetryCeiling:    c.Engine.RetryCeiling,
		Concurrency:     c.Engine.Concurrency,
		AutoResume:      c.Engine.AutoResume,
		DryRun:          c.Engine.DryRun,
		ApprovalTimeout: c.Approval.Timeout.Duration(),
		Policies:        make(map[ledger.Kind]resilience.Policy, len(ledger.Kinds())),
		Breaker: resilience.BreakerConfig{
			Threshold: c.Breaker.Threshold,
			Window:    c.Breaker.Window.Duration(),
			Cooldown:  c.Breaker.Cooldown.Duration(),
		},
	}
	for _, k := range ledger.Kinds() {
		cfg.Policies[k] = resilience.PolicyFromConfig(c.Policy(string(k)))
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if !c.Autonomy.Valid() {
		c.Autonomy = d.Autonomy
	}
	if c.RetryCeiling < 1 {
		c.RetryCeiling = d.RetryCeiling
	}
	if c.Concurrency < 1 {
		c.Concurrency = d.Concurrency
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = d.ApprovalTimeout
	}
	if c.Policies == nil {
		c.Policies = d.Policies
	}
	return c
}

func (c Config) policy(kind ledger.Kind) resilience.Policy {
	if p, ok := c.Policies[kind]; ok {
		return p.ApplyDefaults()
	}
	return resilience.DefaultPolicy()
}

// Package testrun runs a workspace's test suite as a shell command.
package testrun

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/capability"
	"github.com/fyrsmithlabs/metapod/internal/fault"
)

const (
	// DefaultCommand runs when a suite has no command of its own.
	DefaultCommand = "go test ./..."
	waitDelay      = 5 * time.Second
	detailsLen     = 4000
)

// Config configures a Runner.
type Config struct {
	Command string
	// Suites maps suite names to commands.
	Suites map[string]string
}

// Runner implements capability.Tester.
type Runner struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a Runner.
func New(cfg Config, logger *zap.Logger) *Runner {
	if cfg.Command == "" {
		cfg.Command = DefaultCommand
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, logger: logger.Named("testrun")}
}

// Command returns the command run for suite.
func (r *Runner) Command(suite string) string {
	if cmd, ok := r.cfg.Suites[suite]; ok && cmd != "" {
		return cmd
	}
	return r.cfg.Command
}

// Run implements capability.Tester. A suite that ran and failed is reported
// with Passed false and a nil error; errors mean the suite could not run.
func (r *Runner) Run(ctx context.Context, workspace, suite string) (capability.TestReport, error) {
	command := r.Command(suite)
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workspace
	cmd.Env = append(cmd.Environ(), "METAPOD_SUITE="+suite)
	cmd.WaitDelay = waitDelay

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	log := r.logger.With(
		zap.String("suite", suite),
		zap.String("command", command),
		zap.Duration("duration", time.Since(start)))

	if ctxErr := ctx.Err(); ctxErr != nil {
		return capability.TestReport{}, fault.New(fault.Transient, "testrun", ctxErr)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		log.Info("suite passed")
		return capability.TestReport{Passed: true, Summary: lastLine(out.String())}, nil
	case errors.As(err, &exitErr):
		log.Info("suite failed", zap.Int("exit_code", exitErr.ExitCode()))
		return capability.TestReport{
			Passed:         false,
			Summary:        lastLine(out.String()),
			FailureDetails: tail(out.String()),
		}, nil
	default:
		return capability.TestReport{}, fault.Newf(fault.Validation, "testrun", err, "workspace=%s", workspace)
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > detailsLen {
		return "..." + s[len(s)-detailsLen:]
	}
	return s
}

package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/metapod/internal/config"
	"github.com/fyrsmithlabs/metapod/internal/monitor"
	"github.com/fyrsmithlabs/metapod/internal/providers/interpret"
	"github.com/fyrsmithlabs/metapod/internal/workspace"
)

func newWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of sessions, approvals and breakers",
		RunE: func(cmd *cobra.Command, args []string) error {
			model := monitor.NewModel(resolveServer(), interval)
			_, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
			if errors.Is(err, tea.ErrProgramKilled) && cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "refresh interval")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check metapodd health",
		Long: `Check the health of the metapodd daemon and its circuit breakers.

Examples:
  # Check health
  metapod health

  # Check health on a different server
  metapod health --server http://localhost:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newClient().Health(cmd.Context())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to reach %s: %v\n", resolveServer(), err)
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), h)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Server Status: %s\n", h.Status)
			fmt.Fprintf(w, "Server URL: %s\n", resolveServer())
			if h.Version != "" {
				fmt.Fprintf(w, "Version: %s\n", h.Version)
			}
			names := make([]string, 0, len(h.Breakers))
			for name := range h.Breakers {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(w, "Breaker %s: %s\n", name, h.Breakers[name])
			}
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [workspace]",
		Short: "Validate the configuration, a workspace and its plan file",
		Long: `Validate checks locally, without the daemon, that the configuration loads,
that the workspace is a usable directory and that its plan file, if any, parses.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if _, err := config.LoadWithFile(configPath); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			fmt.Fprintln(w, "config: ok")

			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			info, err := workspace.Inspect(path)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, info.Summary())

			intent, err := interpret.PlanFile{}.Parse(cmd.Context(), info.Path, "validate")
			switch {
			case err == nil:
				fmt.Fprintf(w, "plan: %d tasks\n", len(intent.Tasks))
			case isMissingPlan(info.Path):
				fmt.Fprintf(w, "plan: none (%s), keyword seed will be used\n", interpret.DefaultPlanPath)
			default:
				return err
			}
			return nil
		},
	}
}

func isMissingPlan(ws string) bool {
	_, err := os.Stat(filepath.Join(ws, interpret.DefaultPlanPath))
	return errors.Is(err, os.ErrNotExist)
}

func defaultUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

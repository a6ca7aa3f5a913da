// Package main implements the metapod CLI for operating sessions on a metapodd daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/metapod/internal/config"
	api "github.com/fyrsmithlabs/metapod/internal/http"
)

var (
	// serverURL is the base URL of the metapodd HTTP API
	serverURL string
	// configPath locates the config file used to resolve defaults
	configPath string
	// jsonOutput prints raw API responses
	jsonOutput bool
	// version information
	version = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "metapod",
	Short: "CLI for metapod session orchestration",
	Long: `metapod starts, inspects and steers sessions run by the metapodd daemon.
A session drives a free-text request through intake, forensics, planning,
research, implementation, validation, observability and rollout.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "metapodd server URL (default from server.url in config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of text")

	rootCmd.AddCommand(
		newStartCmd(),
		newResumeCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newApproveCmd(),
		newReportCmd(),
		newWatchCmd(),
		newHealthCmd(),
		newValidateCmd(),
	)
}

// loadConfig returns the configuration, or the defaults when none can be loaded.
func loadConfig() *config.Config {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return config.Default()
	}
	return cfg
}

func resolveServer() string {
	if serverURL != "" {
		return serverURL
	}
	return loadConfig().Server.URL
}

func newClient() *api.Client {
	return api.NewClient(resolveServer())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ago(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t).Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}

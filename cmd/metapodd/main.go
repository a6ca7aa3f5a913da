// Metapodd is the metapod daemon.
//
// It drives sessions through their phases, serves the HTTP API and /metrics,
// publishes lifecycle events to NATS and watches the approval inbox
// directory for decision files.
//
// Configuration is loaded from ~/.config/metapod/config.yaml and METAPOD_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon
//	metapodd
//
//	# Serve MCP on stdio, delegating to a running daemon
//	metapodd mcp
//
//	# Show version information
//	metapodd version
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/metapod/config.yaml)")
	flag.Parse()
	args := flag.Args()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case len(args) == 0:
		err = run(ctx, *configPath)
	case args[0] == "version":
		printVersion()
		return
	case args[0] == "mcp":
		err = runStdio(ctx, *configPath)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintf(os.Stderr, "\nUsage:\n")
		fmt.Fprintf(os.Stderr, "  metapodd           Start the metapod daemon\n")
		fmt.Fprintf(os.Stderr, "  metapodd mcp       Serve MCP on stdio\n")
		fmt.Fprintf(os.Stderr, "  metapodd version   Show version information\n")
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("metapodd: %v", err)
	}
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("metapodd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/coordinator"
	api "github.com/fyrsmithlabs/metapod/internal/http"
	"github.com/fyrsmithlabs/metapod/internal/report"
)

func newStartCmd() *cobra.Command {
	var (
		workspacePath string
		level         string
		follow        bool
	)
	cmd := &cobra.Command{
		Use:   "start <request...>",
		Short: "Start a session for a request",
		Long: `Start a session that drives the request through every phase.

Examples:
  # Start in the current directory
  metapod start "add rate limiting to the public API"

  # Ask before every task and follow progress
  metapod start --autonomy guided --follow --workspace ~/src/api "migrate to postgres"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := filepath.Abs(workspacePath)
			if err != nil {
				return err
			}
			req := coordinator.StartRequest{Workspace: ws, Request: strings.Join(args, " ")}
			if level != "" {
				if req.Autonomy, err = autonomy.ParseLevel(level); err != nil {
					return err
				}
			}
			client := newClient()
			sum, err := client.Start(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := printSummary(cmd.OutOrStdout(), sum); err != nil {
				return err
			}
			if follow {
				return followSession(cmd.Context(), cmd.OutOrStdout(), client, sum.ID, 2*time.Second)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspacePath, "workspace", "w", ".", "workspace directory")
	cmd.Flags().StringVarP(&level, "autonomy", "a", "", "autonomy level: full, interactive or guided")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "poll until the session stops running")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a persisted session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			sum, err := client.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := printSummary(cmd.OutOrStdout(), sum); err != nil {
				return err
			}
			if follow {
				return followSession(cmd.Context(), cmd.OutOrStdout(), client, sum.ID, 2*time.Second)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "poll until the session stops running")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [session-id]",
		Short: "Show the TODO status of a session, or list sessions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if len(args) == 0 {
				list, err := client.List(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), list)
				}
				return printList(cmd.OutOrStdout(), list, time.Now())
			}
			sum, err := client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printSummary(cmd.OutOrStdout(), sum)
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := newClient().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), sum)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s: %s\n", sum.ID, sum.Status)
			return nil
		},
	}
}

func newReportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "report <session-id>",
		Short: "Print the markdown report of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := newClient().Report(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if output != "" {
				return os.WriteFile(output, []byte(md), 0644)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), md)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the report to a file")
	return cmd
}

// printSummary renders the TODO status view of sum.
func printSummary(w io.Writer, sum coordinator.Summary) error {
	if jsonOutput {
		return printJSON(w, sum)
	}
	fmt.Fprintf(w, "Session:  %s\n", sum.ID)
	fmt.Fprintf(w, "Request:  %s\n", sum.Request)
	fmt.Fprintf(w, "Status:   %s (%s)\n", sum.Status, sum.State)
	fmt.Fprintf(w, "Phase:    %s\n", sum.Phase)
	fmt.Fprintf(w, "Progress: %.0f%%\n", sum.Percent)
	if b := sum.Block; b != nil {
		fmt.Fprintf(w, "Blocked:  %s", b.Reason)
		if b.TaskID != "" {
			fmt.Fprintf(w, " on %s", b.TaskID)
		}
		if b.RequestID != "" {
			fmt.Fprintf(w, " (metapod approve %s)", b.RequestID)
		}
		if b.Detail != "" {
			fmt.Fprintf(w, ": %s", b.Detail)
		}
		fmt.Fprintln(w)
	}
	if sum.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", sum.Error)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, t := range sum.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\n", report.Mark(t.Status), t.ID, t.Phase, t.Status, t.Attempts, t.MaxAttempts)
	}
	return tw.Flush()
}

func printList(w io.Writer, list api.ListResponse, now time.Time) error {
	if len(list.Sessions) == 0 {
		fmt.Fprintln(w, "No sessions")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTATE\tPHASE\tUPDATED\tWORKSPACE")
	for _, s := range list.Sessions {
		status := string(s.Status)
		if s.Archived {
			status += " (archived)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, status, s.State, s.Phase, ago(s.UpdatedAt, now), s.Workspace)
	}
	return tw.Flush()
}

// followSession prints phase and state changes until the driver stops.
func followSession(ctx context.Context, w io.Writer, client *api.Client, id string, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var last string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		sum, err := client.Status(ctx, id)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("%s %s/%s %.0f%%", sum.Phase, sum.Status, sum.State, sum.Percent)
		if sum.Block != nil {
			line += " blocked: " + string(sum.Block.Reason)
			if sum.Block.RequestID != "" {
				line += " " + sum.Block.RequestID
			}
		}
		if line != last {
			fmt.Fprintln(w, line)
			last = line
		}
		if !sum.Running {
			return nil
		}
	}
}

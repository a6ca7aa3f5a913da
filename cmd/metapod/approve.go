package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/providers/approvaldir"
)

func newApproveCmd() *cobra.Command {
	var (
		action  string
		params  []string
		extra   int
		comment string
		by      string
		inbox   bool
	)
	cmd := &cobra.Command{
		Use:   "approve [request-id]",
		Short: "Answer an approval request, or list pending requests",
		Long: `Answer an approval request with approve, reject or modify.
Without a request id the pending requests are listed.

Examples:
  # List pending requests
  metapod approve

  # Approve a task
  metapod approve 3f2c...

  # Run a task with different parameters
  metapod approve 3f2c... --action modify --param suite=unit

  # Grant two more attempts to an exhausted task
  metapod approve 3f2c... --action modify --extra 2

  # Drop the decision into the daemon's inbox directory instead of calling the API
  metapod approve 3f2c... --inbox`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if len(args) == 0 {
				pending, err := newClient().Pending(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(w, pending)
				}
				return printPending(w, pending, time.Now())
			}

			d, err := buildDecision(action, params, extra, comment, by)
			if err != nil {
				return err
			}
			if inbox {
				path, err := approvaldir.Submit(loadConfig().Approval.InboxDir, args[0], d)
				if err != nil {
					return fmt.Errorf("writing decision file: %w", err)
				}
				fmt.Fprintf(w, "Decision written to %s\n", path)
				return nil
			}
			r, err := newClient().Approve(cmd.Context(), args[0], d)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(w, r)
			}
			fmt.Fprintf(w, "Request %s (%s %s): %s\n", r.ID, r.Purpose, r.TaskID, d.Action)
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", string(autonomy.Approve), "approve, reject or modify")
	cmd.Flags().StringArrayVar(&params, "param", nil, "task parameter key=value for modify (repeatable)")
	cmd.Flags().IntVar(&extra, "extra", 0, "extra attempts for modify on a skip request")
	cmd.Flags().StringVar(&comment, "comment", "", "comment recorded with the decision")
	cmd.Flags().StringVar(&by, "by", "", "who decided (default $USER)")
	cmd.Flags().BoolVar(&inbox, "inbox", false, "write a decision file instead of calling the API")
	return cmd
}

func buildDecision(action string, params []string, extra int, comment, by string) (autonomy.Decision, error) {
	a, err := autonomy.ParseAction(action)
	if err != nil {
		return autonomy.Decision{}, err
	}
	d := autonomy.Decision{Action: a, Extra: extra, Comment: comment, By: by}
	if d.By == "" {
		d.By = defaultUser()
	}
	for _, p := range params {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return autonomy.Decision{}, fmt.Errorf("invalid --param %q (want key=value)", p)
		}
		if d.Params == nil {
			d.Params = make(map[string]string)
		}
		d.Params[k] = v
	}
	return d, nil
}

func printPending(w io.Writer, pending []autonomy.Request, now time.Time) error {
	if len(pending) == 0 {
		fmt.Fprintln(w, "No pending approvals")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUEST\tPURPOSE\tSESSION\tTASK\tDEADLINE")
	for _, r := range pending {
		deadline := "-"
		if !r.Deadline.IsZero() {
			deadline = r.Deadline.Sub(now).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Purpose, r.SessionID, r.TaskID, deadline)
	}
	return tw.Flush()
}

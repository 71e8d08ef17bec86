// Package main provides outboxctl, the operator CLI for inspecting and
// driving the outbox.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jnst/lume-outbox/internal/bootstrap"
	"github.com/jnst/lume-outbox/internal/config"
	"github.com/jnst/lume-outbox/internal/logger"
	"github.com/jnst/lume-outbox/internal/model"
)

const exitCode = 1

// rootOptions carries state shared by every subcommand.
type rootOptions struct {
	JSON bool
	app  *bootstrap.App
}

// close releases whatever PersistentPreRunE opened.
func (o *rootOptions) close() {
	if o.app != nil {
		o.app.Close()
		o.app = nil
	}
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "outboxctl",
		Short:         "Inspect and drive the outbox delivery engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}

			// CLI のログは stderr に出す
			slog.SetDefault(logger.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat))

			app, err := bootstrap.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			opts.app = app

			return nil
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print JSON instead of a table")

	cmd.AddCommand(
		newSyncCommand(opts),
		newFailedCommand(opts),
		newShowCommand(opts),
		newRetryCommand(opts),
		newDiscardCommand(opts),
		newPruneCommand(opts),
	)

	return cmd
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the outbox once and print the summary",
		Long: `Run one processing run against the backend and wait for it to finish.

Connectivity is probed once before the run when probing is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.app.Probe != nil {
				opts.app.Probe.Probe(cmd.Context())
			}

			summary, err := opts.app.Runner.Trigger(cmd.Context(), userID)
			if summary != nil {
				if printErr := printSummary(cmd.OutOrStdout(), summary, opts.JSON); printErr != nil {
					return printErr
				}
			}

			return err
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "only deliver events of this user")

	return cmd
}

func newFailedCommand(opts *rootOptions) *cobra.Command {
	var (
		userID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List events that exhausted their attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			events, err := opts.app.Housekeeping.FailedEvents(cmd.Context(), model.FailedQuery{UserID: userID, Limit: limit})
			if err != nil {
				return err
			}

			return printEvents(cmd.OutOrStdout(), events, opts.JSON)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "only list events of this user")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")

	return cmd
}

func newShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <event-id>",
		Short: "Print one event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			event, err := opts.app.Housekeeping.Event(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return writeJSON(cmd.OutOrStdout(), event)
		},
	}
}

func newRetryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <event-id>",
		Short: "Give a failed event a fresh set of attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.app.Housekeeping.Retry(cmd.Context(), args[0]); err != nil {
				return err
			}

			_, err := fmt.Fprintf(cmd.OutOrStdout(), "event %s queued for retry\n", args[0])

			return err
		},
	}
}

func newDiscardCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <event-id>",
		Short: "Delete a failed event without delivering it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.app.Housekeeping.Discard(cmd.Context(), args[0]); err != nil {
				return err
			}

			_, err := fmt.Fprintf(cmd.OutOrStdout(), "event %s discarded\n", args[0])

			return err
		},
	}
}

func newPruneCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete completed events past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := opts.app.Housekeeping.Prune(cmd.Context())
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d events\n", n)

			return err
		},
	}
}

func printSummary(w io.Writer, s *model.RunSummary, asJSON bool) error {
	if asJSON {
		return writeJSON(w, s)
	}

	aborted := string(s.Aborted)
	if aborted == "" {
		aborted = "-"
	}

	_, err := fmt.Fprintf(w, "attempted=%d completed=%d retrying=%d failed=%d skipped=%d aborted=%s runs=%d\n",
		s.Attempted, s.Completed, s.Retrying, s.Failed, s.Skipped, aborted, s.Runs)

	return err
}

func printEvents(w io.Writer, events []*model.OutboxEvent, asJSON bool) error {
	if asJSON {
		if events == nil {
			events = []*model.OutboxEvent{}
		}

		return writeJSON(w, events)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tENTITY\tUSER\tATTEMPTS\tLAST ATTEMPT\tERROR")

	for _, e := range events {
		last := "-"
		if e.LastAttemptAt != nil {
			last = e.LastAttemptAt.Format(time.RFC3339)
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			e.ID, e.EventType, e.EntityID, e.UserID, e.AttemptCount, e.MaxAttempts, last, e.ErrorMessage)
	}

	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func main() {
	opts := &rootOptions{}

	err := newRootCommand(opts).ExecuteContext(context.Background())
	opts.close()

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode)
	}
}

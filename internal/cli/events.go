package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/receivables/internal/event"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	InvoiceID string
	Type      string
	After     int64
	Limit     int
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events from the log",
		Long: `List events from the log in (timestamp, seq) order.

Examples:
  receivables events --db ./receivables.db
  receivables events --invoice 0192f7d4-... --format json
  receivables events --type INVESTMENT_MADE --after 120 --limit 50`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.InvoiceID, "invoice", "", "only events of this invoice")
	cmd.Flags().StringVar(&opts.Type, "type", "", "only events of this type")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only events with seq greater than this")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of events (0 = all)")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	out := newFormatter(opts.RootOptions, cmd)

	typ := event.Type(strings.ToUpper(opts.Type))
	if typ != "" && !typ.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown event type %q", opts.Type))
	}
	if opts.After < 0 || opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--after and --limit must not be negative")
	}

	cfg, err := loadConfig(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	if err := requireDatabase(cfg.Database); err != nil {
		return err
	}
	rt, err := openRuntime(cfg, slog.New(slog.DiscardHandler), runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	events, err := rt.engine.ListEvents(ctx, event.Filter{
		InvoiceID: opts.InvoiceID,
		Type:      typ,
		After:     opts.After,
		Limit:     opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}

	return out.Success(events, func(w io.Writer) { writeEventsText(w, events) })
}

func writeEventsText(w io.Writer, events []event.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIMESTAMP\tINVOICE\tVERSION\tTYPE\tACTOR")
	for _, e := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			e.Seq, event.FormatTimestamp(e.Timestamp), e.InvoiceID, e.Version, e.Type, e.Actor)
	}
	tw.Flush()
}

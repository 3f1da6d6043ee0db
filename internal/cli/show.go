package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/roach88/receivables/internal/projection"
	"github.com/roach88/receivables/internal/settlement"
)

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <invoice-id>",
		Short: "Show the projected state of an invoice",
		Long: `Project an invoice from the log and print its state.

Examples:
  receivables show 0192f7d4-... --db ./receivables.db
  receivables show 0192f7d4-... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runShow(opts *RootOptions, invoiceID string, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd)

	cfg, err := loadConfig(opts, cmd)
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

	s, err := rt.engine.GetInvoice(context.Background(), invoiceID)
	if err != nil {
		return out.EngineError(err)
	}
	return out.Success(s, func(w io.Writer) { writeInvoiceText(w, s) })
}

func writeInvoiceText(w io.Writer, s projection.InvoiceState) {
	money := func(label string, v decimal.Decimal) {
		fmt.Fprintf(w, "  %-14s %s %s\n", label+":", v.StringFixed(settlement.Scale), s.Currency)
	}

	fmt.Fprintf(w, "Invoice %s  [%s]  version %d\n", s.ID, s.Status, s.Version)
	fmt.Fprintf(w, "  %-14s %s\n", "Exporter:", s.ExporterID)
	if s.BuyerID != "" {
		fmt.Fprintf(w, "  %-14s %s (acknowledged: %t)\n", "Buyer:", s.BuyerID, s.BuyerAcknowledged)
	}
	if s.AttesterID != "" {
		fmt.Fprintf(w, "  %-14s %s (signed: %t)\n", "Attester:", s.AttesterID, s.AttesterSigned)
	}
	money("Principal", s.Principal)
	fmt.Fprintf(w, "  %-14s %d bps over %d days, matures %s\n", "Yield:", s.YieldBps, s.TenorDays, s.MaturityDate.Format("2006-01-02"))
	money("Funded", s.FundedAmount)
	fmt.Fprintf(w, "  %-14s %s%%\n", "Funded %:", s.FundedPercent.StringFixed(settlement.Scale))
	money("Paid", s.PaidAmount)
	money("Bond", s.BondAmount)
	if s.AdvancePaid.IsPositive() {
		money("Advance", s.AdvancePaid)
		money("Holdback", s.Holdback)
	}

	if len(s.Investments) > 0 {
		fmt.Fprintln(w, "Investments:")
		for _, inv := range s.Investments {
			fmt.Fprintf(w, "  %s  %s  %s\n", inv.ID, inv.InvestorID, inv.Amount.StringFixed(settlement.Scale))
		}
	}
	if len(s.Payouts) > 0 {
		fmt.Fprintln(w, "Payouts:")
		for _, p := range s.Payouts {
			fmt.Fprintf(w, "  %s  %s (principal %s, yield %s)\n", p.InvestorID,
				p.Total.StringFixed(settlement.Scale), p.Principal.StringFixed(settlement.Scale), p.Yield.StringFixed(settlement.Scale))
		}
	}
	if len(s.Compensation) > 0 {
		fmt.Fprintln(w, "Compensation:")
		for _, c := range s.Compensation {
			fmt.Fprintf(w, "  %s  %s\n", c.InvestorID, c.Amount.StringFixed(settlement.Scale))
		}
	}
	if len(s.Recovery) > 0 {
		fmt.Fprintln(w, "Recovery:")
		for _, c := range s.Recovery {
			fmt.Fprintf(w, "  %s  %s\n", c.InvestorID, c.Amount.StringFixed(settlement.Scale))
		}
	}
	if len(s.Documents) > 0 {
		fmt.Fprintln(w, "Documents:")
		for _, d := range s.Documents {
			fmt.Fprintf(w, "  %s  %s  %s  %d bytes\n", d.FileID, d.Kind, d.Name, d.Size)
		}
	}
	for _, a := range s.Anomalies {
		fmt.Fprintf(w, "Anomaly at version %d (%s): %s\n", a.Version, a.Type, a.Reason)
	}
}

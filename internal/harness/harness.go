package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/roach88/receivables/internal/engine"
	"github.com/roach88/receivables/internal/event"
	"github.com/roach88/receivables/internal/files"
	"github.com/roach88/receivables/internal/store"
	"github.com/roach88/receivables/internal/testutil"
	"github.com/roach88/receivables/internal/token"
)

const defaultEscrow = "escrow"

// Harness executes one scenario against a fresh engine.
type Harness struct {
	engine  *engine.Engine
	log     *store.Memory
	clock   *testutil.Clock
	ledger   *token.Memory
	usd      token.Ref
	accounts engine.TransferAccounts
	aliases map[string]string
	logger  *slog.Logger
}

// Option configures Run.
type Option func(*Harness)

// WithLogger routes engine logs to l. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs on a fresh in-memory event log with a settable clock
// and sequential IDs, so the same scenario always produces the same trace.
// The returned error reports a scenario that could not be executed; step
// and assertion mismatches are recorded in the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	start, err := scenario.startTime()
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	h := &Harness{
		log:     store.NewMemory(),
		clock:   testutil.NewClock(start),
		aliases: make(map[string]string),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	engineOpts := []engine.EngineOption{
		engine.WithNow(h.clock.Now),
		engine.WithIDGenerator(testutil.NewSequenceGenerator("id")),
		engine.WithLogger(h.logger),
		engine.WithFileStore(files.NewMemory()),
	}
	if scenario.Tokens != nil {
		accounts, err := h.setupTokens(scenario.Tokens)
		if err != nil {
			return nil, err
		}
		h.accounts = accounts
		engineOpts = append(engineOpts, engine.WithTokenLedger(h.ledger, accounts))
	}
	h.engine = engine.New(h.log, engineOpts...)

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.runStep(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for _, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a, result.Trace); err != nil {
			result.AddError(err.Error())
		}
	}

	for _, alias := range slices.Sorted(maps.Keys(h.aliases)) {
		s, err := h.engine.GetInvoice(ctx, h.aliases[alias])
		if err != nil {
			return nil, fmt.Errorf("final state of %s: %w", alias, err)
		}
		result.Invoices[alias] = s
	}
	return result, nil
}

func (h *Harness) setupTokens(setup *TokenSetup) (engine.TransferAccounts, error) {
	var opts []token.MemoryOption
	if setup.Strict {
		opts = append(opts, token.WithStrictAssociation())
	}
	h.ledger = token.NewMemory(opts...)
	h.usd = h.ledger.CreateToken("USD")

	escrow := setup.Escrow
	if escrow == "" {
		escrow = defaultEscrow
	}

	for _, account := range slices.Sorted(maps.Keys(setup.Balances)) {
		amount, err := decimal.NewFromString(setup.Balances[account])
		if err != nil {
			return engine.TransferAccounts{}, fmt.Errorf("tokens.balances[%s]: %w", account, err)
		}
		if err := h.ledger.Issue(h.usd, account, amount); err != nil {
			return engine.TransferAccounts{}, fmt.Errorf("tokens.balances[%s]: %w", account, err)
		}
	}
	return engine.TransferAccounts{Escrow: escrow, SettlementToken: h.usd}, nil
}

// runStep executes one step, records it in the trace and checks its
// expectation. Only malformed arguments are returned as errors.
func (h *Harness) runStep(ctx context.Context, n int, step Step, result *Result) error {
	if step.Op == OpAdvance {
		days, _ := strconv.Atoi(step.Args["days"])
		h.clock.AdvanceDays(days)
		result.Trace = append(result.Trace, TraceEvent{Step: n, Op: step.Op, Days: days, Outcome: "ok"})
		return nil
	}

	run, err := h.command(step)
	if err != nil {
		return err
	}
	before, err := h.log.LastSeq(ctx)
	if err != nil {
		return err
	}

	invoiceID, cmdErr := run(ctx)

	tr := TraceEvent{Step: n, Op: step.Op, Actor: step.Actor, Invoice: step.Invoice, Outcome: "ok"}
	if cmdErr != nil {
		tr.Outcome = string(engine.CodeOf(cmdErr))
		if tr.Outcome == "" {
			tr.Outcome = "ERROR"
		}
	} else if step.As != "" {
		h.aliases[step.As] = invoiceID
		tr.Invoice = step.As
	}

	for evt, err := range h.log.Query(ctx, event.Filter{After: before}) {
		if err != nil {
			return err
		}
		tr.Events = append(tr.Events, string(evt.Type))
	}

	want := ""
	if step.Expect != nil {
		want = step.Expect.Error
	}
	got := tr.Outcome
	if got == "ok" {
		got = ""
	}
	if got != want {
		result.AddError(fmt.Sprintf("step %d (%s): expected %s, got %s: %v",
			n, step.Op, outcomeName(want), outcomeName(got), cmdErr))
	}

	if id, ok := h.aliases[tr.Invoice]; ok {
		s, err := h.engine.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		tr.Status = string(s.Status)
		tr.Version = s.Version

		if step.Expect != nil {
			if step.Expect.Status != "" && step.Expect.Status != tr.Status {
				result.AddError(fmt.Sprintf("step %d (%s): expected status %s, got %s", n, step.Op, step.Expect.Status, tr.Status))
			}
			for _, field := range slices.Sorted(maps.Keys(step.Expect.Fields)) {
				if err := checkField(s, field, step.Expect.Fields[field]); err != nil {
					result.AddError(fmt.Sprintf("step %d (%s): %v", n, step.Op, err))
				}
			}
		}
	}

	result.Trace = append(result.Trace, tr)
	return nil
}

func outcomeName(code string) string {
	if code == "" {
		return "success"
	}
	return code
}

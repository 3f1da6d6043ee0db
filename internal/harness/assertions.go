package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/receivables/internal/engine"
	"github.com/roach88/receivables/internal/event"
	"github.com/roach88/receivables/internal/projection"
	"github.com/roach88/receivables/internal/settlement"
)

// Assertion types.
const (
	AssertStatus       = "status"
	AssertField        = "field"
	AssertEventOrder   = "event_order"
	AssertEventCount   = "event_count"
	AssertBalance      = "balance"
	AssertPayout       = "payout"
	AssertCompensation = "compensation"
	AssertRecovery     = "recovery"
	AssertReplay       = "replay"
)

// Assertion validates the final state of a scenario.
type Assertion struct {
	// Type selects the check (see the Assert constants).
	Type string `yaml:"type"`

	// Invoice is the alias the assertion applies to.
	Invoice string `yaml:"invoice,omitempty"`

	// Status is the expected status (status).
	Status string `yaml:"status,omitempty"`

	// Field and Value name a state field and its expected value (field).
	Field string `yaml:"field,omitempty"`
	Value string `yaml:"value,omitempty"`

	// Events are event types in expected relative order (event_order).
	Events []string `yaml:"events,omitempty"`

	// Event and Count give the expected occurrences of one type
	// (event_count).
	Event string `yaml:"event,omitempty"`
	Count int    `yaml:"count,omitempty"`

	// Account is the token account (balance). A balance assertion with an
	// invoice instead checks that invoice's escrow account.
	Account string `yaml:"account,omitempty"`

	// Investor is the investor (payout, compensation, recovery).
	Investor string `yaml:"investor,omitempty"`

	// Amount is the expected amount (balance, payout, compensation,
	// recovery).
	Amount string `yaml:"amount,omitempty"`
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, tr := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s %s -> %s\n", tr.Step, tr.Op, tr.Actor, tr.Invoice, tr.Outcome)
	}
	return buf.String()
}

// evaluate runs one assertion against the harness state.
func (h *Harness) evaluate(ctx context.Context, a Assertion, trace []TraceEvent) error {
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Trace: trace}
	}

	if a.Type == AssertBalance {
		account := a.Account
		if a.Invoice != "" {
			account = h.accounts.InvoiceEscrow(h.aliases[a.Invoice])
		}
		got := h.ledger.Balance(h.usd, account)
		if !sameValue(a.Amount, got.String()) {
			return fail(fmt.Sprintf("%s holds %s", account, a.Amount), got.String())
		}
		return nil
	}

	id := h.aliases[a.Invoice]
	s, err := h.engine.GetInvoice(ctx, id)
	if err != nil {
		return fail(fmt.Sprintf("invoice %s exists", a.Invoice), err.Error())
	}

	switch a.Type {
	case AssertStatus:
		if string(s.Status) != a.Status {
			return fail(fmt.Sprintf("%s is %s", a.Invoice, a.Status), string(s.Status))
		}

	case AssertField:
		if err := checkField(s, a.Field, a.Value); err != nil {
			return fail(fmt.Sprintf("%s.%s = %s", a.Invoice, a.Field, a.Value), err.Error())
		}

	case AssertEventOrder, AssertEventCount, AssertReplay:
		events, err := h.engine.ListEvents(ctx, event.Filter{InvoiceID: id})
		if err != nil {
			return err
		}
		switch a.Type {
		case AssertEventOrder:
			if missing := eventOrder(events, a.Events); missing != "" {
				return fail(fmt.Sprintf("events in order %v", a.Events), fmt.Sprintf("%s not found in order in %v", missing, eventTypes(events)))
			}
		case AssertEventCount:
			if n := eventCount(events, a.Event); n != a.Count {
				return fail(fmt.Sprintf("%d x %s", a.Count, a.Event), fmt.Sprintf("%d", n))
			}
		case AssertReplay:
			if r := engine.VerifyEvents(id, events); !r.OK {
				return fail(fmt.Sprintf("%s replays cleanly", a.Invoice), fmt.Sprintf("%+v", r.Checks))
			}
		}

	case AssertPayout:
		got, ok := payoutFor(s.Payouts, a.Investor)
		if !ok || !sameValue(a.Amount, got) {
			return fail(fmt.Sprintf("payout to %s of %s", a.Investor, a.Amount), orNone(got, ok))
		}

	case AssertCompensation, AssertRecovery:
		shares := s.Compensation
		if a.Type == AssertRecovery {
			shares = s.Recovery
		}
		got, ok := shareFor(shares, a.Investor)
		if !ok || !sameValue(a.Amount, got) {
			return fail(fmt.Sprintf("%s to %s of %s", a.Type, a.Investor, a.Amount), orNone(got, ok))
		}
	}
	return nil
}

// eventOrder returns the first expected type that does not appear after
// its predecessor, or "" if all appear in order. Intervening events are
// allowed.
func eventOrder(events []event.Event, want []string) string {
	i := 0
	for _, evt := range events {
		if i < len(want) && string(evt.Type) == want[i] {
			i++
		}
	}
	if i < len(want) {
		return want[i]
	}
	return ""
}

func eventCount(events []event.Event, typ string) int {
	n := 0
	for _, evt := range events {
		if string(evt.Type) == typ {
			n++
		}
	}
	return n
}

func eventTypes(events []event.Event) []string {
	out := make([]string, len(events))
	for i, evt := range events {
		out[i] = string(evt.Type)
	}
	return out
}

func payoutFor(payouts []settlement.Payout, investorID string) (string, bool) {
	for _, p := range payouts {
		if p.InvestorID == investorID {
			return p.Total.String(), true
		}
	}
	return "", false
}

func shareFor(shares []settlement.Compensation, investorID string) (string, bool) {
	for _, c := range shares {
		if c.InvestorID == investorID {
			return c.Amount.String(), true
		}
	}
	return "", false
}

func orNone(v string, ok bool) string {
	if !ok {
		return "none"
	}
	return v
}

// checkField compares a state field, addressed by its JSON name, with want.
func checkField(s projection.InvoiceState, field, want string) error {
	got, err := fieldValue(s, field)
	if err != nil {
		return err
	}
	if !sameValue(want, got) {
		return fmt.Errorf("%s: expected %s, got %s", field, want, got)
	}
	return nil
}

func fieldValue(s projection.InvoiceState, field string) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return "", err
	}
	v, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("unknown field %q", field)
	}
	return fmt.Sprint(v), nil
}

// sameValue compares numerically when both sides are decimals, so "500"
// matches "500.00".
func sameValue(want, got string) bool {
	w, werr := decimal.NewFromString(want)
	g, gerr := decimal.NewFromString(got)
	if werr == nil && gerr == nil {
		return w.Equal(g)
	}
	return want == got
}

package harness

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/receivables/internal/event"
	"github.com/roach88/receivables/internal/projection"
)

func eventsOf(types ...event.Type) []event.Event {
	out := make([]event.Event, len(types))
	for i, typ := range types {
		out[i] = event.Event{Type: typ, Version: int64(i + 1)}
	}
	return out
}

func TestEventOrder(t *testing.T) {
	events := eventsOf(event.TypeInvoiceCreated, event.TypeBondPosted, event.TypeInvoiceListed, event.TypeInvestmentMade)

	assert.Empty(t, eventOrder(events, []string{"INVOICE_CREATED", "INVOICE_LISTED"}))
	assert.Empty(t, eventOrder(events, []string{"INVESTMENT_MADE"}))
	assert.Equal(t, "INVOICE_CREATED", eventOrder(events, []string{"INVOICE_LISTED", "INVOICE_CREATED"}))
	assert.Equal(t, "INVOICE_PAID", eventOrder(events, []string{"INVOICE_CREATED", "INVOICE_PAID"}))
}

func TestEventCount(t *testing.T) {
	events := eventsOf(event.TypeInvoiceCreated, event.TypeInvestmentMade, event.TypeInvestmentMade)
	assert.Equal(t, 2, eventCount(events, "INVESTMENT_MADE"))
	assert.Equal(t, 0, eventCount(events, "INVOICE_PAID"))
}

func TestSameValue(t *testing.T) {
	assert.True(t, sameValue("500", "500.00"))
	assert.True(t, sameValue("0", "0"))
	assert.False(t, sameValue("500", "500.01"))
	assert.True(t, sameValue("FUNDED", "FUNDED"))
	assert.False(t, sameValue("true", "false"))
}

func TestFieldValue(t *testing.T) {
	s := projection.InvoiceState{ID: "id-0001", Status: projection.StatusListed, Listed: true, Version: 3}

	v, err := fieldValue(s, "status")
	require.NoError(t, err)
	assert.Equal(t, "LISTED", v)

	v, err = fieldValue(s, "version")
	require.NoError(t, err)
	assert.Equal(t, "3", v)

	v, err = fieldValue(s, "listed")
	require.NoError(t, err)
	assert.Equal(t, "true", v)

	_, err = fieldValue(s, "no_such_field")
	assert.ErrorContains(t, err, `unknown field "no_such_field"`)
}

func TestAssertions_FailuresIncludeTrace(t *testing.T) {
	scenario := &Scenario{
		Name:        "failing",
		Description: "Every assertion is wrong",
		Tokens:      &TokenSetup{Balances: map[string]string{"inv-a": "100"}},
		Steps: []Step{
			{Op: OpCreate, Actor: "exp-1", As: "inv1", Args: map[string]string{
				"principal": "1000", "currency": "USD", "tenor_days": "30",
			}},
		},
		Assertions: []Assertion{
			{Type: AssertStatus, Invoice: "inv1", Status: "PAID"},
			{Type: AssertEventCount, Invoice: "inv1", Event: "INVOICE_CREATED", Count: 2},
			{Type: AssertEventOrder, Invoice: "inv1", Events: []string{"INVOICE_LISTED"}},
			{Type: AssertBalance, Account: "inv-a", Amount: "50"},
			{Type: AssertPayout, Invoice: "inv1", Investor: "inv-a", Amount: "1"},
			{Type: AssertRecovery, Invoice: "inv1", Investor: "inv-a", Amount: "1"},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 6)
	for _, msg := range result.Errors {
		assert.True(t, strings.HasPrefix(msg, "Assertion failed: "), msg)
		assert.Contains(t, msg, "[1] create exp-1 inv1 -> ok")
	}
	assert.Contains(t, result.Errors[3], "Actual: 100")
	assert.Contains(t, result.Errors[4], "Actual: none")
}

func TestAssertions_ReplayPasses(t *testing.T) {
	scenario := &Scenario{
		Name:        "replay",
		Description: "A short stream replays cleanly",
		Steps: []Step{
			{Op: OpCreate, Actor: "exp-1", As: "inv1", Args: map[string]string{
				"principal": "1000", "currency": "USD", "tenor_days": "30",
			}},
			{Op: OpList, Actor: "exp-1", Invoice: "inv1"},
		},
		Assertions: []Assertion{
			{Type: AssertReplay, Invoice: "inv1"},
			{Type: AssertEventOrder, Invoice: "inv1", Events: []string{"INVOICE_CREATED", "INVOICE_LISTED"}},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

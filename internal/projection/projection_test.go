package projection

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/receivables/internal/event"
	"github.com/roach88/receivables/internal/settlement"
)

var base = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// stream stamps payloads as if they had been appended in order.
func stream(payloads ...event.Payload) []event.Event {
	out := make([]event.Event, len(payloads))
	for i, p := range payloads {
		e := event.New("inv-1", "actor", p)
		e.ID = fmt.Sprintf("evt-%d", i+1)
		e.Seq = int64(i + 1)
		e.Version = int64(i + 1)
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		out[i] = e
	}
	return out
}

func created(principal string) event.InvoiceCreated {
	return event.InvoiceCreated{
		ExporterID:   "exp-1",
		BuyerID:      "buyer-1",
		Principal:    d(principal),
		Currency:     "USD",
		YieldBps:     1250,
		TenorDays:    90,
		MaturityDate: base.AddDate(0, 0, 90),
	}
}

func invest(investor, amount string) event.InvestmentMade {
	return event.InvestmentMade{InvestmentID: "i-" + investor + amount, InvestorID: investor, Amount: d(amount), Requested: d(amount)}
}

func TestProject_Empty(t *testing.T) {
	s := Project(nil)
	assert.False(t, s.Exists())
	assert.Equal(t, StatusNone, s.Status)
}

func TestProject_FullLifecycle(t *testing.T) {
	events := stream(
		created("50000"),
		event.InvoiceListed{},
		invest("inv-a", "32500"),
		invest("inv-b", "17500"),
		event.InvoiceFunded{FundedAmount: d("50000")},
		event.PaymentRecorded{PaymentID: "p1", Amount: d("56250")},
		event.InvoicePaid{BondRefund: decimal.Zero},
	)
	s := Project(events)

	assert.Equal(t, StatusPaid, s.Status)
	assert.True(t, s.FundedAmount.Equal(d("50000")))
	assert.True(t, s.PaidAmount.Equal(d("56250")))
	assert.True(t, s.FundedPercent.Equal(d("100")))
	assert.Len(t, s.Investments, 2)
	assert.Equal(t, int64(7), s.Version)
	assert.Empty(t, s.Anomalies)
	assert.Equal(t, base.Add(6*time.Minute), s.UpdatedAt)
}

func TestProject_PartialThenFilled(t *testing.T) {
	s := Project(stream(created("1000"), event.InvoiceListed{}, invest("a", "400")))
	assert.Equal(t, StatusInvesting, s.Status)
	assert.True(t, s.FundedPercent.Equal(d("40")))
	assert.True(t, s.Remaining().Equal(d("600")))
	assert.True(t, s.AdvanceRate.Equal(d("80")))
	assert.True(t, s.AdvanceAmount.Equal(d("320")))

	s = Project(stream(created("1000"), event.InvoiceListed{}, invest("a", "1000")))
	assert.Equal(t, StatusFunded, s.Status)
}

func TestProject_ClampsFundedAmount(t *testing.T) {
	s := Project(stream(created("1000"), event.InvoiceListed{}, invest("a", "900"), invest("b", "500")))
	assert.Equal(t, StatusFunded, s.Status)
	assert.True(t, s.FundedAmount.Equal(d("1000")))
	assert.True(t, s.Investments[1].Amount.Equal(d("100")))
	assert.True(t, s.Investments[1].Requested.Equal(d("500")))
}

func TestProject_ProofOfDeliveryRaisesAdvanceRate(t *testing.T) {
	s := Project(stream(
		created("1000"),
		event.DocUploaded{FileID: "f1", Kind: event.DocKindProofOfDelivery, Size: 3},
		event.InvoiceListed{},
		invest("a", "1000"),
	))
	assert.True(t, s.HasProofOfDelivery)
	assert.True(t, s.AdvanceRate.Equal(d("90")))
	assert.True(t, s.AdvanceAmount.Equal(d("900")))
	assert.Len(t, s.Documents, 1)
}

func TestProject_AnomaliesDoNotMoveStatus(t *testing.T) {
	tests := []struct {
		name   string
		events []event.Event
		status Status
	}{
		{"invest in draft", stream(created("10"), invest("a", "5")), StatusDraft},
		{"paid before funded", stream(created("10"), event.InvoiceListed{}, event.InvoicePaid{}), StatusListed},
		{"list twice", stream(created("10"), event.InvoiceListed{}, event.InvoiceListed{}), StatusListed},
		{"default after paid", stream(created("10"), event.InvoiceListed{}, invest("a", "10"), event.InvoicePaid{}, event.InvoiceDefaulted{}), StatusPaid},
		{"duplicate create", stream(created("10"), created("20")), StatusDraft},
		{"payment while listed", stream(created("10"), event.InvoiceListed{}, event.PaymentRecorded{Amount: d("1")}), StatusListed},
		{"cancel after cancel", stream(created("10"), event.InvoiceCancelled{}, event.InvoiceCancelled{}), StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Project(tt.events)
			assert.Equal(t, tt.status, s.Status)
			require.Len(t, s.Anomalies, 1)
			last := tt.events[len(tt.events)-1]
			assert.Equal(t, last.ID, s.Anomalies[0].EventID)
			assert.Equal(t, last.Version, s.Version)
		})
	}
}

func TestProject_EventBeforeCreate(t *testing.T) {
	s := Project(stream(event.BondPosted{Amount: d("300")}))
	assert.False(t, s.Exists())
	require.Len(t, s.Anomalies, 1)
	assert.Contains(t, s.Anomalies[0].Reason, "precedes")
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	events := stream(created("1000"), event.InvoiceListed{}, invest("a", "100"))
	before := Project(events[:2])
	before.Investments = append(before.Investments, Investment{ID: "x"})[:0]

	after := Apply(before, events[2])
	assert.Len(t, after.Investments, 1)
	assert.Empty(t, before.Investments)

	again := Apply(before, events[2])
	after.Investments[0].InvestorID = "mutated"
	assert.Equal(t, "a", again.Investments[0].InvestorID)
}

// allowed lists the edges of the lifecycle graph, including self loops.
var allowed = map[Status][]Status{
	StatusNone:      {StatusNone, StatusDraft},
	StatusDraft:     {StatusDraft, StatusListed, StatusCancelled},
	StatusListed:    {StatusListed, StatusInvesting, StatusFunded, StatusCancelled},
	StatusInvesting: {StatusInvesting, StatusFunded},
	StatusFunded:    {StatusFunded, StatusPaid, StatusDefaulted},
	StatusPaid:      {StatusPaid},
	StatusDefaulted: {StatusDefaulted},
	StatusCancelled: {StatusCancelled},
}

func randomPayload(r *rand.Rand) event.Payload {
	amount := decimal.NewFromInt(int64(r.IntN(600) + 1))
	switch r.IntN(12) {
	case 0:
		return created("1000")
	case 1:
		return event.InvoiceListed{}
	case 2, 3, 4:
		return event.InvestmentMade{InvestmentID: "i", InvestorID: fmt.Sprintf("inv-%d", r.IntN(3)), Amount: amount, Requested: amount}
	case 5:
		return event.InvoiceFunded{}
	case 6:
		return event.PaymentRecorded{Amount: amount}
	case 7:
		return event.InvoicePaid{}
	case 8:
		return event.InvoiceDefaulted{}
	case 9:
		return event.InvoiceCancelled{}
	case 10:
		return event.BondPosted{Amount: amount}
	default:
		return event.DocUploaded{FileID: "f", Kind: event.DocKindProofOfDelivery}
	}
}

func TestProject_RandomStreamsStayOnGraph(t *testing.T) {
	r := rand.New(rand.NewPCG(42, 7))
	for run := 0; run < 500; run++ {
		n := r.IntN(30) + 1
		payloads := make([]event.Payload, n)
		if r.IntN(4) > 0 {
			payloads[0] = created("1000")
		} else {
			payloads[0] = randomPayload(r)
		}
		for i := 1; i < n; i++ {
			payloads[i] = randomPayload(r)
		}
		events := stream(payloads...)

		var s InvoiceState
		for _, e := range events {
			next := Apply(s, e)
			assert.Contains(t, allowed[s.Status], next.Status, "run %d: %s -> %s via %s", run, s.Status, next.Status, e.Type)
			assert.True(t, next.FundedAmount.LessThanOrEqual(next.Principal), "run %d: funded above principal", run)
			assert.True(t, next.FundedPercent.LessThanOrEqual(hundred))
			s = next
		}

		// Replay determinism and the prefix property.
		assert.Equal(t, s, Project(events))
		cut := r.IntN(n + 1)
		resumed := Project(events[:cut])
		for _, e := range events[cut:] {
			resumed = Apply(resumed, e)
		}
		assert.Equal(t, s, resumed, "run %d: prefix %d", run, cut)
	}
}

func TestContributions(t *testing.T) {
	s := Project(stream(created("1000"), event.InvoiceListed{}, invest("a", "600"), invest("b", "400")))
	payouts, err := settlement.ComputePayouts(s.Principal, s.YieldBps, s.Contributions())
	require.NoError(t, err)
	assert.Len(t, payouts, 2)
	assert.True(t, s.HasInvestor("b"))
	assert.False(t, s.HasInvestor("c"))
}

// Package projection folds an invoice's event stream into its current
// state. The fold is pure: the same events always produce the same state,
// and projecting a prefix then applying the remainder equals projecting
// the whole stream.
//
// Events that are not legal in the state they arrive in never move the
// invoice off the lifecycle graph. They are recorded as anomalies and
// otherwise ignored.
package projection

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/receivables/internal/event"
	"github.com/roach88/receivables/internal/settlement"
)

// Status is the lifecycle position of an invoice.
type Status string

const (
	StatusNone      Status = ""
	StatusDraft     Status = "DRAFT"
	StatusListed    Status = "LISTED"
	StatusInvesting Status = "INVESTING"
	StatusFunded    Status = "FUNDED"
	StatusPaid      Status = "PAID"
	StatusDefaulted Status = "DEFAULTED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusDefaulted || s == StatusCancelled
}

// Open reports whether the invoice accepts investment.
func (s Status) Open() bool {
	return s == StatusListed || s == StatusInvesting
}

// Investment is accepted capital from one investor.
type Investment struct {
	ID         string          `json:"id"`
	InvestorID string          `json:"investor_id"`
	Amount     decimal.Decimal `json:"amount"`
	Requested  decimal.Decimal `json:"requested"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Document is a file attached to the invoice.
type Document struct {
	FileID     string    `json:"file_id"`
	SHA256     string    `json:"sha256"`
	Kind       string    `json:"kind"`
	Name       string    `json:"name,omitempty"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Anomaly is an event that was ignored because it was not valid in the
// state it was applied to.
type Anomaly struct {
	EventID string     `json:"event_id"`
	Version int64      `json:"version"`
	Type    event.Type `json:"type"`
	Status  Status     `json:"status"`
	Reason  string     `json:"reason"`
}

// InvoiceState is the projected view of one invoice.
type InvoiceState struct {
	ID           string          `json:"id"`
	Status       Status          `json:"status"`
	ExporterID   string          `json:"exporter_id"`
	BuyerID      string          `json:"buyer_id,omitempty"`
	AttesterID   string          `json:"attester_id,omitempty"`
	Principal    decimal.Decimal `json:"principal"`
	Currency     string          `json:"currency"`
	YieldBps     int64           `json:"yield_bps"`
	TenorDays    int64           `json:"tenor_days"`
	MaturityDate time.Time       `json:"maturity_date"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`

	Listed       bool            `json:"listed"`
	FundedAmount decimal.Decimal `json:"funded_amount"`
	PaidAmount   decimal.Decimal `json:"paid_amount"`
	BondAmount   decimal.Decimal `json:"bond_amount"`
	BondRefund   decimal.Decimal `json:"bond_refund"`
	AdvancePaid  decimal.Decimal `json:"advance_paid"`
	Holdback     decimal.Decimal `json:"holdback"`

	// Derived after every event.
	FundedPercent decimal.Decimal `json:"funded_percent"`
	AdvanceRate   decimal.Decimal `json:"advance_rate"`
	AdvanceAmount decimal.Decimal `json:"advance_amount"`

	Investments        []Investment              `json:"investments"`
	Documents          []Document                `json:"documents"`
	HasProofOfDelivery bool                      `json:"has_proof_of_delivery"`
	BuyerAcknowledged  bool                      `json:"buyer_acknowledged"`
	AttesterSigned     bool                      `json:"attester_signed"`
	NFTRef             string                    `json:"nft_ref,omitempty"`
	FractionTokenRef   string                    `json:"fraction_token_ref,omitempty"`
	Payouts            []settlement.Payout       `json:"payouts,omitempty"`
	Compensation       []settlement.Compensation `json:"compensation,omitempty"`
	Recovery           []settlement.Compensation `json:"recovery,omitempty"`

	Version   int64     `json:"version"`
	Anomalies []Anomaly `json:"anomalies,omitempty"`
}

// Exists reports whether an INVOICE_CREATED event has been applied.
func (s InvoiceState) Exists() bool {
	return s.Status != StatusNone
}

// Remaining is the capital still needed to fund the invoice.
func (s InvoiceState) Remaining() decimal.Decimal {
	r := s.Principal.Sub(s.FundedAmount)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Contributions returns investments in the form the settlement
// calculator consumes.
func (s InvoiceState) Contributions() []settlement.Contribution {
	out := make([]settlement.Contribution, len(s.Investments))
	for i, inv := range s.Investments {
		out[i] = settlement.Contribution{InvestorID: inv.InvestorID, Amount: inv.Amount}
	}
	return out
}

// HasInvestor reports whether investorID holds any position.
func (s InvoiceState) HasInvestor(investorID string) bool {
	for _, inv := range s.Investments {
		if inv.InvestorID == investorID {
			return true
		}
	}
	return false
}

// Project folds events, in order, from the empty state.
func Project(events []event.Event) InvoiceState {
	var s InvoiceState
	for _, e := range events {
		s = Apply(s, e)
	}
	return s
}

var hundred = decimal.NewFromInt(100)

// Apply returns the state after e. s is not modified.
func Apply(s InvoiceState, e event.Event) InvoiceState {
	next, reason := apply(s, e)
	if reason != "" {
		s.Anomalies = append(slices.Clip(s.Anomalies), Anomaly{
			EventID: e.ID,
			Version: e.Version,
			Type:    e.Type,
			Status:  s.Status,
			Reason:  reason,
		})
		s.Version = e.Version
		return s
	}
	next.Version = e.Version
	next.UpdatedAt = e.Timestamp
	derive(&next)
	return next
}

// apply returns the next state or a non-empty reason the event was ignored.
func apply(s InvoiceState, e event.Event) (InvoiceState, string) {
	if e.Type == event.TypeInvoiceCreated {
		if s.Exists() {
			return s, "invoice already created"
		}
	} else if !s.Exists() {
		return s, "event precedes INVOICE_CREATED"
	}

	switch p := e.Payload.(type) {
	case event.InvoiceCreated:
		return InvoiceState{
			ID:           e.InvoiceID,
			Status:       StatusDraft,
			ExporterID:   p.ExporterID,
			BuyerID:      p.BuyerID,
			AttesterID:   p.AttesterID,
			Principal:    p.Principal,
			Currency:     p.Currency,
			YieldBps:     p.YieldBps,
			TenorDays:    p.TenorDays,
			MaturityDate: p.MaturityDate,
			Description:  p.Description,
			NFTRef:       p.NFTRef,
			CreatedAt:    e.Timestamp,
			Investments:  []Investment{},
			Documents:    []Document{},
		}, ""

	case event.InvoiceListed:
		if s.Status != StatusDraft || s.Listed {
			return s, notAllowed(e, s)
		}
		s.Status = StatusListed
		s.Listed = true
		s.FractionTokenRef = p.FractionTokenRef
		return s, ""

	case event.InvestmentMade:
		if !s.Status.Open() {
			return s, notAllowed(e, s)
		}
		if !p.Amount.IsPositive() {
			return s, "investment amount is not positive"
		}
		accepted := decimal.Min(p.Amount, s.Remaining())
		s.FundedAmount = s.FundedAmount.Add(accepted)
		s.Investments = append(slices.Clip(s.Investments), Investment{
			ID:         p.InvestmentID,
			InvestorID: p.InvestorID,
			Amount:     accepted,
			Requested:  p.Requested,
			CreatedAt:  e.Timestamp,
		})
		if s.FundedAmount.GreaterThanOrEqual(s.Principal) {
			s.Status = StatusFunded
		} else {
			s.Status = StatusInvesting
		}
		return s, ""

	case event.InvoiceFunded:
		if !s.Status.Open() && s.Status != StatusFunded {
			return s, notAllowed(e, s)
		}
		s.Status = StatusFunded
		if p.AdvanceAmount.IsPositive() {
			s.AdvancePaid = p.AdvanceAmount
		}
		return s, ""

	case event.PaymentRecorded:
		if s.Status != StatusFunded {
			return s, notAllowed(e, s)
		}
		s.PaidAmount = s.PaidAmount.Add(p.Amount)
		return s, ""

	case event.InvoicePaid:
		if s.Status != StatusFunded {
			return s, notAllowed(e, s)
		}
		s.Status = StatusPaid
		s.Payouts = slices.Clone(p.Payouts)
		s.BondRefund = p.BondRefund
		return s, ""

	case event.InvoiceDefaulted:
		if s.Status != StatusFunded {
			return s, notAllowed(e, s)
		}
		s.Status = StatusDefaulted
		s.Compensation = slices.Clone(p.Compensation)
		s.Recovery = slices.Clone(p.Recovery)
		return s, ""

	case event.InvoiceCancelled:
		if (s.Status != StatusDraft && s.Status != StatusListed) || s.FundedAmount.IsPositive() {
			return s, notAllowed(e, s)
		}
		s.Status = StatusCancelled
		s.BondRefund = p.BondRefund
		return s, ""

	case event.BondPosted:
		if s.Status.Terminal() {
			return s, notAllowed(e, s)
		}
		s.BondAmount = s.BondAmount.Add(p.Amount)
		return s, ""

	case event.DocUploaded:
		if s.Status.Terminal() {
			return s, notAllowed(e, s)
		}
		s.Documents = append(slices.Clip(s.Documents), Document{
			FileID:     p.FileID,
			SHA256:     p.SHA256,
			Kind:       p.Kind,
			Name:       p.Name,
			Size:       p.Size,
			UploadedAt: e.Timestamp,
		})
		if p.Kind == event.DocKindProofOfDelivery {
			s.HasProofOfDelivery = true
		}
		return s, ""

	case event.BuyerAck:
		if s.Status.Terminal() {
			return s, notAllowed(e, s)
		}
		s.BuyerAcknowledged = true
		return s, ""

	case event.AttesterSign:
		if s.Status.Terminal() {
			return s, notAllowed(e, s)
		}
		s.AttesterSigned = true
		return s, ""
	}

	return s, fmt.Sprintf("unhandled payload %T", e.Payload)
}

func notAllowed(e event.Event, s InvoiceState) string {
	return fmt.Sprintf("%s not allowed in status %s", e.Type, s.Status)
}

// derive recomputes fields that are functions of the rest of the state.
func derive(s *InvoiceState) {
	if s.Principal.IsPositive() {
		pct := s.FundedAmount.Mul(hundred).Div(s.Principal).Round(settlement.Scale)
		if pct.GreaterThan(hundred) {
			pct = hundred
		}
		if pct.IsNegative() {
			pct = decimal.Zero
		}
		s.FundedPercent = pct
	} else {
		s.FundedPercent = decimal.Zero
	}
	s.AdvanceRate = settlement.AdvanceRate(s.HasProofOfDelivery)
	s.AdvanceAmount = settlement.AdvanceAmount(s.FundedAmount, s.AdvanceRate)

	// Capital held in escrow until settlement or default.
	s.Holdback = decimal.Zero
	if s.Status == StatusFunded && s.FundedAmount.GreaterThan(s.AdvancePaid) {
		s.Holdback = s.FundedAmount.Sub(s.AdvancePaid)
	}
}

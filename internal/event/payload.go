package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/receivables/internal/settlement"
)

// Payload is the typed body of an event. The set of implementations is
// closed: one struct per Type.
type Payload interface {
	EventType() Type
	isPayload()
}

// InvoiceCreated records the invoice terms.
type InvoiceCreated struct {
	ExporterID   string          `json:"exporter_id"`
	BuyerID      string          `json:"buyer_id,omitempty"`
	AttesterID   string          `json:"attester_id,omitempty"`
	Principal    decimal.Decimal `json:"principal"`
	Currency     string          `json:"currency"`
	YieldBps     int64           `json:"yield_bps"`
	TenorDays    int64           `json:"tenor_days"`
	MaturityDate time.Time       `json:"maturity_date"`
	Description  string          `json:"description,omitempty"`
	NFTRef       string          `json:"nft_ref,omitempty"`
}

// InvoiceListed opens the invoice to investors.
type InvoiceListed struct {
	FractionTokenRef string `json:"fraction_token_ref,omitempty"`
}

// InvestmentMade records accepted capital. Requested is what the investor
// asked for; Amount is what was accepted after clamping to the remainder.
type InvestmentMade struct {
	InvestmentID string          `json:"investment_id"`
	InvestorID   string          `json:"investor_id"`
	Amount       decimal.Decimal `json:"amount"`
	Requested    decimal.Decimal `json:"requested"`
	TxRefs       []string        `json:"tx_refs,omitempty"`
}

// InvoiceFunded marks the point where funded capital reached principal.
type InvoiceFunded struct {
	FundedAmount  decimal.Decimal `json:"funded_amount"`
	AdvanceRate   decimal.Decimal `json:"advance_rate"`
	AdvanceAmount decimal.Decimal `json:"advance_amount"`
	TxRef         string          `json:"tx_ref,omitempty"`
}

// PaymentRecorded records money received against the invoice.
type PaymentRecorded struct {
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	TxRef     string          `json:"tx_ref,omitempty"`
}

// InvoicePaid records settlement and the payouts made. HoldbackRelease is
// what the invoice escrow still held after the payouts: the capital not
// advanced at funding plus payments, less principal and yield.
type InvoicePaid struct {
	Payouts         []settlement.Payout `json:"payouts"`
	BondRefund      decimal.Decimal     `json:"bond_refund"`
	HoldbackRelease decimal.Decimal     `json:"holdback_release"`
	TxRefs          []string            `json:"tx_refs,omitempty"`
}

// InvoiceDefaulted records the slashed bond and its distribution.
// Recovery returns the undisbursed holdback and any payments received to
// investors pro-rata.
type InvoiceDefaulted struct {
	BondAmount   decimal.Decimal           `json:"bond_amount"`
	Compensation []settlement.Compensation `json:"compensation"`
	Recovery     []settlement.Compensation `json:"recovery"`
	TxRefs       []string                  `json:"tx_refs,omitempty"`
}

// InvoiceCancelled withdraws an unfunded invoice.
type InvoiceCancelled struct {
	Reason     string          `json:"reason,omitempty"`
	BondRefund decimal.Decimal `json:"bond_refund"`
	TxRefs     []string        `json:"tx_refs,omitempty"`
}

// BondPosted records collateral posted by the exporter.
type BondPosted struct {
	Amount decimal.Decimal `json:"amount"`
	TxRef  string          `json:"tx_ref,omitempty"`
}

// DocUploaded records a supporting document held in the file store.
type DocUploaded struct {
	FileID string `json:"file_id"`
	SHA256 string `json:"sha256"`
	Kind   string `json:"kind"`
	Name   string `json:"name,omitempty"`
	Size   int64  `json:"size"`
}

// BuyerAck records the buyer confirming the receivable.
type BuyerAck struct {
	BuyerID string `json:"buyer_id"`
	Note    string `json:"note,omitempty"`
}

// AttesterSign records a third-party attestation.
type AttesterSign struct {
	AttesterID string `json:"attester_id"`
	Statement  string `json:"statement,omitempty"`
}

// DocKindProofOfDelivery is the document kind that raises the advance rate.
const DocKindProofOfDelivery = "proof_of_delivery"

func (InvoiceCreated) EventType() Type   { return TypeInvoiceCreated }
func (InvoiceListed) EventType() Type    { return TypeInvoiceListed }
func (InvestmentMade) EventType() Type   { return TypeInvestmentMade }
func (InvoiceFunded) EventType() Type    { return TypeInvoiceFunded }
func (PaymentRecorded) EventType() Type  { return TypePaymentRecorded }
func (InvoicePaid) EventType() Type      { return TypeInvoicePaid }
func (InvoiceDefaulted) EventType() Type { return TypeInvoiceDefaulted }
func (InvoiceCancelled) EventType() Type { return TypeInvoiceCancelled }
func (BondPosted) EventType() Type       { return TypeBondPosted }
func (DocUploaded) EventType() Type      { return TypeDocUploaded }
func (BuyerAck) EventType() Type         { return TypeBuyerAck }
func (AttesterSign) EventType() Type     { return TypeAttesterSign }

func (InvoiceCreated) isPayload()   {}
func (InvoiceListed) isPayload()    {}
func (InvestmentMade) isPayload()   {}
func (InvoiceFunded) isPayload()    {}
func (PaymentRecorded) isPayload()  {}
func (InvoicePaid) isPayload()      {}
func (InvoiceDefaulted) isPayload() {}
func (InvoiceCancelled) isPayload() {}
func (BondPosted) isPayload()       {}
func (DocUploaded) isPayload()      {}
func (BuyerAck) isPayload()         {}
func (AttesterSign) isPayload()     {}

func decodeAs[P Payload](data []byte) (Payload, error) {
	var p P
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

var decoders = map[Type]func([]byte) (Payload, error){
	TypeInvoiceCreated:   decodeAs[InvoiceCreated],
	TypeInvoiceListed:    decodeAs[InvoiceListed],
	TypeInvestmentMade:   decodeAs[InvestmentMade],
	TypeInvoiceFunded:    decodeAs[InvoiceFunded],
	TypePaymentRecorded:  decodeAs[PaymentRecorded],
	TypeInvoicePaid:      decodeAs[InvoicePaid],
	TypeInvoiceDefaulted: decodeAs[InvoiceDefaulted],
	TypeInvoiceCancelled: decodeAs[InvoiceCancelled],
	TypeBondPosted:       decodeAs[BondPosted],
	TypeDocUploaded:      decodeAs[DocUploaded],
	TypeBuyerAck:         decodeAs[BuyerAck],
	TypeAttesterSign:     decodeAs[AttesterSign],
}

// Decode parses a stored payload for the given type.
func Decode(t Type, data []byte) (Payload, error) {
	dec, ok := decoders[t]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	p, err := dec(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

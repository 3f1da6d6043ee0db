package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/roach88/receivables/internal/event"
	"github.com/roach88/receivables/internal/files"
	"github.com/roach88/receivables/internal/projection"
	"github.com/roach88/receivables/internal/settlement"
	"github.com/roach88/receivables/internal/token"
)

// Terms are the commercial terms of a new invoice.
type Terms struct {
	ExporterID  string
	BuyerID     string
	AttesterID  string
	Principal   decimal.Decimal
	Currency    string
	YieldBps    int64
	TenorDays   int64
	Description string

	// MaturityDate defaults to creation time plus TenorDays.
	MaturityDate time.Time
}

// Investment is the outcome of Invest.
type Investment struct {
	Invoice      projection.InvoiceState `json:"invoice"`
	InvestmentID string                  `json:"investment_id"`
	Requested    decimal.Decimal         `json:"requested"`
	Amount       decimal.Decimal         `json:"amount"`
	Clamped      bool                    `json:"clamped"`
	Funded       bool                    `json:"funded"`
}

// PaymentRecord is the outcome of RecordPayment.
type PaymentRecord struct {
	Invoice     projection.InvoiceState `json:"invoice"`
	PaymentID   string                  `json:"payment_id"`
	Amount      decimal.Decimal         `json:"amount"`
	PaidAmount  decimal.Decimal         `json:"paid_amount"`
	Outstanding decimal.Decimal         `json:"outstanding"`
}

// Settlement is the outcome of Settle.
type Settlement struct {
	Invoice         projection.InvoiceState `json:"invoice"`
	Payouts         []settlement.Payout     `json:"payouts"`
	BondRefund      decimal.Decimal         `json:"bond_refund"`
	HoldbackRelease decimal.Decimal         `json:"holdback_release"`
	TotalPaidOut    decimal.Decimal         `json:"total_paid_out"`
}

// DefaultRecord is the outcome of MarkDefault.
type DefaultRecord struct {
	Invoice      projection.InvoiceState   `json:"invoice"`
	BondAmount   decimal.Decimal           `json:"bond_amount"`
	Compensation []settlement.Compensation `json:"compensation"`
	Recovery     []settlement.Compensation `json:"recovery"`
}

// Document is an upload request.
type Document struct {
	Name        string
	Kind        string
	ContentType string
	Data        []byte
}

// Create records a new invoice in DRAFT.
func (e *Engine) Create(ctx context.Context, t Terms) (projection.InvoiceState, error) {
	const op = "create"
	now := event.NormalizeTime(e.now())

	v := violations{}
	v.required("exporter_id", t.ExporterID)
	v.amount("principal", t.Principal)
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(t.Currency)))
	if err != nil {
		v["currency"] = "invalid_iso4217"
	}
	if t.TenorDays <= 0 {
		v["tenor_days"] = "must_be_positive"
	}
	if t.YieldBps < 0 {
		v["yield_bps"] = "must_not_be_negative"
	}
	if t.BuyerID != "" && t.BuyerID == t.ExporterID {
		v["buyer_id"] = "must_differ_from_exporter"
	}
	maturity := t.MaturityDate
	if maturity.IsZero() {
		maturity = now.AddDate(0, 0, int(t.TenorDays))
	}
	maturity = event.NormalizeTime(maturity)
	if !maturity.After(now) {
		v["maturity_date"] = "must_be_in_future"
	}
	if err := v.err(op, projection.InvoiceState{}, ""); err != nil {
		return projection.InvoiceState{}, err
	}

	invoiceID := e.ids.Generate()
	s, _, err := e.execute(ctx, op, invoiceID, func(ctx context.Context, s projection.InvoiceState) (*decision, error) {
		if s.Exists() {
			return nil, invalidState(op, s, "invoice already exists")
		}
		created := event.InvoiceCreated{
			ExporterID:   t.ExporterID,
			BuyerID:      t.BuyerID,
			AttesterID:   t.AttesterID,
			Principal:    t.Principal,
			Currency:     unit.String(),
			YieldBps:     t.YieldBps,
			TenorDays:    t.TenorDays,
			MaturityDate: maturity,
			Description:  t.Description,
		}
		if e.tokensEnabled() {
			ref, err := e.ledger.MintNFT(ctx, "invoice "+invoiceID, map[string]string{
				"invoice_id":    invoiceID,
				"exporter_id":   t.ExporterID,
				"principal":     t.Principal.StringFixed(settlement.Scale),
				"currency":      created.Currency,
				"maturity_date": event.FormatTimestamp(maturity),
			}, t.ExporterID)
			if err != nil {
				return nil, transferError(op, projection.InvoiceState{ID: invoiceID}, err)
			}
			created.NFTRef = string(ref)
		}
		return &decision{events: []event.Event{e.newEvent(invoiceID, t.ExporterID, created)}}, nil
	})
	if err != nil {
		return s, err
	}
	e.logger.Info("invoice created", "invoice_id", invoiceID, "exporter_id", t.ExporterID, "principal", t.Principal.String())
	return s, nil
}

// List opens a DRAFT invoice to investors.
func (e *Engine) List(ctx context.Context, invoiceID, actorID string) (projection.InvoiceState, error) {
	const op = "list"
	s, _, err := e.execute(ctx, op, invoiceID, func(ctx context.Context, s projection.InvoiceState) (*decision, error) {
		if err := mustExist(s, op, invoiceID); err != nil {
			return nil, err
		}
		if actorID != s.ExporterID {
			return nil, notPermitted(op, s, "only the exporter can list the invoice")
		}
		if s.Status != projection.StatusDraft || s.Listed {
			return nil, invalidState(op, s, "invoice can only be listed from DRAFT")
		}
		listed := event.InvoiceListed{}
		if e.tokensEnabled() {
			ref, err := e.ledger.MintFungible(ctx, "fractions "+invoiceID, s.Principal, e.accounts.InvoiceEscrow(invoiceID))
			if err != nil {
				return nil, transferError(op, s, err)
			}
			listed.FractionTokenRef = string(ref)
		}
		return &decision{events: []event.Event{e.newEvent(invoiceID, actorID, listed)}}, nil
	})
	if err == nil {
		e.logger.Info("invoice listed", "invoice_id", invoiceID)
	}
	return s, err
}

// Invest records an investment. An amount above the remaining capital is
// clamped to it; the result reports both. The investment that fills the
// invoice also records INVOICE_FUNDED and pays the advance to the exporter.
func (e *Engine) Invest(ctx context.Context, invoiceID, investorID string, amount decimal.Decimal) (Investment, error) {
	const op = "invest"
	v := violations{}
	v.required("investor_id", investorID)
	v.amount("amount", amount)
	if err := v.err(op, projection.InvoiceState{}, invoiceID); err != nil {
		return Investment{}, err
	}

	var res Investment
	s, _, err := e.execute(ctx, op, invoiceID, func(ctx context.Context, s projection.InvoiceState) (*decision, error) {
		if err := mustExist(s, op, invoiceID); err != nil {
			return nil, err
		}
		if s.Status == projection.StatusFunded {
			return nil, newError(CodeFullyFunded, op, s, "", "invoice is fully funded")
		}
		if !s.Status.Open() {
			return nil, invalidState(op, s, "invoice is not open for investment")
		}
		if investorID == s.ExporterID {
			return nil, notPermitted(op, s, "exporter cannot invest in own invoice")
		}

		escrow, err := e.openEscrow(ctx, invoiceID)
		if err != nil {
			return nil, transferError(op, s, err)
		}
		accepted := decimal.Min(amount, s.Remaining())
		d := &decision{}
		m := e.newMover(ctx, d)
		if _, err := e.money(m, investorID, escrow, accepted); err != nil {
			return nil, transferError(op, s, err)
		}
		if _, err := m.move(token.Ref(s.FractionTokenRef), escrow, investorID, accepted); err != nil {
			e.abort(op, invoiceID, m)
			return nil, transferError(op, s, err)
		}

		res = Investment{
			InvestmentID: e.ids.Generate(),
			Requested:    amount,
			Amount:       accepted,
			Clamped:      accepted.LessThan(amount),
		}
		d.events = append(d.events, e.newEvent(invoiceID, investorID, event.InvestmentMade{
			InvestmentID: res.InvestmentID,
			InvestorID:   investorID,
			Amount:       accepted,
			Requested:    amount,
			TxRefs:       m.txRefs,
		}))

		funded := s.FundedAmount.Add(accepted)
		if funded.GreaterThanOrEqual(s.Principal) {
			res.Funded = true
			rate := settlement.AdvanceRate(s.HasProofOfDelivery)
			advance := settlement.AdvanceAmount(funded, rate)
			tx, err := e.money(m, escrow, s.ExporterID, advance)
			if err != nil {
				e.abort(op, invoiceID, m)
				return nil, transferError(op, s, err)
			}
			d.events = append(d.events, e.newEvent(invoiceID, investorID, event.InvoiceFunded{
				FundedAmount:  funded,
				AdvanceRate:   rate,
				AdvanceAmount: advance,
				TxRef:         tx,
			}))
		}
		return d, nil
	})
	if err != nil {
		return Investment{}, err
	}
	res.Invoice = s
	e.logger.Info("investment made",
		"invoice_id", invoiceID, "investor_id", investorID,
		"requested", amount.String(), "accepted", res.Amount.String(), "status", s.Status)
	return res, nil
}

// RecordPayment records money received from the buyer, remitted by the
// exporter.
func (e *Engine) RecordPayment(ctx context.Context, invoiceID, exporterID string, amount decimal.Decimal, reference string) (PaymentRecord, error) {
	const op = "record_payment"
	v := violations{}
	v.required("exporter_id", exporterID)
	v.amount("amount", amount)
	if err := v.err(op, projection.InvoiceState{}, invoiceID); err != nil {
		return PaymentRecord{}, err
	}

	var paymentID string
	s, _, err := e.execute(ctx, op, invoiceID, func(ctx context.Context, s projection.InvoiceState) (*decision, error) {
		if err := mustExist(s, op, invoiceID); err != nil {
			return nil, err
		}
		if exporterID != s.ExporterID {
			return nil, notPermitted(op, s, "only the exporter can record payments")
		}
		if s.Status != projection.StatusFunded {
			return nil, invalidState(op, s, "payments can only be recorded on a FUNDED invoice")
		}
		escrow, err := e.openEscrow(ctx, invoiceID)
		if err != nil {
			return nil, transferError(op, s, err)
		}
		d := &decision{}
		m := e.newMover(ctx, d)
		tx, err := e.money(m, exporterID, escrow, amount)
		if err != nil {
			return nil, transferError(op, s, err)
		}
		paymentID = e.ids.Generate()
		d.events = []event.Event{e.newEvent(invoiceID, exporterID, event.PaymentRecorded{
			PaymentID: paymentID,
			Amount:    amount,
			Reference: reference,
			TxRef:     tx,
		})}
		return d, nil
	})
	if err != nil {
		return PaymentRecord{}, err
	}
	outstanding := s.Principal.Sub(s.PaidAmount)
	if outstanding.IsNegative() {
		outstanding = decimal.Zero
	}
	e.logger.Info("payment recorded", "invoice_id", invoiceID, "amount", amount.String(), "paid", s.PaidAmount.String())
	return PaymentRecord{
		Invoice:     s,
		PaymentID:   paymentID,
		Amount:      amount,
		PaidAmount:  s.PaidAmount,
		Outstanding: outstanding,
	}, nil
}

// Settle pays investors principal plus yield once payments cover the
// principal, refunds the bond and releases to the exporter what the
// invoice escrow holds beyond the payouts. With a token ledger the escrow
// must cover every payout before anything moves.
func (e *Engine) Settle(ctx context.Context, invoiceID, callerID string) (Settlement, error) {
	const op = "settle"
	var res Settlement
	s, _, err := e.execute(ctx, op, invoiceID, func(ctx context.Context, s projection.InvoiceState) (*decision, error) {
		if err := mustExist(s, op, invoiceID); err != nil {
			return nil, err
		}
		if !stakeholder(s, callerID) {
			return nil, notPermitted(op, s, "caller holds no stake in the invoice")
		}
		if s.Status != projection.StatusFunded {
			return nil, invalidState(op, s, "only a FUNDED invoice can be settled")
		}
		if !s.FundedAmount.IsPositive() {
			return nil, newError(CodeNoInvestments, op, s, "", "invoice has no investments")
		}
		if s.PaidAmount.LessThan(s.Principal) {
			return nil, invalidState(op, s, "payments %s do not cover principal %s",
				s.PaidAmount.StringFixed(settlement.Scale), s.Principal.StringFixed(settlement.Scale))
		}
		payouts, err := settlement.ComputePayouts(s.Principal, s.YieldBps, s.Contributions())
		if errors.Is(err, settlement.ErrNoInvestments) {
			return nil, newError(CodeNoInvestments, op, s, "", "invoice has no investments")
		}
		if err != nil {
			return nil, err
		}

		total := decimal.Zero
		for _, p := range payouts {
			total = total.Add(p.Total)
		}
		release, shortfall := settlement.HoldbackRelease(s.Holdback, s.PaidAmount, total)
		if shortfall.IsPositive() && e.tokensEnabled() {
			return nil, invalidState(op, s, "escrow holds %s but payouts need %s; %s more must be paid",
				s.Holdback.Add(s.PaidAmount).StringFixed(settlement.Scale),
				total.StringFixed(settlement.Scale), shortfall.StringFixed(settlement.Scale))
		}

		escrow := e.accounts.InvoiceEscrow(invoiceID)
		d := &decision{}
		m := e.newMover(ctx, d)
		for _, p := range payouts {
			if _, err := e.money(m, escrow, p.InvestorID, p.Total); err != nil {
				e.abort(op, invoiceID, m)
				return nil, transferError(op, s, err)
			}
		}
		if _, err := e.money(m, escrow, s.ExporterID, release); err != nil {
			e.abort(op, invoiceID, m)
			return nil, transferError(op, s, err)
		}
		if _, err := e.money(m, escrow, s.ExporterID, s.BondAmount); err != nil {
			e.abort(op, invoiceID, m)
			return nil, transferError(op, s, err)
		}

		res = Settlement{
			Payouts:         payouts,
			BondRefund:      s.BondAmount,
			HoldbackRelease: release,
			TotalPaidOut:    total,
		}
		d.events = []event.Event{e.newEvent(invoiceID, callerID, event.InvoicePaid{
			Payouts:         payouts,
			BondRefund:      s.BondAmount,
			HoldbackRelease: release,
			TxRefs:          m.txRefs,
		})}
		return d, nil
	})
	if err != nil {
		return Settlement{}, err
	}
	res.Invoice = s
	e.logger.Info("invoice settled", "invoice_id", invoiceID, "investors", len(res.Payouts), "paid_out", res.TotalPaidOut.String())
	return res, nil
}

// MarkDefault defaults a FUNDED invoice whose maturity plus the grace
// period has passed. The bond, the holdback and any payments received are
// split among investors pro-rata.
func (e *Engine) MarkDefault(ctx context.Context, invoiceID, callerID string) (DefaultRecord, error) {
	const op = "mark_default"
	var res DefaultRecord
	s, _, err := e.execute(ctx, op, invoiceID, func(ctx context.Context, s projection.InvoiceState) (*decision, error) {
		if err := mustExist(s, op, invoiceID); err != nil {
			return nil, err
		}
		if !stakeholder(s, callerID) {
			return nil, notPermitted(op, s, "caller holds no stake in the invoice")
		}
		if s.Status != projection.StatusFunded {
			return nil, invalidState(op, s, "only a FUNDED invoice can default")
		}
		deadline := s.MaturityDate.Add(e.grace)
		if e.now().Before(deadline) {
			return nil, invalidState(op, s, "grace period of %s after maturity %s has not elapsed (until %s)",
				graceString(e.grace), s.MaturityDate.Format(time.DateOnly), event.FormatTimestamp(deadline))
		}
		contribs := s.Contributions()
		compensation, err := settlement.ComputeDefaultCompensation(s.BondAmount, contribs)
		if err != nil {
			return nil, newError(CodeNoInvestments, op, s, "", "invoice has no investments")
		}
		recovery, err := settlement.ComputeDefaultCompensation(s.Holdback.Add(s.PaidAmount), contribs)
		if err != nil {
			return nil, newError(CodeNoInvestments, op, s, "", "invoice has no investments")
		}

		escrow := e.accounts.InvoiceEscrow(invoiceID)
		d := &decision{}
		m := e.newMover(ctx, d)
		for _, shares := range [][]settlement.Compensation{compensation, recovery} {
			if err := e.payOut(m, escrow, shares); err != nil {
				e.abort(op, invoiceID, m)
				return nil, transferError(op, s, err)
			}
		}
		res = DefaultRecord{BondAmount: s.BondAmount, Compensation: compensation, Recovery: recovery}
		d.events = []event.Event{e.newEvent(invoiceID, callerID, event.InvoiceDefaulted{
			BondAmount:   s.BondAmount,
			Compensation: compensation,
			Recovery:     recovery,
			TxRefs:       m.txRefs,
		})}
		return d, nil
	})
	if err != nil {
		return DefaultRecord{}, err
	}
	res.Invoice = s
	e.logger.Warn("invoice defaulted", "invoice_id", invoiceID, "bond", res.BondAmount.String())
	return res, nil
}

// Cancel withdraws an invoice that has not received any capital and
// refunds the bond.
func (e *Engine) Cancel(ctx context.Context, invoiceID, actorID, reason string) (projection.InvoiceState, error) {
	const op = "cancel"
	s, _, err := e.execute(ctx, op, invoiceID, func(ctx context.Context, s projection.InvoiceState) (*decision, error) {
		if err := mustExist(s, op, invoiceID); err != nil {
			return nil, err
		}
		if actorID != s.ExporterID {
			return nil, notPermitted(op, s, "only the exporter can cancel the invoice")
		}
		if (s.Status != projection.StatusDraft && s.Status != projection.StatusListed) || s.FundedAmount.IsPositive() {
			return nil, invalidState(op, s, "only an unfunded DRAFT or LISTED invoice can be cancelled")
		}
		d := &decision{}
		m := e.newMover(ctx, d)
		if _, err := e.money(m, e.accounts.InvoiceEscrow(invoiceID), s.ExporterID, s.BondAmount); err != nil {
			return nil, transferError(op, s, err)
		}
		d.events = []event.Event{e.newEvent(invoiceID, actorID, event.InvoiceCancelled{
			Reason:     reason,
			BondRefund: s.BondAmount,
			TxRefs:     m.txRefs,
		})}
		return d, nil
	})
	if err == nil {
		e.logger.Info("invoice cancelled", "invoice_id", invoiceID, "reason", reason)
	}
	return s, err
}

// PostBond adds exporter collateral. A zero amount posts the standard
// bond for the invoice principal.
func (e *Engine) PostBond(ctx context.Context, invoiceID, exporterID string, amount decimal.Decimal) (projection.InvoiceState, error) {
	const op = "post_bond"
	v := violations{}
	v.required("exporter_id", exporterID)
	if !amount.IsZero() {
		v.amount("amount", amount)
	}
	if err := v.err(op, projection.InvoiceState{}, invoiceID); err != nil {
		return projection.InvoiceState{}, err
	}

	s, _, err := e.execute(ctx, op, invoiceID, func(ctx context.Context, s projection.InvoiceState) (*decision, error) {
		if err := mustExist(s, op, invoiceID); err != nil {
			return nil, err
		}
		if exporterID != s.ExporterID {
			return nil, notPermitted(op, s, "only the exporter can post a bond")
		}
		if s.Status.Terminal() {
			return nil, invalidState(op, s, "invoice is closed")
		}
		bond := amount
		if bond.IsZero() {
			bond = settlement.BondAmount(s.Principal)
		}
		escrow, err := e.openEscrow(ctx, invoiceID)
		if err != nil {
			return nil, transferError(op, s, err)
		}
		d := &decision{}
		m := e.newMover(ctx, d)
		tx, err := e.money(m, exporterID, escrow, bond)
		if err != nil {
			return nil, transferError(op, s, err)
		}
		d.events = []event.Event{e.newEvent(invoiceID, exporterID, event.BondPosted{Amount: bond, TxRef: tx})}
		return d, nil
	})
	if err == nil {
		e.logger.Info("bond posted", "invoice_id", invoiceID, "bond", s.BondAmount.String())
	}
	return s, err
}

// UploadDocument stores doc in the file store and records it on the
// invoice. The exporter, buyer and attester may upload.
func (e *Engine) UploadDocument(ctx context.Context, invoiceID, actorID string, doc Document) (projection.InvoiceState, error) {
	const op = "upload_document"
	v := violations{}
	v.required("actor_id", actorID)
	v.required("kind", doc.Kind)
	if len(doc.Data) == 0 {
		v["data"] = "required"
	}
	if err := v.err(op, projection.InvoiceState{}, invoiceID); err != nil {
		return projection.InvoiceState{}, err
	}
	if e.files == nil {
		return projection.InvoiceState{}, newError(CodeInvalidState, op, projection.InvoiceState{}, invoiceID, "no file store configured")
	}

	s, _, err := e.execute(ctx, op, invoiceID, func(ctx context.Context, s projection.InvoiceState) (*decision, error) {
		if err := mustExist(s, op, invoiceID); err != nil {
			return nil, err
		}
		if actorID != s.ExporterID && actorID != s.BuyerID && actorID != s.AttesterID {
			return nil, notPermitted(op, s, "only invoice parties can upload documents")
		}
		if s.Status.Terminal() {
			return nil, invalidState(op, s, "invoice is closed")
		}
		ref, err := e.files.Put(ctx, doc.Data, files.Metadata{Name: doc.Name, Kind: doc.Kind, ContentType: doc.ContentType})
		if err != nil {
			return nil, err
		}
		return &decision{events: []event.Event{e.newEvent(invoiceID, actorID, event.DocUploaded{
			FileID: ref.FileID,
			SHA256: ref.SHA256,
			Kind:   doc.Kind,
			Name:   doc.Name,
			Size:   ref.Size,
		})}}, nil
	})
	if err == nil {
		e.logger.Info("document uploaded", "invoice_id", invoiceID, "kind", doc.Kind)
	}
	return s, err
}

// AcknowledgeBuyer records the buyer confirming the receivable.
func (e *Engine) AcknowledgeBuyer(ctx context.Context, invoiceID, buyerID, note string) (projection.InvoiceState, error) {
	const op = "acknowledge_buyer"
	s, _, err := e.execute(ctx, op, invoiceID, func(ctx context.Context, s projection.InvoiceState) (*decision, error) {
		if err := mustExist(s, op, invoiceID); err != nil {
			return nil, err
		}
		if s.BuyerID == "" || buyerID != s.BuyerID {
			return nil, notPermitted(op, s, "only the invoice buyer can acknowledge")
		}
		if s.Status.Terminal() {
			return nil, invalidState(op, s, "invoice is closed")
		}
		if s.BuyerAcknowledged {
			return nil, invalidState(op, s, "buyer has already acknowledged")
		}
		return &decision{events: []event.Event{e.newEvent(invoiceID, buyerID, event.BuyerAck{BuyerID: buyerID, Note: note})}}, nil
	})
	return s, err
}

// Attest records the attester's signature.
func (e *Engine) Attest(ctx context.Context, invoiceID, attesterID, statement string) (projection.InvoiceState, error) {
	const op = "attest"
	s, _, err := e.execute(ctx, op, invoiceID, func(ctx context.Context, s projection.InvoiceState) (*decision, error) {
		if err := mustExist(s, op, invoiceID); err != nil {
			return nil, err
		}
		if s.AttesterID == "" || attesterID != s.AttesterID {
			return nil, notPermitted(op, s, "only the invoice attester can attest")
		}
		if s.Status.Terminal() {
			return nil, invalidState(op, s, "invoice is closed")
		}
		if s.AttesterSigned {
			return nil, invalidState(op, s, "attester has already signed")
		}
		return &decision{events: []event.Event{e.newEvent(invoiceID, attesterID, event.AttesterSign{AttesterID: attesterID, Statement: statement})}}, nil
	})
	return s, err
}

// stakeholder reports whether actor is a party to the invoice: its
// exporter, buyer or attester, or an investor holding a position.
func stakeholder(s projection.InvoiceState, actor string) bool {
	if actor == "" {
		return false
	}
	return actor == s.ExporterID || actor == s.BuyerID || actor == s.AttesterID || s.HasInvestor(actor)
}

func graceString(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day"
		}
		return strconv.Itoa(days) + " days"
	}
	return d.String()
}

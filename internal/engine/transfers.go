package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/roach88/receivables/internal/settlement"
	"github.com/roach88/receivables/internal/token"
)

// mover performs the transfers of one command and registers a reverse
// transfer for each, so the decision can be undone if its events are not
// appended.
type mover struct {
	ctx    context.Context
	ledger token.Ledger
	d      *decision
	txRefs []string
}

func (e *Engine) newMover(ctx context.Context, d *decision) *mover {
	return &mover{ctx: ctx, ledger: e.ledger, d: d}
}

// move transfers amount of tok. It is a no-op without a ledger, a token or
// a positive amount, and then returns an empty ref.
func (m *mover) move(tok token.Ref, from, to string, amount decimal.Decimal) (string, error) {
	if m.ledger == nil || tok == "" || !amount.IsPositive() {
		return "", nil
	}
	tx, err := m.ledger.Transfer(m.ctx, tok, from, to, amount)
	if err != nil {
		return "", fmt.Errorf("transfer %s %s from %s to %s: %w", amount, tok, from, to, err)
	}
	m.txRefs = append(m.txRefs, string(tx))
	ledger := m.ledger
	m.d.undo = append(m.d.undo, undoStep{
		desc: fmt.Sprintf("return %s %s from %s to %s", amount, tok, to, from),
		fn: func(ctx context.Context) error {
			_, err := ledger.Transfer(ctx, tok, to, from, amount)
			return err
		},
	})
	return string(tx), nil
}

// money moves the settlement token.
func (e *Engine) money(m *mover, from, to string, amount decimal.Decimal) (string, error) {
	return m.move(e.accounts.SettlementToken, from, to, amount)
}

// openEscrow associates the invoice's escrow account with the settlement
// token so it can receive money, and returns the account.
func (e *Engine) openEscrow(ctx context.Context, invoiceID string) (string, error) {
	escrow := e.accounts.InvoiceEscrow(invoiceID)
	if e.ledger == nil || e.accounts.SettlementToken == "" {
		return escrow, nil
	}
	if err := e.ledger.Associate(ctx, e.accounts.SettlementToken, escrow); err != nil {
		return "", fmt.Errorf("associate %s: %w", escrow, err)
	}
	return escrow, nil
}

// payOut sends each share from escrow to its investor.
func (e *Engine) payOut(m *mover, escrow string, shares []settlement.Compensation) error {
	for _, c := range shares {
		if _, err := e.money(m, escrow, c.InvestorID, c.Amount); err != nil {
			return err
		}
	}
	return nil
}

// abort reverses what m has moved so far, for a command that fails before
// it has anything to append.
func (e *Engine) abort(op, invoiceID string, m *mover) {
	e.rollback(op, invoiceID, m.d)
	m.d.undo = nil
	m.txRefs = nil
}

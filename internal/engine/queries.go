package engine

import (
	"context"
	"fmt"
	"iter"

	"github.com/roach88/receivables/internal/event"
	"github.com/roach88/receivables/internal/projection"
)

// InvoiceFilter selects invoices for ListInvoices. Empty fields match
// everything.
type InvoiceFilter struct {
	Status     projection.Status
	ExporterID string
	InvestorID string
}

// Match reports whether s passes the filter.
func (f InvoiceFilter) Match(s projection.InvoiceState) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.ExporterID != "" && s.ExporterID != f.ExporterID {
		return false
	}
	if f.InvestorID != "" && !s.HasInvestor(f.InvestorID) {
		return false
	}
	return true
}

// GetInvoice returns the current projected state of an invoice.
func (e *Engine) GetInvoice(ctx context.Context, invoiceID string) (projection.InvoiceState, error) {
	s, err := e.load(ctx, invoiceID)
	if err != nil {
		return projection.InvoiceState{}, err
	}
	if err := mustExist(s, "get_invoice", invoiceID); err != nil {
		return projection.InvoiceState{}, err
	}
	return s, nil
}

// ListInvoices returns matching invoices in creation order.
func (e *Engine) ListInvoices(ctx context.Context, f InvoiceFilter) ([]projection.InvoiceState, error) {
	ids, err := e.log.InvoiceIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	out := make([]projection.InvoiceState, 0, len(ids))
	for _, id := range ids {
		s, err := e.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.Exists() && f.Match(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

// ListEvents collects the events matching f.
func (e *Engine) ListEvents(ctx context.Context, f event.Filter) ([]event.Event, error) {
	out := []event.Event{}
	for evt, err := range e.Events(ctx, f) {
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		out = append(out, evt)
	}
	return out, nil
}

// Events streams the events matching f from the log.
func (e *Engine) Events(ctx context.Context, f event.Filter) iter.Seq2[event.Event, error] {
	return e.log.Query(ctx, f)
}

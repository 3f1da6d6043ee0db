package harness

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/receivables/internal/engine"
)

// call runs one command and returns the affected invoice ID.
type call func(ctx context.Context) (string, error)

// args reads typed step arguments. Missing keys yield zero values so the
// engine's own validation decides whether they were required.
type args map[string]string

func (a args) amount(key string) (decimal.Decimal, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("args.%s: %w", key, err)
	}
	return d, nil
}

func (a args) integer(key string) (int64, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("args.%s: %w", key, err)
	}
	return n, nil
}

func (a args) date(key string) (time.Time, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("args.%s: %w", key, err)
	}
	return t, nil
}

// command parses a step's arguments and binds them to an engine command.
func (h *Harness) command(step Step) (call, error) {
	a := args(step.Args)
	id := h.aliases[step.Invoice]
	actor := step.Actor
	eng := h.engine

	switch step.Op {
	case OpCreate:
		t := engine.Terms{
			ExporterID:  actor,
			BuyerID:     a["buyer_id"],
			AttesterID:  a["attester_id"],
			Currency:    a["currency"],
			Description: a["description"],
		}
		var err error
		if t.Principal, err = a.amount("principal"); err != nil {
			return nil, err
		}
		if t.YieldBps, err = a.integer("yield_bps"); err != nil {
			return nil, err
		}
		if t.TenorDays, err = a.integer("tenor_days"); err != nil {
			return nil, err
		}
		if t.MaturityDate, err = a.date("maturity_date"); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (string, error) {
			s, err := eng.Create(ctx, t)
			return s.ID, err
		}, nil

	case OpList:
		return func(ctx context.Context) (string, error) {
			_, err := eng.List(ctx, id, actor)
			return id, err
		}, nil

	case OpInvest:
		amount, err := a.amount("amount")
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (string, error) {
			_, err := eng.Invest(ctx, id, actor, amount)
			return id, err
		}, nil

	case OpRecordPayment:
		amount, err := a.amount("amount")
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (string, error) {
			_, err := eng.RecordPayment(ctx, id, actor, amount, a["reference"])
			return id, err
		}, nil

	case OpSettle:
		return func(ctx context.Context) (string, error) {
			_, err := eng.Settle(ctx, id, actor)
			return id, err
		}, nil

	case OpMarkDefault:
		return func(ctx context.Context) (string, error) {
			_, err := eng.MarkDefault(ctx, id, actor)
			return id, err
		}, nil

	case OpCancel:
		return func(ctx context.Context) (string, error) {
			_, err := eng.Cancel(ctx, id, actor, a["reason"])
			return id, err
		}, nil

	case OpPostBond:
		amount, err := a.amount("amount")
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (string, error) {
			_, err := eng.PostBond(ctx, id, actor, amount)
			return id, err
		}, nil

	case OpUpload:
		doc := engine.Document{
			Name:        a["name"],
			Kind:        a["kind"],
			ContentType: a["content_type"],
			Data:        []byte(a["data"]),
		}
		return func(ctx context.Context) (string, error) {
			_, err := eng.UploadDocument(ctx, id, actor, doc)
			return id, err
		}, nil

	case OpAcknowledge:
		return func(ctx context.Context) (string, error) {
			_, err := eng.AcknowledgeBuyer(ctx, id, actor, a["note"])
			return id, err
		}, nil

	case OpAttest:
		return func(ctx context.Context) (string, error) {
			_, err := eng.Attest(ctx, id, actor, a["statement"])
			return id, err
		}, nil
	}
	return nil, fmt.Errorf("unknown op %q", step.Op)
}

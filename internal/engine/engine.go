package engine

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/receivables/internal/event"
	"github.com/roach88/receivables/internal/files"
	"github.com/roach88/receivables/internal/projection"
	"github.com/roach88/receivables/internal/store"
	"github.com/roach88/receivables/internal/token"
)

// DefaultGracePeriod is how long after maturity an unpaid funded invoice
// must wait before it can be marked defaulted.
const DefaultGracePeriod = 7 * 24 * time.Hour

// DefaultMaxRetries bounds how often a command is retried after a version
// conflict.
const DefaultMaxRetries = 3

// EventLog is the subset of store.Log the engine uses.
type EventLog interface {
	Append(ctx context.Context, expectedVersion int64, events ...event.Event) ([]event.Event, error)
	Query(ctx context.Context, f event.Filter) iter.Seq2[event.Event, error]
	InvoiceIDs(ctx context.Context) ([]string, error)
}

// Observer is notified after every successful command with the new state.
// Observers run synchronously while the invoice is locked and must not
// call back into the engine for the same invoice.
type Observer func(ctx context.Context, s projection.InvoiceState)

// TransferAccounts names the ledger accounts and token the engine moves
// money with.
type TransferAccounts struct {
	// Escrow is the parent account of the per-invoice escrow accounts
	// that hold investor capital, payments and bonds until they are paid
	// out.
	Escrow string

	// SettlementToken is the fungible token that represents money.
	SettlementToken token.Ref
}

// InvoiceEscrow is the escrow account of one invoice. An invoice's
// payouts only ever draw on its own escrow.
func (a TransferAccounts) InvoiceEscrow(invoiceID string) string {
	return a.Escrow + "/" + invoiceID
}

// Engine runs lifecycle commands against an event log.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	log        EventLog
	now        func() time.Time
	ids        IDGenerator
	logger     *slog.Logger
	grace      time.Duration
	maxRetries int

	ledger   token.Ledger
	accounts TransferAccounts
	files    files.Store

	observers []Observer
	locks     *keyedMutex

	cacheMu sync.RWMutex
	cache   map[string]cached
}

type cached struct {
	state   projection.InvoiceState
	lastSeq int64
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithNow sets the wall clock used for timestamps, maturity and grace
// checks.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator sets the generator for invoice, investment, payment and
// event ids.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) { e.ids = g }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) EngineOption {
	return func(e *Engine) { e.grace = d }
}

// WithMaxRetries sets the conflict retry limit.
//
// Default: 3 (DefaultMaxRetries). Zero disables retries.
func WithMaxRetries(n int) EngineOption {
	return func(e *Engine) { e.maxRetries = n }
}

// WithTokenLedger enables tokenization and money movement on ledger.
func WithTokenLedger(ledger token.Ledger, accounts TransferAccounts) EngineOption {
	return func(e *Engine) {
		e.ledger = ledger
		e.accounts = accounts
	}
}

// WithFileStore sets where uploaded documents are kept.
func WithFileStore(fs files.Store) EngineOption {
	return func(e *Engine) { e.files = fs }
}

// WithObserver registers an observer. May be given more than once.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// New creates an Engine over log.
func New(log EventLog, opts ...EngineOption) *Engine {
	e := &Engine{
		log:        log,
		now:        time.Now,
		ids:        UUIDv7Generator{},
		logger:     slog.Default(),
		grace:      DefaultGracePeriod,
		maxRetries: DefaultMaxRetries,
		locks:      newKeyedMutex(),
		cache:      make(map[string]cached),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// tokensEnabled reports whether a ledger is configured.
func (e *Engine) tokensEnabled() bool {
	return e.ledger != nil
}

// decision is what a command wants to record, plus how to undo the
// transfers it already made if the append does not happen.
type decision struct {
	events []event.Event
	undo   []undoStep
}

type undoStep struct {
	desc string
	fn   func(ctx context.Context) error
}

// newEvent builds an event stamped with the engine's id and clock.
func (e *Engine) newEvent(invoiceID, actor string, p event.Payload) event.Event {
	evt := event.New(invoiceID, actor, p)
	evt.ID = e.ids.Generate()
	evt.Timestamp = e.now()
	return evt
}

// execute runs one command cycle for invoiceID under its lock.
func (e *Engine) execute(
	ctx context.Context,
	op, invoiceID string,
	decide func(ctx context.Context, s projection.InvoiceState) (*decision, error),
) (projection.InvoiceState, []event.Event, error) {
	unlock := e.locks.lock(invoiceID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		s, err := e.load(ctx, invoiceID)
		if err != nil {
			return projection.InvoiceState{}, nil, fmt.Errorf("%s: %w", op, err)
		}

		d, err := decide(ctx, s)
		if err != nil {
			e.logger.Debug("command rejected", "op", op, "invoice_id", invoiceID, "status", s.Status, "error", err)
			return s, nil, err
		}

		stored, err := e.appendDecision(ctx, s.Version, d)
		if err != nil {
			e.rollback(op, invoiceID, d)
			if store.IsConflict(err) {
				e.forget(invoiceID)
				if attempt < e.maxRetries {
					e.logger.Warn("version conflict, retrying", "op", op, "invoice_id", invoiceID, "attempt", attempt+1)
					continue
				}
				ce := newError(CodeConflict, op, s, invoiceID, "invoice was modified concurrently")
				ce.Err = err
				return s, nil, ce
			}
			return s, nil, fmt.Errorf("%s: append: %w", op, err)
		}

		next := s
		for _, evt := range stored {
			next = projection.Apply(next, evt)
		}
		e.remember(invoiceID, next, stored[len(stored)-1].Seq)
		for _, o := range e.observers {
			o(ctx, next)
		}
		return next, stored, nil
	}
}

func (e *Engine) appendDecision(ctx context.Context, version int64, d *decision) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.log.Append(ctx, version, d.events...)
}

// rollback undoes transfers in reverse order. Failures are logged; the
// original error is what the caller sees.
func (e *Engine) rollback(op, invoiceID string, d *decision) {
	ctx := context.Background()
	for i := len(d.undo) - 1; i >= 0; i-- {
		step := d.undo[i]
		if err := step.fn(ctx); err != nil {
			e.logger.Error("compensating transfer failed", "op", op, "invoice_id", invoiceID, "step", step.desc, "error", err)
		}
	}
}

// load returns the current projection of an invoice, reusing the cache
// and applying only events appended since it was filled.
func (e *Engine) load(ctx context.Context, invoiceID string) (projection.InvoiceState, error) {
	e.cacheMu.RLock()
	c, ok := e.cache[invoiceID]
	e.cacheMu.RUnlock()

	f := event.Filter{InvoiceID: invoiceID}
	if ok {
		f.After = c.lastSeq
	}
	s, lastSeq := c.state, c.lastSeq
	applied := 0
	for evt, err := range e.log.Query(ctx, f) {
		if err != nil {
			return projection.InvoiceState{}, fmt.Errorf("load invoice %s: %w", invoiceID, err)
		}
		s = projection.Apply(s, evt)
		if evt.Seq > lastSeq {
			lastSeq = evt.Seq
		}
		applied++
	}
	if applied > 0 && s.Exists() {
		e.remember(invoiceID, s, lastSeq)
	}
	return s, nil
}

func (e *Engine) remember(invoiceID string, s projection.InvoiceState, lastSeq int64) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if cur, ok := e.cache[invoiceID]; ok && cur.lastSeq > lastSeq {
		return
	}
	e.cache[invoiceID] = cached{state: s, lastSeq: lastSeq}
}

func (e *Engine) forget(invoiceID string) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	delete(e.cache, invoiceID)
}

// mustExist returns a NOT_FOUND error for an invoice with no events.
func mustExist(s projection.InvoiceState, op, invoiceID string) error {
	if !s.Exists() {
		return notFound(op, invoiceID)
	}
	return nil
}

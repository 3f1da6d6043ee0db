package token

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/shopspring/decimal"
)

type tokenInfo struct {
	name     string
	nft      bool
	metadata map[string]string
}

// Memory is an in-process Ledger. Balances live in a map; every mint and
// transfer is appended to a journal.
//
// With strict association enabled, a receiver must have called Associate
// for a token before it can be credited, mirroring ledgers that require
// explicit opt-in.
type Memory struct {
	mu         sync.Mutex
	tokens     map[Ref]tokenInfo
	balances   map[Ref]map[string]decimal.Decimal
	associated map[Ref]map[string]bool
	strict     bool
	nextID     int64
	nextTx     int64
	journal    []Transfer
}

// Transfer is one journal line.
type Transfer struct {
	TxRef  TxRef           `json:"tx_ref"`
	Token  Ref             `json:"token"`
	From   string          `json:"from,omitempty"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

var _ Ledger = (*Memory)(nil)

// MemoryOption configures a Memory ledger.
type MemoryOption func(*Memory)

// WithStrictAssociation requires receivers to associate before credit.
func WithStrictAssociation() MemoryOption {
	return func(m *Memory) { m.strict = true }
}

// NewMemory creates an empty ledger.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		tokens:     make(map[Ref]tokenInfo),
		balances:   make(map[Ref]map[string]decimal.Decimal),
		associated: make(map[Ref]map[string]bool),
		nextID:     1000,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) newRef() Ref {
	m.nextID++
	return Ref(fmt.Sprintf("0.0.%d", m.nextID))
}

func (m *Memory) newTx() TxRef {
	m.nextTx++
	return TxRef(fmt.Sprintf("tx-%06d", m.nextTx))
}

// credit adds to a balance and records the movement. Caller holds mu.
func (m *Memory) credit(token Ref, from, to string, amount decimal.Decimal) TxRef {
	if m.balances[token] == nil {
		m.balances[token] = make(map[string]decimal.Decimal)
	}
	m.balances[token][to] = m.balances[token][to].Add(amount)
	tx := m.newTx()
	m.journal = append(m.journal, Transfer{TxRef: tx, Token: token, From: from, To: to, Amount: amount})
	return tx
}

func (m *Memory) associate(token Ref, account string) {
	if m.associated[token] == nil {
		m.associated[token] = make(map[string]bool)
	}
	m.associated[token][account] = true
}

// CreateToken registers a fungible token with no supply. Use Issue to
// credit balances, e.g. for a settlement stablecoin.
func (m *Memory) CreateToken(name string) Ref {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := m.newRef()
	m.tokens[ref] = tokenInfo{name: name}
	return ref
}

// Issue credits amount of token to account out of thin air.
func (m *Memory) Issue(token Ref, account string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token]; !ok {
		return fmt.Errorf("issue %s: %w", token, ErrUnknownToken)
	}
	m.associate(token, account)
	m.credit(token, "", account, amount)
	return nil
}

// Associate opts account in to receiving token.
func (m *Memory) Associate(ctx context.Context, token Ref, account string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token]; !ok {
		return fmt.Errorf("associate %s: %w", token, ErrUnknownToken)
	}
	m.associate(token, account)
	return nil
}

func (m *Memory) MintFungible(ctx context.Context, name string, supply decimal.Decimal, treasury string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !supply.IsPositive() {
		return "", fmt.Errorf("mint %s: supply must be positive", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := m.newRef()
	m.tokens[ref] = tokenInfo{name: name}
	m.associate(ref, treasury)
	m.credit(ref, "", treasury, supply)
	return ref, nil
}

func (m *Memory) MintNFT(ctx context.Context, name string, metadata map[string]string, owner string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := m.newRef()
	m.tokens[ref] = tokenInfo{name: name, nft: true, metadata: maps.Clone(metadata)}
	m.associate(ref, owner)
	m.credit(ref, "", owner, decimal.NewFromInt(1))
	return ref, nil
}

func (m *Memory) Transfer(ctx context.Context, token Ref, from, to string, amount decimal.Decimal) (TxRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("transfer %s: amount must be positive", token)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tokens[token]; !ok {
		return "", fmt.Errorf("transfer %s: %w", token, ErrUnknownToken)
	}
	if m.strict && !m.associated[token][to] {
		return "", &AssociationError{Token: token, Account: to}
	}
	balance := m.balances[token][from]
	if balance.LessThan(amount) {
		return "", &InsufficientBalanceError{Token: token, Account: from, Balance: balance, Amount: amount}
	}
	m.balances[token][from] = balance.Sub(amount)
	m.associate(token, to)
	return m.credit(token, from, to, amount), nil
}

// Balance returns account's holding of token.
func (m *Memory) Balance(token Ref, account string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[token][account]
}

// Journal returns a copy of every movement so far.
func (m *Memory) Journal() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transfer{}, m.journal...)
}

// Metadata returns an NFT's metadata, or nil for fungible or unknown
// tokens.
func (m *Memory) Metadata(token Ref) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.tokens[token]
	if !ok || !info.nft {
		return nil
	}
	return maps.Clone(info.metadata)
}

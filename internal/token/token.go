// Package token models the tokenization ledger the engine moves value on:
// an invoice NFT minted at creation, a fungible fraction token minted at
// listing, and transfers of a settlement token between participants and
// escrow.
package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Ref identifies a token class on the ledger.
type Ref string

// TxRef identifies a completed transfer or mint.
type TxRef string

// Ledger is the token service the engine depends on.
type Ledger interface {
	// MintFungible creates a fungible token whose whole supply is credited
	// to treasury.
	MintFungible(ctx context.Context, name string, supply decimal.Decimal, treasury string) (Ref, error)

	// MintNFT creates a unique token owned by owner.
	MintNFT(ctx context.Context, name string, metadata map[string]string, owner string) (Ref, error)

	// Transfer moves amount of token from one account to another.
	Transfer(ctx context.Context, token Ref, from, to string, amount decimal.Decimal) (TxRef, error)

	// Associate opts account in to receiving token. Associating twice is
	// not an error.
	Associate(ctx context.Context, token Ref, account string) error
}

// InsufficientBalanceError is returned when the sender cannot cover a
// transfer.
type InsufficientBalanceError struct {
	Token   Ref
	Account string
	Balance decimal.Decimal
	Amount  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance for %s: have %s, need %s", e.Token, e.Account, e.Balance, e.Amount)
}

// AssociationError is returned when an account has not associated with a
// token it is asked to receive.
type AssociationError struct {
	Token   Ref
	Account string
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("account %s is not associated with token %s", e.Account, e.Token)
}

// ErrUnknownToken is returned for operations on a token that was never
// minted or issued.
var ErrUnknownToken = errors.New("unknown token")

// IsInsufficientBalance reports whether err is an *InsufficientBalanceError.
func IsInsufficientBalance(err error) bool {
	var ib *InsufficientBalanceError
	return errors.As(err, &ib)
}

// IsAssociation reports whether err is an *AssociationError.
func IsAssociation(err error) bool {
	var ae *AssociationError
	return errors.As(err, &ae)
}

package engine

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/receivables/internal/projection"
	"github.com/roach88/receivables/internal/settlement"
)

// violations collects field-level validation failures.
type violations map[string]string

func (v violations) empty() bool { return len(v) == 0 }

func (v violations) required(field, value string) {
	if strings.TrimSpace(value) == "" {
		v[field] = "required"
	}
}

// amount checks a positive money amount with at most cent precision.
func (v violations) amount(field string, d decimal.Decimal) {
	switch {
	case !d.IsPositive():
		v[field] = "must_be_positive"
	case d.Exponent() < -settlement.Scale && !d.Equal(d.Round(settlement.Scale)):
		v[field] = "too_many_decimals"
	}
}

func (v violations) err(op string, s projection.InvoiceState, invoiceID string) error {
	if v.empty() {
		return nil
	}
	e := newError(CodeValidation, op, s, invoiceID, "invalid input")
	e.Details = map[string]string(v)
	return e
}

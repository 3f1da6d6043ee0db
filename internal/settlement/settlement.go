// Package settlement holds the pure money arithmetic of the ledger:
// payout apportioning at maturity, bond compensation at default, the bond
// size rule and the advance rate. All amounts are decimals; results are
// rounded to Scale fractional digits and rounding remainders are assigned
// so that every split sums exactly to its input.
package settlement

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits in settled amounts (cents).
const Scale = 2

// ErrNoInvestments is returned when a split is requested over zero capital.
var ErrNoInvestments = errors.New("no investments to apportion")

var (
	bpsDivisor   = decimal.NewFromInt(10000)
	hundred      = decimal.NewFromInt(100)
	bondRate     = decimal.RequireFromString("0.01")
	bondFloor    = decimal.NewFromInt(300)
	bondCeiling  = decimal.NewFromInt(5000)
	advanceWithP = decimal.NewFromInt(90)
	advanceNoP   = decimal.NewFromInt(80)
)

// Contribution is capital supplied by one investor. Several contributions
// from the same investor are aggregated before splitting.
type Contribution struct {
	InvestorID string
	Amount     decimal.Decimal
}

// Payout is what one investor receives when an invoice settles.
type Payout struct {
	InvestorID string          `json:"investor_id"`
	Principal  decimal.Decimal `json:"principal"`
	Yield      decimal.Decimal `json:"yield_amount"`
	Total      decimal.Decimal `json:"total"`
	Share      decimal.Decimal `json:"share"`
}

// Compensation is one investor's part of a slashed bond.
type Compensation struct {
	InvestorID string          `json:"investor_id"`
	Amount     decimal.Decimal `json:"amount"`
	Share      decimal.Decimal `json:"share"`
}

type position struct {
	investor string
	amount   decimal.Decimal
}

// aggregate sums contributions per investor, keeping first-seen order.
func aggregate(contributions []Contribution) ([]position, decimal.Decimal) {
	index := make(map[string]int, len(contributions))
	var positions []position
	total := decimal.Zero
	for _, c := range contributions {
		if !c.Amount.IsPositive() {
			continue
		}
		total = total.Add(c.Amount)
		if i, ok := index[c.InvestorID]; ok {
			positions[i].amount = positions[i].amount.Add(c.Amount)
			continue
		}
		index[c.InvestorID] = len(positions)
		positions = append(positions, position{investor: c.InvestorID, amount: c.Amount})
	}
	return positions, total
}

// largest returns the index of the biggest position. Ties go to the
// earliest investor.
func largest(positions []position) int {
	best := 0
	for i := 1; i < len(positions); i++ {
		if positions[i].amount.GreaterThan(positions[best].amount) {
			best = i
		}
	}
	return best
}

// split divides amount across positions in proportion to their capital,
// rounding each part to Scale and giving the remainder to the largest
// position.
func split(amount decimal.Decimal, positions []position, total decimal.Decimal) []decimal.Decimal {
	parts := make([]decimal.Decimal, len(positions))
	sum := decimal.Zero
	for i, p := range positions {
		parts[i] = amount.Mul(p.amount).Div(total).Round(Scale)
		sum = sum.Add(parts[i])
	}
	if rem := amount.Round(Scale).Sub(sum); !rem.IsZero() {
		j := largest(positions)
		parts[j] = parts[j].Add(rem)
	}
	return parts
}

// ComputePayouts apportions principal plus yield across investors.
//
// The yield is principal * yieldBps / 10000. Each investor's principal and
// yield are rounded to cents; the rounding remainder of each goes to the
// investor with the largest share. Payout totals sum exactly to
// principal + yield.
func ComputePayouts(principal decimal.Decimal, yieldBps int64, contributions []Contribution) ([]Payout, error) {
	positions, total := aggregate(contributions)
	if total.IsZero() {
		return nil, ErrNoInvestments
	}

	yieldTotal := YieldAmount(principal, yieldBps)
	principals := split(principal, positions, total)
	yields := split(yieldTotal, positions, total)

	payouts := make([]Payout, len(positions))
	for i, p := range positions {
		payouts[i] = Payout{
			InvestorID: p.investor,
			Principal:  principals[i],
			Yield:      yields[i],
			Total:      principals[i].Add(yields[i]),
			Share:      p.amount.Div(total),
		}
	}
	return payouts, nil
}

// ComputeDefaultCompensation distributes a slashed bond pro-rata to capital.
// A zero bond yields an empty, non-nil slice.
func ComputeDefaultCompensation(bond decimal.Decimal, contributions []Contribution) ([]Compensation, error) {
	if !bond.IsPositive() {
		return []Compensation{}, nil
	}
	positions, total := aggregate(contributions)
	if total.IsZero() {
		return nil, ErrNoInvestments
	}

	amounts := split(bond, positions, total)
	out := make([]Compensation, len(positions))
	for i, p := range positions {
		out[i] = Compensation{
			InvestorID: p.investor,
			Amount:     amounts[i],
			Share:      p.amount.Div(total),
		}
	}
	return out, nil
}

// HoldbackRelease splits what an invoice's escrow holds at settlement.
// The escrow holds the holdback plus every payment; the payouts come out of
// it first and the rest is released to the exporter. A positive shortfall
// is how much more the escrow needs to cover the payouts.
func HoldbackRelease(holdback, paid, paidOut decimal.Decimal) (release, shortfall decimal.Decimal) {
	rest := holdback.Add(paid).Sub(paidOut)
	if rest.IsNegative() {
		return decimal.Zero, rest.Neg()
	}
	return rest, decimal.Zero
}

// YieldAmount is principal * yieldBps / 10000, rounded to cents.
func YieldAmount(principal decimal.Decimal, yieldBps int64) decimal.Decimal {
	return principal.Mul(decimal.NewFromInt(yieldBps)).Div(bpsDivisor).Round(Scale)
}

// BondAmount is 1% of principal, clamped to [300, 5000].
func BondAmount(principal decimal.Decimal) decimal.Decimal {
	bond := principal.Mul(bondRate).Round(Scale)
	if bond.LessThan(bondFloor) {
		return bondFloor
	}
	if bond.GreaterThan(bondCeiling) {
		return bondCeiling
	}
	return bond
}

// AdvanceRate is the percentage of funded capital advanced to the exporter:
// 90 with proof of delivery on file, 80 without.
func AdvanceRate(hasProofOfDelivery bool) decimal.Decimal {
	if hasProofOfDelivery {
		return advanceWithP
	}
	return advanceNoP
}

// AdvanceAmount is funded * rate / 100, rounded to cents.
func AdvanceAmount(funded, rate decimal.Decimal) decimal.Decimal {
	return funded.Mul(rate).Div(hundred).Round(Scale)
}

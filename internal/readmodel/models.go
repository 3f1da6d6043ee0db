package readmodel

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/receivables/internal/projection"
)

// Invoice is one catalog row: the searchable summary of an invoice.
type Invoice struct {
	ID            string          `gorm:"primaryKey;size:64" json:"id"`
	Status        string          `gorm:"size:16;not null;index" json:"status"`
	ExporterID    string          `gorm:"size:128;not null;index" json:"exporter_id"`
	BuyerID       string          `gorm:"size:128" json:"buyer_id,omitempty"`
	AttesterID    string          `gorm:"size:128" json:"attester_id,omitempty"`
	Currency      string          `gorm:"size:3;not null" json:"currency"`
	Principal     decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"principal"`
	FundedAmount  decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"funded_amount"`
	FundedPercent decimal.Decimal `gorm:"type:numeric(7,2);not null" json:"funded_percent"`
	PaidAmount    decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"paid_amount"`
	BondAmount    decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"bond_amount"`
	YieldBps      int64           `gorm:"not null" json:"yield_bps"`
	TenorDays     int64           `gorm:"not null" json:"tenor_days"`
	MaturityDate  time.Time       `gorm:"index" json:"maturity_date"`
	Investors     int             `json:"investors"`
	Anomalies     int             `json:"anomalies"`
	Version       int64           `gorm:"not null" json:"version"`
	OpenedAt      time.Time       `json:"opened_at"`
	ChangedAt     time.Time       `json:"changed_at"`
}

// TableName overrides the gorm default.
func (Invoice) TableName() string { return "invoices" }

// Position is an investor's aggregated stake in one invoice.
type Position struct {
	InvoiceID  string          `gorm:"primaryKey;size:64" json:"invoice_id"`
	InvestorID string          `gorm:"primaryKey;size:128;index" json:"investor_id"`
	Amount     decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"amount"`
}

func (Position) TableName() string { return "positions" }

// rowsFor flattens a projected invoice into catalog rows.
func rowsFor(s projection.InvoiceState) (Invoice, []Position) {
	var positions []Position
	index := map[string]int{}
	for _, inv := range s.Investments {
		if i, ok := index[inv.InvestorID]; ok {
			positions[i].Amount = positions[i].Amount.Add(inv.Amount)
			continue
		}
		index[inv.InvestorID] = len(positions)
		positions = append(positions, Position{InvoiceID: s.ID, InvestorID: inv.InvestorID, Amount: inv.Amount})
	}

	return Invoice{
		ID:            s.ID,
		Status:        string(s.Status),
		ExporterID:    s.ExporterID,
		BuyerID:       s.BuyerID,
		AttesterID:    s.AttesterID,
		Currency:      s.Currency,
		Principal:     s.Principal,
		FundedAmount:  s.FundedAmount,
		FundedPercent: s.FundedPercent,
		PaidAmount:    s.PaidAmount,
		BondAmount:    s.BondAmount,
		YieldBps:      s.YieldBps,
		TenorDays:     s.TenorDays,
		MaturityDate:  s.MaturityDate,
		Investors:     len(positions),
		Anomalies:     len(s.Anomalies),
		Version:       s.Version,
		OpenedAt:      s.CreatedAt,
		ChangedAt:     s.UpdatedAt,
	}, positions
}

// Package readmodel keeps a relational catalog of invoices for listing
// and search. The event log stays the source of truth; the catalog is
// fed by an engine observer and can be rebuilt from the log at any time.
package readmodel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/roach88/receivables/internal/engine"
	"github.com/roach88/receivables/internal/projection"
)

// ErrNotFound is returned by Get for an invoice not in the catalog.
var ErrNotFound = errors.New("invoice not in catalog")

// Catalog is the gorm-backed read model.
type Catalog struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Query selects catalog rows. Empty fields match everything.
type Query struct {
	Status     projection.Status
	ExporterID string
	InvestorID string
	Limit      int
}

// Source yields projected invoices for Rebuild. *engine.Engine implements it.
type Source interface {
	ListInvoices(ctx context.Context, f engine.InvoiceFilter) ([]projection.InvoiceState, error)
}

// Dialector picks the gorm driver for dsn: postgres for postgres:// URLs
// and key=value lists, sqlite for anything else (a file path or file: URI).
func Dialector(dsn string) gorm.Dialector {
	dsn = strings.Trim(strings.TrimSpace(dsn), "\"'")
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return postgres.Open(dsn)
	case strings.Contains(lower, "host=") && strings.Contains(lower, "dbname="):
		return postgres.Open(dsn)
	default:
		return sqlite.Open(dsn)
	}
}

// Open connects to dsn and migrates the catalog tables.
func Open(dsn string, log *slog.Logger) (*Catalog, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("open catalog: empty dsn")
	}
	if log == nil {
		log = slog.Default()
	}
	db, err := gorm.Open(Dialector(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if err := db.AutoMigrate(&Invoice{}, &Position{}); err != nil {
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return &Catalog{db: db, logger: log}, nil
}

// Close releases the underlying connection pool.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Upsert writes the row and positions for s. A row already at a newer
// version is left alone.
func (c *Catalog) Upsert(ctx context.Context, s projection.InvoiceState) error {
	row, positions := rowsFor(s)
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "invoices.version < excluded.version"},
			}},
		}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("upsert invoice %s: %w", s.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.Where("invoice_id = ?", s.ID).Delete(&Position{}).Error; err != nil {
			return fmt.Errorf("clear positions %s: %w", s.ID, err)
		}
		if len(positions) == 0 {
			return nil
		}
		if err := tx.Create(&positions).Error; err != nil {
			return fmt.Errorf("write positions %s: %w", s.ID, err)
		}
		return nil
	})
}

// Observer adapts Upsert to an engine observer. Failures are logged; the
// catalog can be rebuilt.
func (c *Catalog) Observer() engine.Observer {
	return func(ctx context.Context, s projection.InvoiceState) {
		if err := c.Upsert(ctx, s); err != nil {
			c.logger.Error("catalog update failed", "invoice_id", s.ID, "version", s.Version, "error", err)
		}
	}
}

// Get returns one catalog row.
func (c *Catalog) Get(ctx context.Context, invoiceID string) (Invoice, error) {
	var row Invoice
	err := c.db.WithContext(ctx).Where("id = ?", invoiceID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Invoice{}, fmt.Errorf("get %s: %w", invoiceID, ErrNotFound)
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("get %s: %w", invoiceID, err)
	}
	return row, nil
}

// List returns matching rows ordered by creation time, then id.
func (c *Catalog) List(ctx context.Context, q Query) ([]Invoice, error) {
	db := c.db.WithContext(ctx).Model(&Invoice{})
	if q.Status != "" {
		db = db.Where("status = ?", string(q.Status))
	}
	if q.ExporterID != "" {
		db = db.Where("exporter_id = ?", q.ExporterID)
	}
	if q.InvestorID != "" {
		held := c.db.Model(&Position{}).Select("invoice_id").Where("investor_id = ?", q.InvestorID)
		db = db.Where("id IN (?)", held)
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	rows := []Invoice{}
	if err := db.Order("opened_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	return rows, nil
}

// Positions returns the stakes held in an invoice, largest first.
func (c *Catalog) Positions(ctx context.Context, invoiceID string) ([]Position, error) {
	var out []Position
	err := c.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("amount DESC, investor_id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("positions %s: %w", invoiceID, err)
	}
	return out, nil
}

// Rebuild empties the catalog and reloads it from src.
func (c *Catalog) Rebuild(ctx context.Context, src Source) (int, error) {
	states, err := src.ListInvoices(ctx, engine.InvoiceFilter{})
	if err != nil {
		return 0, fmt.Errorf("rebuild catalog: %w", err)
	}
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Position{}).Error; err != nil {
			return err
		}
		return tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Invoice{}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild catalog: clear: %w", err)
	}
	for _, s := range states {
		if err := c.Upsert(ctx, s); err != nil {
			return 0, fmt.Errorf("rebuild catalog: %w", err)
		}
	}
	c.logger.Info("catalog rebuilt", "invoices", len(states))
	return len(states), nil
}

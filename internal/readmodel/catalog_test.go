package readmodel

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/receivables/internal/engine"
	"github.com/roach88/receivables/internal/projection"
	"github.com/roach88/receivables/internal/store"
	"github.com/roach88/receivables/internal/testutil"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func newEngine(t *testing.T, opts ...engine.EngineOption) *engine.Engine {
	t.Helper()
	clock := testutil.NewClock(testutil.Epoch)
	base := []engine.EngineOption{
		engine.WithNow(clock.Now),
		engine.WithIDGenerator(testutil.NewSequenceGenerator("id")),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return engine.New(store.NewMemory(), append(base, opts...)...)
}

func create(t *testing.T, eng *engine.Engine, exporterID, principal string) string {
	t.Helper()
	s, err := eng.Create(context.Background(), engine.Terms{
		ExporterID: exporterID,
		Principal:  decimal.RequireFromString(principal),
		Currency:   "USD",
		YieldBps:   800,
		TenorDays:  60,
	})
	require.NoError(t, err)
	return s.ID
}

func TestDialector(t *testing.T) {
	assert.Equal(t, "postgres", Dialector("postgres://u:p@localhost:5432/db").Name())
	assert.Equal(t, "postgres", Dialector("host=localhost user=u dbname=db sslmode=disable").Name())
	assert.Equal(t, "sqlite", Dialector("./catalog.db").Name())
	assert.Equal(t, "sqlite", Dialector("'file::memory:?cache=shared'").Name())
}

func TestObserver_KeepsCatalogCurrent(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)
	eng := newEngine(t, engine.WithObserver(cat.Observer()))

	first := create(t, eng, "exp-1", "1000")
	second := create(t, eng, "exp-2", "2000")
	_, err := eng.List(ctx, second, "exp-2")
	require.NoError(t, err)
	_, err = eng.Invest(ctx, second, "inv-a", decimal.RequireFromString("500"))
	require.NoError(t, err)
	_, err = eng.Invest(ctx, second, "inv-a", decimal.RequireFromString("250"))
	require.NoError(t, err)
	_, err = eng.Invest(ctx, second, "inv-b", decimal.RequireFromString("250"))
	require.NoError(t, err)

	row, err := cat.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, string(projection.StatusInvesting), row.Status)
	assert.True(t, decimal.RequireFromString("1000").Equal(row.FundedAmount), row.FundedAmount.String())
	assert.True(t, decimal.RequireFromString("50").Equal(row.FundedPercent), row.FundedPercent.String())
	assert.Equal(t, 2, row.Investors)
	assert.Equal(t, int64(5), row.Version)

	positions, err := cat.Positions(ctx, second)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "inv-a", positions[0].InvestorID)
	assert.True(t, decimal.RequireFromString("750").Equal(positions[0].Amount))

	all, err := cat.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].ID)

	drafts, err := cat.List(ctx, Query{Status: projection.StatusDraft})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, first, drafts[0].ID)

	held, err := cat.List(ctx, Query{InvestorID: "inv-b"})
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, second, held[0].ID)

	byExporter, err := cat.List(ctx, Query{ExporterID: "exp-1", Limit: 5})
	require.NoError(t, err)
	require.Len(t, byExporter, 1)

	_, err = cat.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsert_IgnoresStaleVersions(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)

	newer := projection.InvoiceState{ID: "inv-1", Status: projection.StatusListed, ExporterID: "exp", Currency: "USD", Version: 3}
	older := projection.InvoiceState{ID: "inv-1", Status: projection.StatusDraft, ExporterID: "exp", Currency: "USD", Version: 1}

	require.NoError(t, cat.Upsert(ctx, newer))
	require.NoError(t, cat.Upsert(ctx, older))

	row, err := cat.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, string(projection.StatusListed), row.Status)
	assert.Equal(t, int64(3), row.Version)
}

func TestRebuild_FromEngine(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)
	eng := newEngine(t)

	create(t, eng, "exp-1", "1000")
	create(t, eng, "exp-1", "3000")
	require.NoError(t, cat.Upsert(ctx, projection.InvoiceState{ID: "orphan", Status: projection.StatusDraft, Version: 1}))

	n, err := cat.Rebuild(ctx, eng)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := cat.List(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	_, err = cat.Get(ctx, "orphan")
	assert.ErrorIs(t, err, ErrNotFound)
}

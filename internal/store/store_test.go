package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/receivables/internal/event"
)

// createTestStore opens a SQLite store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// logs returns every Log implementation under a name.
func logs(t *testing.T) map[string]Log {
	return map[string]Log{
		"sqlite": createTestStore(t),
		"memory": NewMemory(),
	}
}

func bond(invoiceID, amount string) event.Event {
	return event.New(invoiceID, "exp-1", event.BondPosted{Amount: decimal.RequireFromString(amount)})
}

func at(e event.Event, ts time.Time) event.Event {
	e.Timestamp = ts
	return e
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)
	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("synchronous", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("user_version", fmt.Sprint(currentSchemaVersion)))
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s1, err := Open(path)
	require.NoError(t, err)
	_, err = s1.Append(ctx, 0, bond("inv-1", "300"))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	events, err := Load(ctx, s2, "inv-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NoError(t, event.Verify(events[0]))
}

func TestAppend_AssignsStorageFields(t *testing.T) {
	for name, log := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stored, err := log.Append(ctx, 0, at(bond("inv-1", "300"), t0), at(bond("inv-1", "200"), t0))
			require.NoError(t, err)
			require.Len(t, stored, 2)

			for i, e := range stored {
				assert.NotEmpty(t, e.ID)
				assert.Equal(t, int64(i+1), e.Version)
				assert.Equal(t, int64(i+1), e.Seq)
				assert.NotEmpty(t, e.Hash)
				assert.NoError(t, event.Verify(e))
			}

			v, err := log.Version(ctx, "inv-1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), v)
		})
	}
}

func TestAppend_ExpectedVersionConflict(t *testing.T) {
	for name, log := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := log.Append(ctx, 0, bond("inv-1", "300"))
			require.NoError(t, err)

			_, err = log.Append(ctx, 0, bond("inv-1", "100"))
			require.Error(t, err)
			assert.True(t, IsConflict(err))

			var ce *ConflictError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, int64(0), ce.Expected)
			assert.Equal(t, int64(1), ce.Actual)

			// Nothing was written by the failed append.
			events, err := Load(ctx, log, "inv-1")
			require.NoError(t, err)
			assert.Len(t, events, 1)

			_, err = log.Append(ctx, AnyVersion, bond("inv-1", "100"))
			assert.NoError(t, err)
		})
	}
}

func TestAppend_RejectsMixedBatch(t *testing.T) {
	for name, log := range logs(t) {
		t.Run(name, func(t *testing.T) {
			_, err := log.Append(context.Background(), AnyVersion, bond("inv-1", "1"), bond("inv-2", "1"))
			require.Error(t, err)

			_, err = log.Append(context.Background(), AnyVersion)
			assert.ErrorIs(t, err, ErrEmptyBatch)

			ids, err := log.InvoiceIDs(context.Background())
			require.NoError(t, err)
			assert.Empty(t, ids)
		})
	}
}

func TestAppend_TimestampsNeverGoBackwards(t *testing.T) {
	for name, log := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := log.Append(ctx, 0, at(bond("inv-1", "1"), t0.Add(time.Hour)))
			require.NoError(t, err)
			stored, err := log.Append(ctx, 1, at(bond("inv-1", "2"), t0))
			require.NoError(t, err)
			assert.True(t, stored[0].Timestamp.Equal(t0.Add(time.Hour)))
		})
	}
}

func TestQuery_OrdersByTimestampThenSeq(t *testing.T) {
	for name, log := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := log.Append(ctx, 0, at(bond("inv-late", "1"), t0.Add(2*time.Hour)))
			require.NoError(t, err)
			_, err = log.Append(ctx, 0, at(bond("inv-early", "1"), t0))
			require.NoError(t, err)
			_, err = log.Append(ctx, 1, at(bond("inv-early", "2"), t0))
			require.NoError(t, err)

			all, err := Collect(log.Query(ctx, event.Filter{}))
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []int64{2, 3, 1}, []int64{all[0].Seq, all[1].Seq, all[2].Seq})

			ids, err := log.InvoiceIDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"inv-late", "inv-early"}, ids)
		})
	}
}

func TestQuery_Filters(t *testing.T) {
	for name, log := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := log.Append(ctx, 0, bond("inv-1", "1"))
			require.NoError(t, err)
			_, err = log.Append(ctx, 0, event.New("inv-2", "buyer-1", event.BuyerAck{BuyerID: "buyer-1"}))
			require.NoError(t, err)
			_, err = log.Append(ctx, 1, bond("inv-1", "2"))
			require.NoError(t, err)

			byInvoice, err := Collect(log.Query(ctx, event.Filter{InvoiceID: "inv-1"}))
			require.NoError(t, err)
			assert.Len(t, byInvoice, 2)

			byType, err := Collect(log.Query(ctx, event.Filter{Type: event.TypeBuyerAck}))
			require.NoError(t, err)
			require.Len(t, byType, 1)
			assert.Equal(t, "inv-2", byType[0].InvoiceID)
			assert.IsType(t, event.BuyerAck{}, byType[0].Payload)

			after, err := Collect(log.Query(ctx, event.Filter{After: 1}))
			require.NoError(t, err)
			assert.Len(t, after, 2)

			limited, err := Collect(log.Query(ctx, event.Filter{Limit: 1}))
			require.NoError(t, err)
			assert.Len(t, limited, 1)

			none, err := Collect(log.Query(ctx, event.Filter{InvoiceID: "missing"}))
			require.NoError(t, err)
			assert.NotNil(t, none)
			assert.Empty(t, none)
		})
	}
}

func TestQuery_RestartableAndBounded(t *testing.T) {
	for name, log := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := log.Append(ctx, 0, bond("inv-1", "1"), bond("inv-1", "2"))
			require.NoError(t, err)

			seq := log.Query(ctx, event.Filter{})
			seen := 0
			for e, err := range seq {
				require.NoError(t, err)
				seen++
				// Appending mid-iteration must not extend this scan.
				_, err = log.Append(ctx, AnyVersion, bond(e.InvoiceID, "9"))
				require.NoError(t, err)
			}
			assert.Equal(t, 2, seen)

			again, err := Collect(seq)
			require.NoError(t, err)
			assert.Len(t, again, 4)
		})
	}
}

func TestQuery_PagesThroughLargeStreams(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	batch := make([]event.Event, 0, PageSize*2+5)
	for i := 0; i < cap(batch); i++ {
		batch = append(batch, at(bond("inv-1", "1"), t0))
	}
	_, err := s.Append(ctx, 0, batch...)
	require.NoError(t, err)

	all, err := Collect(s.Query(ctx, event.Filter{InvoiceID: "inv-1"}))
	require.NoError(t, err)
	require.Len(t, all, len(batch))
	for i, e := range all {
		assert.Equal(t, int64(i+1), e.Version)
	}
}

func TestQuery_EarlyBreak(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, 0, bond("inv-1", "1"), bond("inv-1", "2"), bond("inv-1", "3"))
	require.NoError(t, err)

	n := 0
	for _, err := range s.Query(ctx, event.Filter{}) {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}

func TestAppend_ConcurrentWritersOneWins(t *testing.T) {
	for name, log := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := log.Append(ctx, 0, bond("inv-1", "1"))
			require.NoError(t, err)

			var wg sync.WaitGroup
			var mu sync.Mutex
			wins, conflicts := 0, 0
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := log.Append(ctx, 1, bond("inv-1", "2"))
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						wins++
					} else if IsConflict(err) {
						conflicts++
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, wins)
			assert.Equal(t, 7, conflicts)
		})
	}
}

package history

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/sentinex/pkg/models"
)

func transferAt(subject, counterparty string, amount float64, ts time.Time) models.Transfer {
	return models.Transfer{
		SubjectID:    subject,
		Counterparty: counterparty,
		Direction:    models.DirectionOutbound,
		Amount:       decimal.NewFromFloat(amount),
		Asset:        "USDT",
		Timestamp:    ts,
	}
}

func TestMemoryStoreWindowScan(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Record(ctx, transferAt("alice", "bob", 100, base.Add(-3*time.Hour))))
	require.NoError(t, store.Record(ctx, transferAt("alice", "carol", 200, base.Add(-30*time.Minute))))
	require.NoError(t, store.Record(ctx, transferAt("alice", "dave", 300, base.Add(-10*time.Minute))))
	require.NoError(t, store.Record(ctx, transferAt("albert", "bob", 999, base.Add(-5*time.Minute))))

	got, err := store.TransfersBySubject(ctx, "alice", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "carol", got[0].Counterparty)
	assert.Equal(t, "dave", got[1].Counterparty)

	all, err := store.TransfersBySubject(ctx, "alice", base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, all, 3)

	toBob, err := store.TransfersByCounterparty(ctx, "bob", base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, toBob, 2)
}

func TestMemoryStoreSubjectPrefixIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	now := time.Now().UTC()

	require.NoError(t, store.Record(ctx, transferAt("ab", "x", 1, now)))
	require.NoError(t, store.Record(ctx, transferAt("abc", "y", 2, now)))

	got, err := store.TransfersBySubject(ctx, "ab", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Counterparty)
}

func TestMemoryStoreRetentionEvictsOldest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(3)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		tr := transferAt("alice", "bob", float64(i+1), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Record(ctx, tr))
	}

	got, err := store.TransfersBySubject(ctx, "alice", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Amount.Equal(decimal.NewFromInt(3)), "oldest two entries should be gone")
	assert.Equal(t, 3, store.Len())

	// Party index shrinks with the subject index.
	toBob, err := store.TransfersByCounterparty(ctx, "bob", base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, toBob, 3)
}

func TestMemoryStoreStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	// Four transfers of 100 and one of 200 across five days.
	for i := 0; i < 4; i++ {
		require.NoError(t, store.Record(ctx, transferAt("alice", "bob", 100, base.Add(time.Duration(i)*24*time.Hour))))
	}
	require.NoError(t, store.Record(ctx, transferAt("alice", "bob", 200, base.Add(4*24*time.Hour))))

	st, err := store.Stats(ctx, "alice", base, base.Add(5*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5, st.Samples)
	assert.InDelta(t, 120.0, st.MeanAmount, 1e-9)
	assert.InDelta(t, 40.0, st.StdDevAmount, 1e-9)
	assert.InDelta(t, 1.0, st.DailyAvgCount, 1e-9)
	assert.InDelta(t, 120.0, st.DailyAvgVolume, 1e-9)
}

func TestMemoryStoreStatsWindowBounds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Record(ctx, transferAt("alice", "bob", 50, base.Add(-time.Hour))))
	require.NoError(t, store.Record(ctx, transferAt("alice", "bob", 100, base)))
	require.NoError(t, store.Record(ctx, transferAt("alice", "bob", 150, base.Add(time.Hour))))

	// Half-open window: includes base, excludes base+1h.
	st, err := store.Stats(ctx, "alice", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Samples)
	assert.InDelta(t, 100.0, st.MeanAmount, 1e-9)

	empty, err := store.Stats(ctx, "nobody", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, empty.Samples)
	assert.Zero(t, empty.MeanAmount)
}

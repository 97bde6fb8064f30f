package orderbook

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depthsync/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTopOfBookOrdering(t *testing.T) {
	b := New()
	for _, p := range []string{"26970.1", "26972.027", "26969.5", "26971.21"} {
		require.NoError(t, b.Upsert(models.SideBid, d(p), d("1")))
	}
	for _, p := range []string{"26975", "26969.123", "26980.5"} {
		require.NoError(t, b.Upsert(models.SideAsk, d(p), d("2")))
	}

	assert.True(t, b.TopBid().Price.Equal(d("26972.027")))
	assert.True(t, b.TopAsk().Price.Equal(d("26969.123")))

	q := b.Top()
	assert.True(t, q.Bid.Price.Equal(d("26972.027")))
	assert.True(t, q.Ask.Price.Equal(d("26969.123")))
}

func TestEmptySidesReturnSentinel(t *testing.T) {
	b := New()
	assert.True(t, b.TopBid().IsEmpty())
	assert.True(t, b.TopAsk().IsEmpty())

	require.NoError(t, b.Upsert(models.SideBid, d("10"), d("1")))
	assert.True(t, b.TopAsk().IsEmpty())
	assert.False(t, b.TopBid().IsEmpty())
}

func TestUpsertOverwritesAndComparesExactly(t *testing.T) {
	b := New()
	require.NoError(t, b.Upsert(models.SideAsk, d("1.10"), d("5")))
	require.NoError(t, b.Upsert(models.SideAsk, d("1.1000"), d("7")))

	assert.Equal(t, 1, b.Len(models.SideAsk))
	lvl, ok := b.Level(models.SideAsk, d("1.1"))
	require.True(t, ok)
	assert.True(t, lvl.Quantity.Equal(d("7")))

	// 0.1 + 0.2 is exactly 0.3 in decimal arithmetic
	require.NoError(t, b.Upsert(models.SideBid, d("0.1").Add(d("0.2")), d("1")))
	_, ok = b.Level(models.SideBid, d("0.3"))
	assert.True(t, ok)
}

func TestUpsertRejectsNonPositiveQuantity(t *testing.T) {
	b := New()
	assert.ErrorIs(t, b.Upsert(models.SideBid, d("1"), decimal.Zero), ErrInvalidQuantity)
	assert.ErrorIs(t, b.Upsert(models.SideBid, d("1"), d("-0.5")), ErrInvalidQuantity)
	assert.ErrorIs(t, b.Upsert(models.Side("mid"), d("1"), d("1")), ErrUnknownSide)
	assert.Equal(t, 0, b.Len(models.SideBid))
}

func TestRemoveIsIdempotent(t *testing.T) {
	b := New()
	require.NoError(t, b.Upsert(models.SideBid, d("100"), d("1")))

	b.Remove(models.SideBid, d("99"))
	b.Remove(models.SideAsk, d("100"))
	assert.Equal(t, 1, b.Len(models.SideBid))
	assert.Equal(t, 0, b.Len(models.SideAsk))

	b.Remove(models.SideBid, d("100"))
	b.Remove(models.SideBid, d("100"))
	assert.Equal(t, 0, b.Len(models.SideBid))
}

func TestApplyZeroQuantityRemoves(t *testing.T) {
	b := New()
	changes := []models.PriceLevel{
		{Price: d("30000.21"), Quantity: d("0.1")},
		{Price: d("30000.21"), Quantity: d("0")},
		{Price: d("30001"), Quantity: d("0.00000000")},
		{Price: d("29999"), Quantity: d("3")},
	}
	for _, c := range changes {
		require.NoError(t, b.Apply(models.SideBid, c))
	}

	_, ok := b.Level(models.SideBid, d("30000.21"))
	assert.False(t, ok)
	_, ok = b.Level(models.SideBid, d("30001"))
	assert.False(t, ok)
	lvl, ok := b.Level(models.SideBid, d("29999"))
	require.True(t, ok)
	assert.True(t, lvl.Quantity.Equal(d("3")))
}

func TestSnapshotRoundTripEmptiesBook(t *testing.T) {
	b := New()
	bids := []models.PriceLevel{{Price: d("4.00000000"), Quantity: d("431")}, {Price: d("3.9"), Quantity: d("1")}}
	asks := []models.PriceLevel{{Price: d("4.00000200"), Quantity: d("12")}, {Price: d("4.1"), Quantity: d("2")}}
	for _, l := range bids {
		require.NoError(t, b.Apply(models.SideBid, l))
	}
	for _, l := range asks {
		require.NoError(t, b.Apply(models.SideAsk, l))
	}
	for _, l := range bids {
		require.NoError(t, b.Apply(models.SideBid, models.PriceLevel{Price: l.Price, Quantity: decimal.Zero}))
	}
	for _, l := range asks {
		require.NoError(t, b.Apply(models.SideAsk, models.PriceLevel{Price: l.Price, Quantity: decimal.Zero}))
	}

	assert.Equal(t, 0, b.Len(models.SideBid))
	assert.Equal(t, 0, b.Len(models.SideAsk))
	assert.True(t, b.TopBid().IsEmpty())
	assert.True(t, b.TopAsk().IsEmpty())
}

func TestDepthIsBestFirst(t *testing.T) {
	b := New()
	for _, p := range []string{"3", "1", "2", "5", "4"} {
		require.NoError(t, b.Upsert(models.SideBid, d(p), d("1")))
		require.NoError(t, b.Upsert(models.SideAsk, d(p), d("1")))
	}

	bids := b.Depth(models.SideBid, 3)
	require.Len(t, bids, 3)
	assert.True(t, bids[0].Price.Equal(d("5")))
	assert.True(t, bids[2].Price.Equal(d("3")))

	asks := b.Depth(models.SideAsk, 0)
	require.Len(t, asks, 5)
	assert.True(t, asks[0].Price.Equal(d("1")))
	assert.True(t, asks[4].Price.Equal(d("5")))
}

func TestResetAndUpdateID(t *testing.T) {
	b := New()
	require.NoError(t, b.Upsert(models.SideBid, d("1"), d("1")))
	b.ApplyUpdateID(1010)
	assert.Equal(t, uint64(1010), b.LastUpdateID())
	assert.Equal(t, uint64(1010), b.Top().LastUpdateID)

	b.Reset()
	assert.Equal(t, uint64(0), b.LastUpdateID())
	assert.Equal(t, 0, b.Len(models.SideBid))
}

func TestConcurrentReadersDuringWrites(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 500; i++ {
			p := decimal.NewFromInt(int64(i))
			_ = b.Upsert(models.SideBid, p, d("1"))
			_ = b.Upsert(models.SideAsk, p.Add(d("1000")), d("1"))
			b.ApplyUpdateID(uint64(i))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				q := b.Top()
				if !q.Bid.IsEmpty() && !q.Ask.IsEmpty() {
					assert.True(t, q.Bid.Price.LessThan(q.Ask.Price))
				}
			}
		}()
	}
	wg.Wait()
	assert.True(t, b.TopBid().Price.Equal(d("500")))
	assert.True(t, b.TopAsk().Price.Equal(d("1001")))
}

func lv(price, qty string) models.PriceLevel {
	return models.PriceLevel{Price: d(price), Quantity: d(qty)}
}

func TestReplaceLoadsSnapshotAndMarksSynced(t *testing.T) {
	b := New()
	require.NoError(t, b.Upsert(models.SideBid, d("1"), d("1")))
	assert.False(t, b.Synced())

	require.NoError(t, b.Replace(
		[]models.PriceLevel{lv("100", "1"), lv("99", "0"), lv("98", "2")},
		[]models.PriceLevel{lv("101", "3")},
		1000))

	q := b.Top()
	assert.True(t, q.Synced)
	assert.Equal(t, uint64(1000), q.LastUpdateID)
	assert.True(t, q.Bid.Price.Equal(d("100")))
	assert.Equal(t, 2, b.Len(models.SideBid), "old level cleared and zero quantity skipped")
	_, ok := b.Level(models.SideBid, d("1"))
	assert.False(t, ok)

	b.Reset()
	assert.False(t, b.Synced())
	assert.False(t, b.Top().Synced)
}

func TestReplaceRejectsBeforeMutating(t *testing.T) {
	b := New()
	require.NoError(t, b.Replace([]models.PriceLevel{lv("50", "1")}, nil, 10))

	err := b.Replace(
		[]models.PriceLevel{lv("100", "1")},
		[]models.PriceLevel{lv("101", "1"), lv("102", "-2")},
		20)
	require.ErrorIs(t, err, ErrInvalidQuantity)
	assert.Equal(t, uint64(10), b.LastUpdateID())
	assert.True(t, b.TopBid().Price.Equal(d("50")))
	assert.Equal(t, 0, b.Len(models.SideAsk))
}

func TestApplyDiffIsAllOrNothing(t *testing.T) {
	b := New()
	require.NoError(t, b.Replace([]models.PriceLevel{lv("100", "1")}, []models.PriceLevel{lv("101", "1")}, 1000))

	require.NoError(t, b.ApplyDiff(
		[]models.PriceLevel{lv("100", "0"), lv("99.5", "4")},
		[]models.PriceLevel{lv("100.5", "2")},
		1005))
	q := b.Top()
	assert.True(t, q.Bid.Price.Equal(d("99.5")))
	assert.True(t, q.Ask.Price.Equal(d("100.5")))
	assert.Equal(t, uint64(1005), q.LastUpdateID)
	assert.True(t, q.Synced)

	err := b.ApplyDiff([]models.PriceLevel{lv("99", "1")}, []models.PriceLevel{lv("-1", "1")}, 1006)
	require.Error(t, err)
	assert.Equal(t, uint64(1005), b.LastUpdateID())
	_, ok := b.Level(models.SideBid, d("99"))
	assert.False(t, ok)
}

func TestViewIsConsistent(t *testing.T) {
	b := New()
	require.NoError(t, b.Replace(
		[]models.PriceLevel{lv("3", "1"), lv("2", "1"), lv("1", "1")},
		[]models.PriceLevel{lv("4", "1"), lv("5", "1")},
		42))

	v := b.View(2)
	require.Len(t, v.Bids, 2)
	require.Len(t, v.Asks, 2)
	assert.True(t, v.Bids[0].Price.Equal(d("3")))
	assert.True(t, v.Asks[1].Price.Equal(d("5")))
	assert.Equal(t, uint64(42), v.LastUpdateID)
	assert.True(t, v.Synced)

	empty := New().View(10)
	assert.Empty(t, empty.Bids)
	assert.False(t, empty.Synced)
}

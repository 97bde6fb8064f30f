// Package orderbook holds the aggregated price-level book for one symbol.
//
// Each side is a B-tree ordered by exact decimal price: asks ascending,
// bids descending, so the best level of either side is the tree minimum.
// The book has a single writer; readers go through Top, Level, Depth and
// View, which copy values out under a read lock. Replace and ApplyDiff
// change a whole batch under one write lock, so readers never see a
// half-loaded snapshot or a half-applied diff.
package orderbook

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"depthsync/models"
)

const treeDegree = 32

var (
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")
	ErrUnknownSide     = errors.New("unknown book side")
)

// Book is a two-sided price-level book.
type Book struct {
	mu           sync.RWMutex
	bids         *btree.BTreeG[models.PriceLevel]
	asks         *btree.BTreeG[models.PriceLevel]
	lastUpdateID uint64
	synced       bool
}

// New returns an empty book.
func New() *Book {
	return &Book{
		bids: btree.NewG(treeDegree, func(a, b models.PriceLevel) bool {
			return a.Price.GreaterThan(b.Price)
		}),
		asks: btree.NewG(treeDegree, func(a, b models.PriceLevel) bool {
			return a.Price.LessThan(b.Price)
		}),
	}
}

func (b *Book) tree(side models.Side) (*btree.BTreeG[models.PriceLevel], error) {
	switch side {
	case models.SideBid:
		return b.bids, nil
	case models.SideAsk:
		return b.asks, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSide, side)
	}
}

// Upsert sets the quantity at price. Zero quantities belong to Remove.
func (b *Book) Upsert(side models.Side, price, quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return fmt.Errorf("%w: %s at %s", ErrInvalidQuantity, quantity, price)
	}
	if price.IsNegative() {
		return fmt.Errorf("negative price %s", price)
	}
	t, err := b.tree(side)
	if err != nil {
		return err
	}

	b.mu.Lock()
	t.ReplaceOrInsert(models.PriceLevel{Price: price, Quantity: quantity})
	b.mu.Unlock()
	return nil
}

// Remove deletes the level at price. Removing an absent level is a no-op.
func (b *Book) Remove(side models.Side, price decimal.Decimal) {
	t, err := b.tree(side)
	if err != nil {
		return
	}
	b.mu.Lock()
	t.Delete(models.PriceLevel{Price: price})
	b.mu.Unlock()
}

// Apply routes a level change: zero quantity removes, positive quantity upserts.
func (b *Book) Apply(side models.Side, lvl models.PriceLevel) error {
	if lvl.Quantity.IsZero() {
		b.Remove(side, lvl.Price)
		return nil
	}
	return b.Upsert(side, lvl.Price, lvl.Quantity)
}

// TopBid returns the highest bid or the empty sentinel.
func (b *Book) TopBid() models.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return best(b.bids)
}

// TopAsk returns the lowest ask or the empty sentinel.
func (b *Book) TopAsk() models.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return best(b.asks)
}

// Top reads both best levels, the update id and the sync flag atomically.
func (b *Book) Top() models.Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return models.Quote{
		Bid:          best(b.bids),
		Ask:          best(b.asks),
		LastUpdateID: b.lastUpdateID,
		Synced:       b.synced,
	}
}

// View copies up to n best levels of both sides in one read. n <= 0 means all.
func (b *Book) View(n int) models.DepthView {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return models.DepthView{
		Bids:         levels(b.bids, n),
		Asks:         levels(b.asks, n),
		LastUpdateID: b.lastUpdateID,
		Synced:       b.synced,
	}
}

func best(t *btree.BTreeG[models.PriceLevel]) models.PriceLevel {
	lvl, ok := t.Min()
	if !ok {
		return models.EmptyLevel
	}
	return lvl
}

// Level returns the level resting at price, if any.
func (b *Book) Level(side models.Side, price decimal.Decimal) (models.PriceLevel, bool) {
	t, err := b.tree(side)
	if err != nil {
		return models.PriceLevel{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return t.Get(models.PriceLevel{Price: price})
}

// Depth copies out up to n best levels of a side, best first. n <= 0 means all.
func (b *Book) Depth(side models.Side, n int) []models.PriceLevel {
	t, err := b.tree(side)
	if err != nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return levels(t, n)
}

func levels(t *btree.BTreeG[models.PriceLevel], n int) []models.PriceLevel {
	size := t.Len()
	if n > 0 && n < size {
		size = n
	}
	out := make([]models.PriceLevel, 0, size)
	if size == 0 {
		return out
	}
	t.Ascend(func(lvl models.PriceLevel) bool {
		out = append(out, lvl)
		return len(out) < size
	})
	return out
}

// Len returns the number of levels on a side.
func (b *Book) Len(side models.Side) int {
	t, err := b.tree(side)
	if err != nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return t.Len()
}

// ApplyUpdateID records the last update id folded into the book.
// Monotonicity is the caller's responsibility.
func (b *Book) ApplyUpdateID(id uint64) {
	b.mu.Lock()
	b.lastUpdateID = id
	b.mu.Unlock()
}

func (b *Book) LastUpdateID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateID
}

// Synced reports whether the book holds a snapshot joined to the stream.
func (b *Book) Synced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.synced
}

// Reset empties both sides in place so existing readers keep a valid handle.
func (b *Book) Reset() {
	b.mu.Lock()
	b.bids.Clear(false)
	b.asks.Clear(false)
	b.lastUpdateID = 0
	b.synced = false
	b.mu.Unlock()
}

// Replace swaps the whole book for a snapshot and marks it synced. Every
// level is checked first; on error the book is left untouched. Zero
// quantities are skipped.
func (b *Book) Replace(bids, asks []models.PriceLevel, lastUpdateID uint64) error {
	if err := validateLevels(models.SideBid, bids); err != nil {
		return err
	}
	if err := validateLevels(models.SideAsk, asks); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids.Clear(false)
	b.asks.Clear(false)
	applyLevels(b.bids, bids)
	applyLevels(b.asks, asks)
	b.lastUpdateID = lastUpdateID
	b.synced = true
	return nil
}

// ApplyDiff folds a batch of level changes and advances the update id as
// one step. On error nothing is applied.
func (b *Book) ApplyDiff(bids, asks []models.PriceLevel, lastUpdateID uint64) error {
	if err := validateLevels(models.SideBid, bids); err != nil {
		return err
	}
	if err := validateLevels(models.SideAsk, asks); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	applyLevels(b.bids, bids)
	applyLevels(b.asks, asks)
	b.lastUpdateID = lastUpdateID
	return nil
}

func validateLevels(side models.Side, lvls []models.PriceLevel) error {
	for _, lvl := range lvls {
		if lvl.Quantity.IsNegative() {
			return fmt.Errorf("%w: %s %s at %s", ErrInvalidQuantity, side, lvl.Quantity, lvl.Price)
		}
		if lvl.Price.IsNegative() {
			return fmt.Errorf("negative %s price %s", side, lvl.Price)
		}
	}
	return nil
}

// applyLevels expects validated input and the write lock held.
func applyLevels(t *btree.BTreeG[models.PriceLevel], lvls []models.PriceLevel) {
	for _, lvl := range lvls {
		if lvl.Quantity.IsZero() {
			t.Delete(models.PriceLevel{Price: lvl.Price})
			continue
		}
		t.ReplaceOrInsert(models.PriceLevel{Price: lvl.Price, Quantity: lvl.Quantity})
	}
}

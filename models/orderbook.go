package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformed marks feed data that fails shape or number parsing.
var ErrMalformed = errors.New("malformed feed data")

// Side identifies one half of the book.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// PriceLevel is the aggregated quantity resting at one price.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// EmptyLevel is returned for a side that has no levels.
var EmptyLevel = PriceLevel{Price: decimal.Zero, Quantity: decimal.Zero}

// IsEmpty reports whether the level is the empty sentinel.
func (l PriceLevel) IsEmpty() bool {
	return l.Price.IsZero() && l.Quantity.IsZero()
}

// RawLevel is a price level as the exchange sends it, before decimal parsing.
type RawLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// ParseLevel converts decimal strings into a PriceLevel. Negative or
// unparseable values are rejected with ErrMalformed.
func ParseLevel(price, quantity string) (PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("%w: price %q: %v", ErrMalformed, price, err)
	}
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("%w: quantity %q: %v", ErrMalformed, quantity, err)
	}
	if p.IsNegative() {
		return PriceLevel{}, fmt.Errorf("%w: negative price %s", ErrMalformed, price)
	}
	if q.IsNegative() {
		return PriceLevel{}, fmt.Errorf("%w: negative quantity %s", ErrMalformed, quantity)
	}
	return PriceLevel{Price: p, Quantity: q}, nil
}

// ParseLevels parses every raw level, failing on the first bad one.
func ParseLevels(raw []RawLevel) ([]PriceLevel, error) {
	levels := make([]PriceLevel, 0, len(raw))
	for _, r := range raw {
		lvl, err := ParseLevel(r.Price, r.Quantity)
		if err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

// SnapshotState is a full point-in-time dump of the book, valid up to LastUpdateID.
type SnapshotState struct {
	Symbol       string
	LastUpdateID uint64
	Bids         []PriceLevel
	Asks         []PriceLevel
	FetchedAt    time.Time
}

// BinanceSnapshotResp mirrors the REST depth response.
type BinanceSnapshotResp struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// NewSnapshotState validates and normalises a snapshot.
func NewSnapshotState(symbol string, lastUpdateID int64, bids, asks []RawLevel, fetchedAt time.Time) (*SnapshotState, error) {
	if lastUpdateID <= 0 {
		return nil, fmt.Errorf("%w: snapshot lastUpdateId %d", ErrMalformed, lastUpdateID)
	}
	b, err := ParseLevels(bids)
	if err != nil {
		return nil, fmt.Errorf("snapshot bids: %w", err)
	}
	a, err := ParseLevels(asks)
	if err != nil {
		return nil, fmt.Errorf("snapshot asks: %w", err)
	}
	return &SnapshotState{
		Symbol:       symbol,
		LastUpdateID: uint64(lastUpdateID),
		Bids:         b,
		Asks:         a,
		FetchedAt:    fetchedAt,
	}, nil
}

// ParseSnapshot normalises a decoded REST depth response.
func ParseSnapshot(symbol string, resp BinanceSnapshotResp, fetchedAt time.Time) (*SnapshotState, error) {
	bids, err := pairsToRaw(resp.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := pairsToRaw(resp.Asks)
	if err != nil {
		return nil, err
	}
	return NewSnapshotState(symbol, resp.LastUpdateID, bids, asks, fetchedAt)
}

// Quote is a consistent read of both best levels.
type Quote struct {
	Bid          PriceLevel
	Ask          PriceLevel
	LastUpdateID uint64
	Synced       bool
}

// DepthView is a consistent read of the best levels on both sides.
type DepthView struct {
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	LastUpdateID uint64       `json:"last_update_id"`
	Synced       bool         `json:"synced"`
}

// TopOfBook is the read model handed to publishers and HTTP readers.
type TopOfBook struct {
	Symbol       string     `json:"symbol"`
	Timestamp    time.Time  `json:"timestamp"`
	Bid          PriceLevel `json:"bid"`
	Ask          PriceLevel `json:"ask"`
	LastUpdateID uint64     `json:"last_update_id"`
	Synced       bool       `json:"synced"`
}

// NewTopOfBook stamps a quote with symbol and time.
func NewTopOfBook(symbol string, q Quote, ts time.Time) TopOfBook {
	return TopOfBook{
		Symbol:       symbol,
		Timestamp:    ts,
		Bid:          q.Bid,
		Ask:          q.Ask,
		LastUpdateID: q.LastUpdateID,
		Synced:       q.Synced,
	}
}

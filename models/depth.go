package models

import (
	"encoding/json"
	"fmt"
	"time"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// GENERAL ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// DiffEvent is one incremental depth update covering ids [FirstUpdateID, LastUpdateID].
type DiffEvent struct {
	Symbol        string
	EventTime     int64
	FirstUpdateID uint64
	LastUpdateID  uint64
	Bids          []PriceLevel
	Asks          []PriceLevel
	ReceivedAt    time.Time
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BINANCE ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BinanceDepthResp mirrors Binance's spot diff depth websocket event.
type BinanceDepthResp struct {
	Event         string     `json:"e"`
	Time          int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID uint64     `json:"U"`
	LastUpdateID  uint64     `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// ParseDepthEvent decodes a raw stream frame into a DiffEvent.
func ParseDepthEvent(data []byte, receivedAt time.Time) (DiffEvent, error) {
	var evt BinanceDepthResp
	if err := json.Unmarshal(data, &evt); err != nil {
		return DiffEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if evt.Event != "" && evt.Event != "depthUpdate" {
		return DiffEvent{}, fmt.Errorf("%w: unexpected event type %q", ErrMalformed, evt.Event)
	}
	if evt.FirstUpdateID == 0 || evt.LastUpdateID == 0 {
		return DiffEvent{}, fmt.Errorf("%w: missing update ids", ErrMalformed)
	}
	if evt.FirstUpdateID > evt.LastUpdateID {
		return DiffEvent{}, fmt.Errorf("%w: first update id %d after last %d", ErrMalformed, evt.FirstUpdateID, evt.LastUpdateID)
	}

	rawBids, err := pairsToRaw(evt.Bids)
	if err != nil {
		return DiffEvent{}, err
	}
	rawAsks, err := pairsToRaw(evt.Asks)
	if err != nil {
		return DiffEvent{}, err
	}
	bids, err := ParseLevels(rawBids)
	if err != nil {
		return DiffEvent{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := ParseLevels(rawAsks)
	if err != nil {
		return DiffEvent{}, fmt.Errorf("asks: %w", err)
	}

	return DiffEvent{
		Symbol:        evt.Symbol,
		EventTime:     evt.Time,
		FirstUpdateID: evt.FirstUpdateID,
		LastUpdateID:  evt.LastUpdateID,
		Bids:          bids,
		Asks:          asks,
		ReceivedAt:    receivedAt,
	}, nil
}

func pairsToRaw(pairs [][]string) ([]RawLevel, error) {
	out := make([]RawLevel, 0, len(pairs))
	for i, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("%w: level %d has %d fields", ErrMalformed, i, len(p))
		}
		out = append(out, RawLevel{Price: p[0], Quantity: p[1]})
	}
	return out, nil
}

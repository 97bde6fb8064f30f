package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"depthsync/internal/metrics"
	"depthsync/internal/orderbook"
	"depthsync/logger"
	"depthsync/models"
)

// SnapshotSource fetches a full REST depth snapshot for a symbol.
type SnapshotSource interface {
	Fetch(ctx context.Context, symbol string) (*models.SnapshotState, error)
}

type State int

const (
	Unsynced State = iota
	Synced
)

func (s State) String() string {
	if s == Synced {
		return "synced"
	}
	return "unsynced"
}

type Options struct {
	Symbol             string
	MaxSnapshotRetries int
	SnapshotTimeout    time.Duration
}

// Status is a point-in-time copy of the engine state.
type Status struct {
	Symbol            string `json:"symbol"`
	State             string `json:"state"`
	LastSeenID        uint64 `json:"last_seen_id"`
	LastUpdateID      uint64 `json:"last_update_id"`
	PendingSnapshotID uint64 `json:"pending_snapshot_id,omitempty"`
	Epoch             string `json:"epoch,omitempty"`
	Joins             int64  `json:"joins"`
	Resyncs           int64  `json:"resyncs"`
	Stale             int64  `json:"stale"`
}

// Engine keeps the local book in step with the diff stream. It owns the
// book's mutations; Handle must be called from a single goroutine.
type Engine struct {
	opts    Options
	book    *orderbook.Book
	source  SnapshotSource
	log     *logger.Log
	metrics *metrics.Metrics

	state      State
	pending    *models.SnapshotState
	lastSeenID uint64
	epoch      string
	joins      int64
	resyncs    int64
	stale      int64

	statusMu sync.RWMutex
	status   Status
}

func New(opts Options, book *orderbook.Book, source SnapshotSource, log *logger.Log, m *metrics.Metrics) *Engine {
	if opts.MaxSnapshotRetries < 0 {
		opts.MaxSnapshotRetries = 0
	}
	e := &Engine{
		opts:    opts,
		book:    book,
		source:  source,
		log:     log,
		metrics: m,
		state:   Unsynced,
	}
	e.publishStatus()
	return e
}

// Handle folds one diff into the book, fetching snapshots while unsynchronized.
// The returned error is nil for Applied, Joined and Stale.
func (e *Engine) Handle(ctx context.Context, diff models.DiffEvent) (outcome Outcome, err error) {
	defer func() {
		e.metrics.ObserveDiff(outcome.String())
		e.publishStatus()
	}()

	if diff.FirstUpdateID > diff.LastUpdateID {
		return Violation, e.violation(diff, "first update id after last update id")
	}

	if e.state == Unsynced {
		outcome, err = e.reconcile(ctx, diff)
		if outcome != Joined {
			return outcome, err
		}
	}

	if e.state == Synced && diff.FirstUpdateID != e.lastSeenID+1 {
		derr := &DesyncError{
			Symbol:        e.opts.Symbol,
			Expected:      e.lastSeenID + 1,
			FirstUpdateID: diff.FirstUpdateID,
			LastUpdateID:  diff.LastUpdateID,
		}
		e.resync(diff)
		return Desync, derr
	}

	if err := e.apply(diff); err != nil {
		return Violation, err
	}
	if outcome == Joined {
		return Joined, nil
	}
	return Applied, nil
}

// reconcile runs while unsynchronized. It returns Joined once the pending
// snapshot has been folded into the book and the diff is ready to apply.
func (e *Engine) reconcile(ctx context.Context, diff models.DiffEvent) (Outcome, error) {
	refetches := 0
	for {
		if e.pending == nil {
			snap, err := e.fetch(ctx)
			if err != nil {
				e.entry(diff).WithError(err).Warn("snapshot fetch failed, dropping diff")
				return FetchFailed, err
			}
			e.pending = snap
		}

		l := e.pending.LastUpdateID
		switch {
		case diff.LastUpdateID <= l:
			e.stale++
			e.entry(diff).WithField("snapshot_id", l).Debug("diff already covered by snapshot, dropping")
			return Stale, nil
		case diff.FirstUpdateID <= l+1:
			// u > L here, so U <= L+1 <= u: the diff straddles the snapshot.
			if err := e.join(diff); err != nil {
				return Violation, err
			}
			return Joined, nil
		case diff.FirstUpdateID > l+1:
			// The stream has moved past the snapshot; a newer one is needed.
			e.entry(diff).WithField("snapshot_id", l).Info("snapshot older than stream, refetching")
			e.pending = nil
			refetches++
			if refetches > e.opts.MaxSnapshotRetries {
				e.entry(diff).WithField("attempts", refetches).Error("snapshot never caught up with stream, giving up on diff")
				return GaveUp, fmt.Errorf("%w: %d attempts", ErrSnapshotRetriesExhausted, refetches)
			}
		default:
			return Violation, e.violation(diff, "diff matches no reconciliation case")
		}
	}
}

func (e *Engine) fetch(ctx context.Context) (*models.SnapshotState, error) {
	if e.opts.SnapshotTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.SnapshotTimeout)
		defer cancel()
	}

	start := time.Now()
	snap, err := e.source.Fetch(ctx, e.opts.Symbol)
	if err == nil && snap == nil {
		err = fmt.Errorf("empty snapshot")
	}
	e.metrics.ObserveSnapshotFetch(err)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSnapshotFetch, e.opts.Symbol, err)
	}

	logger.LogPerformanceEntry(e.log.WithComponent("engine"), "engine", "snapshot_fetch", time.Since(start), logger.Fields{
		"symbol":      e.opts.Symbol,
		"snapshot_id": snap.LastUpdateID,
		"bids":        len(snap.Bids),
		"asks":        len(snap.Asks),
	})
	return snap, nil
}

// join replaces the book contents with the pending snapshot in one step.
func (e *Engine) join(diff models.DiffEvent) error {
	snap := e.pending
	if err := e.book.Replace(snap.Bids, snap.Asks, snap.LastUpdateID); err != nil {
		return e.violation(diff, fmt.Sprintf("snapshot rejected: %v", err))
	}

	e.lastSeenID = diff.FirstUpdateID - 1
	e.state = Synced
	e.pending = nil
	e.epoch = uuid.NewString()
	e.joins++
	e.metrics.SetSynced(true)

	e.entry(diff).WithFields(logger.Fields{
		"snapshot_id": snap.LastUpdateID,
		"epoch":       e.epoch,
		"bid_levels":  e.book.Len(models.SideBid),
		"ask_levels":  e.book.Len(models.SideAsk),
	}).Info("snapshot joined stream")
	return nil
}

func (e *Engine) apply(diff models.DiffEvent) error {
	if err := e.book.ApplyDiff(diff.Bids, diff.Asks, diff.LastUpdateID); err != nil {
		return e.violation(diff, fmt.Sprintf("diff rejected: %v", err))
	}
	e.lastSeenID = diff.LastUpdateID
	return nil
}

// resync drops back to Unsynced with an empty book. The diff that exposed
// the gap is not replayed.
func (e *Engine) resync(diff models.DiffEvent) {
	e.entry(diff).WithFields(logger.Fields{
		"expected": e.lastSeenID + 1,
		"epoch":    e.epoch,
	}).Warn("diff sequence gap, resynchronizing")

	e.book.Reset()
	e.state = Unsynced
	e.pending = nil
	e.lastSeenID = 0
	e.epoch = ""
	e.resyncs++
	e.metrics.SetSynced(false)
}

func (e *Engine) violation(diff models.DiffEvent, reason string) error {
	var snapID uint64
	if e.pending != nil {
		snapID = e.pending.LastUpdateID
	}
	err := &InvariantError{
		Symbol:        e.opts.Symbol,
		Reason:        reason,
		FirstUpdateID: diff.FirstUpdateID,
		LastUpdateID:  diff.LastUpdateID,
		SnapshotID:    snapID,
	}
	e.entry(diff).WithError(err).Error("reconciliation invariant violated")
	return err
}

func (e *Engine) entry(diff models.DiffEvent) *logger.Entry {
	return e.log.WithComponent("engine").WithFields(logger.Fields{
		"symbol":         e.opts.Symbol,
		"U":              diff.FirstUpdateID,
		"u":              diff.LastUpdateID,
		"last_update_id": e.book.LastUpdateID(),
		"state":          e.state.String(),
	})
}

func (e *Engine) publishStatus() {
	st := Status{
		Symbol:       e.opts.Symbol,
		State:        e.state.String(),
		LastSeenID:   e.lastSeenID,
		LastUpdateID: e.book.LastUpdateID(),
		Epoch:        e.epoch,
		Joins:        e.joins,
		Resyncs:      e.resyncs,
		Stale:        e.stale,
	}
	if e.pending != nil {
		st.PendingSnapshotID = e.pending.LastUpdateID
	}
	e.statusMu.Lock()
	e.status = st
	e.statusMu.Unlock()
}

// Status may be called from any goroutine.
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

// Synced reports whether the last handled diff left the book synchronized.
func (e *Engine) Synced() bool {
	return e.Status().State == Synced.String()
}

package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrSnapshotFetch wraps any failure to obtain or parse a REST snapshot.
	ErrSnapshotFetch = errors.New("snapshot fetch failed")
	// ErrSnapshotRetriesExhausted is returned when a diff kept outrunning
	// every refetched snapshot.
	ErrSnapshotRetriesExhausted = errors.New("snapshot refetch attempts exhausted")
	// ErrInvariantViolation matches every *InvariantError.
	ErrInvariantViolation = errors.New("reconciliation invariant violated")
)

// DesyncError reports a gap in the diff sequence while synchronized.
type DesyncError struct {
	Symbol        string
	Expected      uint64
	FirstUpdateID uint64
	LastUpdateID  uint64
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("%s: diff sequence gap: expected first update id %d, got %d (last %d)",
		e.Symbol, e.Expected, e.FirstUpdateID, e.LastUpdateID)
}

// InvariantError is fatal for the processing task. It signals a diff or
// book state the reconciliation rules cannot classify.
type InvariantError struct {
	Symbol        string
	Reason        string
	FirstUpdateID uint64
	LastUpdateID  uint64
	SnapshotID    uint64
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s (U=%d u=%d snapshot=%d)",
		e.Symbol, e.Reason, e.FirstUpdateID, e.LastUpdateID, e.SnapshotID)
}

func (e *InvariantError) Is(target error) bool {
	return target == ErrInvariantViolation
}

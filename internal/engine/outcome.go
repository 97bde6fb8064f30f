package engine

// Outcome classifies what Handle did with a diff.
type Outcome int

const (
	// Applied: the diff was folded into a synchronized book.
	Applied Outcome = iota
	// Joined: a snapshot was folded in and the diff applied on top of it.
	Joined
	// Stale: the diff is entirely covered by the pending snapshot.
	Stale
	// Desync: a sequence gap was found; the book was reset.
	Desync
	// FetchFailed: no snapshot could be obtained; the diff was dropped.
	FetchFailed
	// GaveUp: refetched snapshots never caught up with the diff.
	GaveUp
	// Violation: an invariant failed; the caller should stop processing.
	Violation
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Joined:
		return "joined"
	case Stale:
		return "stale"
	case Desync:
		return "desync"
	case FetchFailed:
		return "fetch_failed"
	case GaveUp:
		return "gave_up"
	case Violation:
		return "violation"
	default:
		return "unknown"
	}
}

// Recoverable reports whether processing may continue after this outcome.
func (o Outcome) Recoverable() bool {
	return o != Violation
}

package reader

import (
	"context"

	"depthsync/models"
)

// StreamSource delivers diffs to a DiffSink until stopped. Implementations
// own reconnection and never reconnect after their context is cancelled.
type StreamSource interface {
	Start(ctx context.Context) error
	Stop()
}

// DiffSink accepts parsed diffs in receive order.
type DiffSink interface {
	Send(ctx context.Context, diff models.DiffEvent) bool
}

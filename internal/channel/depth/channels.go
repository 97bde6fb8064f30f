package depth

import (
	"context"
	"sync"
	"time"

	"depthsync/internal/metrics"
	"depthsync/logger"
	"depthsync/models"
)

const (
	PolicyDrop  = "drop"
	PolicyBlock = "block"
)

type ChannelStats struct {
	Sent    int64
	Dropped int64
}

// Channels is the ordered queue between the stream reader and the
// reconciliation engine. Diffs leave in the order they were accepted.
type Channels struct {
	Diff chan models.DiffEvent

	policy       string
	blockTimeout time.Duration

	stats      ChannelStats
	statsMutex sync.RWMutex

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once

	log     *logger.Log
	metrics *metrics.Metrics
}

func NewChannels(bufferSize int, policy string, blockTimeout time.Duration, log *logger.Log, m *metrics.Metrics) *Channels {
	if policy != PolicyBlock {
		policy = PolicyDrop
	}
	c := &Channels{
		Diff:         make(chan models.DiffEvent, bufferSize),
		policy:       policy,
		blockTimeout: blockTimeout,
		log:          log,
		metrics:      m,
	}

	log.WithComponent("depth_channels").WithFields(logger.Fields{
		"diff_buffer_size": bufferSize,
		"overflow_policy":  policy,
	}).Info("depth channels initialized")

	return c
}

// Send enqueues a diff. It returns false when the diff was dropped because
// the queue is full, the context is done, or the channels are closed.
func (c *Channels) Send(ctx context.Context, diff models.DiffEvent) bool {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return false
	}

	select {
	case c.Diff <- diff:
		c.incrementSent()
		return true
	case <-ctx.Done():
		return false
	default:
	}

	if c.policy == PolicyBlock && c.blockTimeout > 0 {
		timer := time.NewTimer(c.blockTimeout)
		defer timer.Stop()
		select {
		case c.Diff <- diff:
			c.incrementSent()
			return true
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}

	c.incrementDropped()
	c.log.WithComponent("depth_channels").WithFields(logger.Fields{
		"symbol":          diff.Symbol,
		"first_update_id": diff.FirstUpdateID,
		"last_update_id":  diff.LastUpdateID,
		"queue_capacity":  cap(c.Diff),
	}).Warn("depth queue full, dropping diff")
	return false
}

// Receive exposes the consumer side of the queue.
func (c *Channels) Receive() <-chan models.DiffEvent {
	return c.Diff
}

func (c *Channels) Len() int { return len(c.Diff) }

func (c *Channels) Cap() int { return cap(c.Diff) }

func (c *Channels) incrementSent() {
	c.statsMutex.Lock()
	c.stats.Sent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementDropped() {
	c.statsMutex.Lock()
	c.stats.Dropped++
	c.statsMutex.Unlock()
	c.metrics.IncQueueDropped()
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting samples the queue length every interval until ctx is done.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.metrics.SetQueueLength(c.Len())
				stats := c.GetStats()
				c.log.WithComponent("depth_channels").WithFields(logger.Fields{
					"queue_length": c.Len(),
					"sent":         stats.Sent,
					"dropped":      stats.Dropped,
				}).Debug("depth queue stats")
			}
		}
	}()
}

// Close closes the queue once. Later sends report false.
func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closed = true
		close(c.Diff)
		c.closeMu.Unlock()
		c.log.WithComponent("depth_channels").Info("depth channels closed")
	})
}

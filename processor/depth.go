package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"depthsync/internal/engine"
	"depthsync/logger"
	"depthsync/models"
)

// DiffHandler is the reconciliation step the processor drives.
type DiffHandler interface {
	Handle(ctx context.Context, diff models.DiffEvent) (engine.Outcome, error)
}

type ProcessorStats struct {
	Handled     int64 `json:"handled"`
	Applied     int64 `json:"applied"`
	Joined      int64 `json:"joined"`
	Stale       int64 `json:"stale"`
	Desyncs     int64 `json:"desyncs"`
	FetchFailed int64 `json:"fetch_failed"`
	GaveUp      int64 `json:"gave_up"`
	IdleTicks   int64 `json:"idle_ticks"`
}

// DepthProcessor dequeues diffs one at a time and feeds them to the engine
// in arrival order. It stops on context cancellation, a closed queue, or an
// invariant violation; Done and Err report which.
type DepthProcessor struct {
	symbol      string
	diffs       <-chan models.DiffEvent
	handler     DiffHandler
	idleTimeout time.Duration
	log         *logger.Log

	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	stats   ProcessorStats

	done    chan struct{}
	errOnce sync.Once
	err     error
}

func NewDepthProcessor(symbol string, diffs <-chan models.DiffEvent, handler DiffHandler, idleTimeout time.Duration, log *logger.Log) *DepthProcessor {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Second
	}
	return &DepthProcessor{
		symbol:      symbol,
		diffs:       diffs,
		handler:     handler,
		idleTimeout: idleTimeout,
		log:         log,
		done:        make(chan struct{}),
	}
}

func (p *DepthProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("depth processor already running")
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.log.WithComponent("depth_processor").WithFields(logger.Fields{
		"symbol":       p.symbol,
		"idle_timeout": p.idleTimeout.String(),
	}).Info("starting depth processor")

	p.wg.Add(1)
	go p.worker(ctx)
	return nil
}

// Stop cancels the worker and waits for it to return.
func (p *DepthProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	p.log.WithComponent("depth_processor").Info("stopping depth processor")
	cancel()
	p.wg.Wait()
	p.log.WithComponent("depth_processor").Info("depth processor stopped")
}

// Done is closed once the worker has returned.
func (p *DepthProcessor) Done() <-chan struct{} { return p.done }

// Err returns the fatal error that ended processing, if any.
func (p *DepthProcessor) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

func (p *DepthProcessor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

func (p *DepthProcessor) worker(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.done)

	idle := time.NewTimer(p.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			p.mu.Lock()
			p.stats.IdleTicks++
			p.mu.Unlock()
			p.log.WithComponent("depth_processor").WithField("symbol", p.symbol).Debug("no diff within idle timeout")
			idle.Reset(p.idleTimeout)
		case diff, ok := <-p.diffs:
			if !ok {
				p.log.WithComponent("depth_processor").Info("diff queue closed")
				return
			}
			if !p.handle(ctx, diff) {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.idleTimeout)
		}
	}
}

// handle runs one diff through the engine and reports whether to continue.
func (p *DepthProcessor) handle(ctx context.Context, diff models.DiffEvent) bool {
	outcome, err := p.handler.Handle(ctx, diff)

	p.mu.Lock()
	p.stats.Handled++
	switch outcome {
	case engine.Applied:
		p.stats.Applied++
	case engine.Joined:
		p.stats.Joined++
	case engine.Stale:
		p.stats.Stale++
	case engine.Desync:
		p.stats.Desyncs++
	case engine.FetchFailed:
		p.stats.FetchFailed++
	case engine.GaveUp:
		p.stats.GaveUp++
	}
	p.mu.Unlock()

	log := p.log.WithComponent("depth_processor").WithFields(logger.Fields{
		"symbol":  diff.Symbol,
		"U":       diff.FirstUpdateID,
		"u":       diff.LastUpdateID,
		"outcome": outcome.String(),
	})

	switch outcome {
	case engine.Applied, engine.Joined, engine.Stale:
		return true
	case engine.Desync:
		var derr *engine.DesyncError
		if errors.As(err, &derr) {
			log = log.WithField("expected", derr.Expected)
		}
		log.WithError(err).Warn("book desynchronized, waiting for next snapshot")
		return true
	case engine.FetchFailed, engine.GaveUp:
		if ctx.Err() != nil {
			return false
		}
		log.WithError(err).Warn("diff dropped while unsynchronized")
		return true
	case engine.Violation:
		p.fail(err)
		log.WithError(err).Error("invariant violated, stopping depth processor")
		return false
	default:
		p.fail(fmt.Errorf("unhandled outcome %s: %w", outcome, err))
		return false
	}
}

func (p *DepthProcessor) fail(err error) {
	p.errOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	})
}

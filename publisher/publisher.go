package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"depthsync/internal/metrics"
	"depthsync/logger"
	"depthsync/models"
)

// Sink receives every published top-of-book while the book is synchronized.
type Sink interface {
	Name() string
	Publish(ctx context.Context, tob models.TopOfBook) error
}

// BookReader is the read-only view the publisher needs. Top must return the
// levels and the sync flag from one read.
type BookReader interface {
	Top() models.Quote
}

type PublisherStats struct {
	Published  int64 `json:"published"`
	SinkErrors int64 `json:"sink_errors"`
}

// Publisher emits the best bid and ask on a fixed period, independent of
// ingestion progress.
type Publisher struct {
	symbol  string
	period  time.Duration
	book    BookReader
	sinks   []Sink
	log     *logger.Log
	metrics *metrics.Metrics

	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	latest  models.TopOfBook
	stats   PublisherStats
}

func NewPublisher(symbol string, period time.Duration, book BookReader, log *logger.Log, m *metrics.Metrics, sinks ...Sink) *Publisher {
	if period <= 0 {
		period = 5 * time.Second
	}
	return &Publisher{
		symbol:  symbol,
		period:  period,
		book:    book,
		sinks:   sinks,
		log:     log,
		metrics: m,
	}
}

func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("publisher already running")
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	names := make([]string, 0, len(p.sinks))
	for _, s := range p.sinks {
		names = append(names, s.Name())
	}
	p.log.WithComponent("publisher").WithFields(logger.Fields{
		"symbol": p.symbol,
		"period": p.period.String(),
		"sinks":  names,
	}).Info("starting top of book publisher")

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.log.WithComponent("publisher").Info("publisher stopped")
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.PublishOnce(ctx, now)
		}
	}
}

// PublishOnce takes one top-of-book reading and fans it out.
func (p *Publisher) PublishOnce(ctx context.Context, now time.Time) models.TopOfBook {
	tob := models.NewTopOfBook(p.symbol, p.book.Top(), now.UTC())

	p.log.WithComponent("publisher").WithFields(logger.Fields{
		"symbol":         tob.Symbol,
		"ts":             tob.Timestamp.Format(time.RFC3339Nano),
		"bid_price":      tob.Bid.Price.String(),
		"bid_qty":        tob.Bid.Quantity.String(),
		"ask_price":      tob.Ask.Price.String(),
		"ask_qty":        tob.Ask.Quantity.String(),
		"last_update_id": tob.LastUpdateID,
		"synced":         tob.Synced,
	}).Info("top of book")
	p.metrics.SetTopOfBook(tob.Bid.Price, tob.Ask.Price, tob.LastUpdateID)

	var sinkErrors int64
	if tob.Synced {
		for _, s := range p.sinks {
			sctx, cancel := context.WithTimeout(ctx, p.period)
			err := s.Publish(sctx, tob)
			cancel()
			if err != nil {
				sinkErrors++
				p.log.WithComponent("publisher").WithError(err).WithField("sink", s.Name()).Warn("sink publish failed")
			}
		}
	}

	p.mu.Lock()
	p.latest = tob
	p.stats.Published++
	p.stats.SinkErrors += sinkErrors
	p.mu.Unlock()
	return tob
}

// Latest returns the most recent reading, zero before the first tick.
func (p *Publisher) Latest() models.TopOfBook {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

func (p *Publisher) GetStats() PublisherStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

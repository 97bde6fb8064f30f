package binance

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	appconfig "depthsync/config"
	"depthsync/internal/metrics"
	"depthsync/logger"
	"depthsync/models"
)

// SnapshotFetcher pulls REST depth snapshots from the Binance spot API.
type SnapshotFetcher struct {
	cfg     appconfig.BinanceSnapshotConfig
	client  *gobinance.Client
	limiter *rate.Limiter
	log     *logger.Log

	mu       sync.RWMutex
	fetches  int64
	failures int64
}

func NewSnapshotFetcher(cfg appconfig.BinanceSourceConfig, log *logger.Log, m *metrics.Metrics) *SnapshotFetcher {
	pool := cfg.ConnectionPool
	transport := &http.Transport{
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
	}

	client := gobinance.NewClient("", "")
	client.BaseURL = strings.TrimRight(cfg.Snapshot.URL, "/")
	client.HTTPClient = &http.Client{
		Transport: &metrics.UsedWeightTransport{Base: transport, Metrics: m},
		Timeout:   cfg.Snapshot.Timeout,
	}

	limit := rate.Inf
	if cfg.Snapshot.MinInterval > 0 {
		limit = rate.Every(cfg.Snapshot.MinInterval)
	}

	log.WithComponent("binance_snapshot").WithFields(logger.Fields{
		"url":                client.BaseURL,
		"limit":              cfg.Snapshot.Limit,
		"max_idle_conns":     pool.MaxIdleConns,
		"max_conns_per_host": pool.MaxConnsPerHost,
		"min_interval":       cfg.Snapshot.MinInterval.String(),
	}).Info("binance snapshot fetcher initialized")

	return &SnapshotFetcher{
		cfg:     cfg.Snapshot,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
	}
}

// Fetch requests one snapshot. Transport, API and validation failures are
// all returned as errors; nothing is retried here.
func (f *SnapshotFetcher) Fetch(ctx context.Context, symbol string) (*models.SnapshotState, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("snapshot pacing: %w", err)
	}

	log := f.log.WithComponent("binance_snapshot").WithFields(logger.Fields{
		"symbol":    symbol,
		"operation": "fetch_snapshot",
	})

	start := time.Now()
	resp, err := f.client.NewDepthService().Symbol(symbol).Limit(f.cfg.Limit).Do(ctx)
	f.mu.Lock()
	f.fetches++
	if err != nil {
		f.failures++
	}
	f.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("depth request: %w", err)
	}
	logger.LogPerformanceEntry(log, "binance_snapshot", "api_request", time.Since(start), logger.Fields{
		"symbol": symbol,
	})

	raw := models.BinanceSnapshotResp{
		LastUpdateID: resp.LastUpdateID,
		Bids:         make([][]string, 0, len(resp.Bids)),
		Asks:         make([][]string, 0, len(resp.Asks)),
	}
	for _, b := range resp.Bids {
		raw.Bids = append(raw.Bids, []string{b.Price, b.Quantity})
	}
	for _, a := range resp.Asks {
		raw.Asks = append(raw.Asks, []string{a.Price, a.Quantity})
	}

	snap, err := models.ParseSnapshot(symbol, raw, time.Now().UTC())
	if err != nil {
		f.mu.Lock()
		f.failures++
		f.mu.Unlock()
		return nil, fmt.Errorf("snapshot payload: %w", err)
	}

	log.WithFields(logger.Fields{
		"snapshot_id": snap.LastUpdateID,
		"bids":        len(snap.Bids),
		"asks":        len(snap.Asks),
	}).Info("snapshot fetched")
	return snap, nil
}

// Stats returns the number of requests made and how many failed.
func (f *SnapshotFetcher) Stats() (fetches, failures int64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fetches, f.failures
}

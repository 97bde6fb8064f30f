package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "depthsync/config"
	"depthsync/internal/metrics"
	"depthsync/logger"
	"depthsync/models"
	"depthsync/reader"
)

type StreamStats struct {
	Received   int64 `json:"received"`
	Forwarded  int64 `json:"forwarded"`
	Malformed  int64 `json:"malformed"`
	Reconnects int64 `json:"reconnects"`
}

// DepthStreamReader subscribes to the Binance spot diff depth stream for a
// single symbol and forwards parsed diffs to a sink.
type DepthStreamReader struct {
	cfg     appconfig.BinanceStreamConfig
	symbol  string
	sink    reader.DiffSink
	dialer  *websocket.Dialer
	log     *logger.Log
	metrics *metrics.Metrics

	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	stats   StreamStats
}

func NewDepthStreamReader(cfg appconfig.BinanceStreamConfig, symbol string, sink reader.DiffSink, log *logger.Log, m *metrics.Metrics) *DepthStreamReader {
	return &DepthStreamReader{
		cfg:    cfg,
		symbol: strings.ToUpper(symbol),
		sink:   sink,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: 10 * time.Second,
		},
		log:     log,
		metrics: m,
	}
}

// StreamURL returns <base>/<symbol>@depth, with the update speed suffix when set.
func (r *DepthStreamReader) StreamURL() string {
	stream := strings.ToLower(r.symbol) + "@depth"
	if r.cfg.UpdateSpeed == 100*time.Millisecond {
		stream += "@100ms"
	}
	return strings.TrimRight(r.cfg.URL, "/") + "/" + stream
}

func (r *DepthStreamReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("depth stream reader already running")
	}
	r.running = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.log.WithComponent("binance_depth_stream").WithFields(logger.Fields{
		"symbol": r.symbol,
		"url":    r.StreamURL(),
	}).Info("starting depth stream reader")

	r.wg.Add(1)
	go r.run(ctx)
	return nil
}

// Stop cancels the subscription and waits for the connection to close.
func (r *DepthStreamReader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	r.log.WithComponent("binance_depth_stream").Info("stopping depth stream reader")
	cancel()
	r.wg.Wait()
	r.log.WithComponent("binance_depth_stream").Info("depth stream reader stopped")
}

func (r *DepthStreamReader) GetStats() StreamStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func (r *DepthStreamReader) run(ctx context.Context) {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_depth_stream").WithField("symbol", r.symbol)
	for {
		err := r.session(ctx)
		if ctx.Err() != nil {
			return
		}

		r.mu.Lock()
		r.stats.Reconnects++
		r.mu.Unlock()
		log.WithError(err).WithField("reconnect_delay", r.cfg.ReconnectDelay.String()).Warn("depth stream interrupted, reconnecting")

		timer := time.NewTimer(r.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one websocket connection until it fails or ctx is cancelled.
func (r *DepthStreamReader) session(ctx context.Context) error {
	conn, _, err := r.dialer.DialContext(ctx, r.StreamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	log := r.log.WithComponent("binance_depth_stream").WithField("symbol", r.symbol)
	log.Info("depth stream connected")

	readTimeout := r.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	stop := make(chan struct{})
	defer close(stop)
	go r.keepalive(ctx, conn, stop)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("no frame within %s: %w", readTimeout, err)
			}
			return err
		}
		r.mu.Lock()
		r.stats.Received++
		r.mu.Unlock()

		diff, err := models.ParseDepthEvent(data, time.Now())
		if err != nil {
			r.mu.Lock()
			r.stats.Malformed++
			r.mu.Unlock()
			r.metrics.IncMalformed("stream")
			log.WithError(err).Warn("discarding malformed depth frame")
			continue
		}
		if diff.Symbol != r.symbol {
			log.WithField("frame_symbol", diff.Symbol).Warn("discarding depth frame for another symbol")
			continue
		}

		if r.sink.Send(ctx, diff) {
			r.mu.Lock()
			r.stats.Forwarded++
			r.mu.Unlock()
		}
	}
}

// keepalive pings the server and closes the connection once ctx is done so
// the blocked read returns.
func (r *DepthStreamReader) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	var tick <-chan time.Time
	if r.cfg.PingInterval > 0 {
		ticker := time.NewTicker(r.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
			return
		case <-tick:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				r.log.WithComponent("binance_depth_stream").WithError(err).Debug("ping failed")
			}
		}
	}
}

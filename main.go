package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"depthsync/config"
	"depthsync/internal/api"
	"depthsync/internal/channel/depth"
	"depthsync/internal/engine"
	"depthsync/internal/metrics"
	"depthsync/internal/orderbook"
	"depthsync/logger"
	"depthsync/processor"
	"depthsync/publisher"
	"depthsync/reader/binance"
)

func main() {
	log := logger.New()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	path := config.ResolvePath(*configPath, "config/config.yml")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Depthsync.Name,
		"version":     cfg.Depthsync.Version,
		"symbol":      cfg.Depthsync.Symbol,
		"environment": config.AppEnvironment(),
	}).Info("starting depthsync")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	book := orderbook.New()

	channels := depth.NewChannels(cfg.Channels.DiffBuffer, cfg.Channels.OverflowPolicy, cfg.Channels.BlockTimeout, log, m)
	channels.StartMetricsReporting(ctx, cfg.Channels.MetricsInterval)

	fetcher := binance.NewSnapshotFetcher(cfg.Source.Binance, log, m)
	eng := engine.New(engine.Options{
		Symbol:             cfg.Depthsync.Symbol,
		MaxSnapshotRetries: cfg.Engine.MaxSnapshotRetries,
		SnapshotTimeout:    cfg.Engine.SnapshotTimeout,
	}, book, fetcher, log, m)

	stream := binance.NewDepthStreamReader(cfg.Source.Binance.Stream, cfg.Depthsync.Symbol, channels, log, m)
	depthProcessor := processor.NewDepthProcessor(cfg.Depthsync.Symbol, channels.Receive(), eng, cfg.Processor.IdleTimeout, log)

	sinks := buildSinks(ctx, cfg, log)
	pub := publisher.NewPublisher(cfg.Depthsync.Symbol, cfg.Publisher.Period, book, log, m, sinks...)

	status := func() interface{} {
		fetches, failures := fetcher.Stats()
		return map[string]interface{}{
			"engine":    eng.Status(),
			"queue":     channels.GetStats(),
			"queue_len": channels.Len(),
			"queue_cap": channels.Cap(),
			"processor": depthProcessor.GetStats(),
			"stream":    stream.GetStats(),
			"publisher": pub.GetStats(),
			"snapshots": map[string]int64{"fetches": fetches, "failures": failures},
		}
	}

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval, func() logger.Fields {
			st := eng.Status()
			qs := channels.GetStats()
			return logger.Fields{
				"symbol":         st.Symbol,
				"state":          st.State,
				"last_update_id": st.LastUpdateID,
				"resyncs":        st.Resyncs,
				"queue_len":      channels.Len(),
				"queue_dropped":  qs.Dropped,
			}
		})
	}

	apiServer := api.NewServer(cfg.API, api.Deps{
		Symbol:  cfg.Depthsync.Symbol,
		Book:    book,
		Status:  status,
		Metrics: m.Handler(),
	}, log)

	var wg sync.WaitGroup
	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Run(ctx); err != nil {
				log.WithError(err).Error("api server failed")
			}
		}()
	}

	if err := depthProcessor.Start(ctx); err != nil {
		log.WithError(err).Error("depth processor failed to start")
		os.Exit(1)
	}
	if err := pub.Start(ctx); err != nil {
		log.WithError(err).Error("publisher failed to start")
		os.Exit(1)
	}
	if err := stream.Start(ctx); err != nil {
		log.WithError(err).Error("depth stream failed to start")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-depthProcessor.Done():
		if err := depthProcessor.Err(); err != nil {
			log.WithError(err).Error("depth processor terminated")
			exitCode = 1
		}
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping depth stream")
		stream.Stop()
		log.Info("stopping depth processor")
		depthProcessor.Stop()
		channels.Close()
		log.Info("stopping publisher")
		pub.Stop()
		for _, s := range sinks {
			if c, ok := s.(interface{ Close() error }); ok {
				if err := c.Close(); err != nil {
					log.WithError(err).WithField("sink", s.Name()).Warn("failed to close sink")
				}
			}
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("depthsync stopped")
	os.Exit(exitCode)
}

func buildSinks(ctx context.Context, cfg *config.Config, log *logger.Log) []publisher.Sink {
	var sinks []publisher.Sink
	if cfg.Publisher.Kafka.Enabled {
		k, err := publisher.NewKafkaSink(cfg.Publisher.Kafka, log)
		if err != nil {
			log.WithError(err).Warn("kafka sink disabled")
		} else {
			sinks = append(sinks, k)
		}
	}
	if cfg.Publisher.CloudWatch.Enabled {
		cw, err := publisher.NewCloudWatchSink(ctx, cfg.Publisher.CloudWatch, log)
		if err != nil {
			log.WithError(err).Warn("cloudwatch sink disabled")
		} else {
			sinks = append(sinks, cw)
		}
	}
	return sinks
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketflow/config"
	"marketflow/controller"
	"marketflow/logger"
	"marketflow/models"
	"marketflow/replay"
	"marketflow/storage"
	"marketflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	replayPath := flag.String("replay", "", "Replay a recording file instead of live ingestion")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Marketflow.Name,
		"version": cfg.Marketflow.Version,
	}).Info("starting marketflow")

	if cfg.Logging.CloudWatchNamespace != "" {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Logging.CloudWatchNamespace)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if *replayPath != "" {
		runReplay(ctx, cfg, *replayPath)
		return
	}

	var buffer *storage.Buffer
	if cfg.Storage.Buffer.Enabled {
		if !cfg.Storage.S3.Enabled {
			log.WithComponent("main").Error("storage buffer enabled but no S3 sink configured")
			os.Exit(1)
		}
		s3Writer, err := writer.NewS3Writer(ctx, cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create S3 writer")
			os.Exit(1)
		}
		buffer = storage.NewBuffer(s3Writer, cfg.Storage.Buffer.BatchSize, cfg.Storage.Buffer.FlushInterval)
	} else {
		log.WithComponent("main").Info("storage buffer disabled; records are dispatched only")
	}

	ctrl := controller.New(cfg.Providers, loggingHandlers(log), controller.Options{Buffer: buffer})

	if err := ctrl.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start controller")
		os.Exit(1)
	}
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		ctrl.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketflow stopped")
}

// loggingHandlers is the default handler table: every event kind is logged,
// errors and status transitions at elevated levels.
func loggingHandlers(log *logger.Log) controller.Handlers {
	return controller.Handlers{
		OnTrade: func(t models.Trade) {
			log.WithComponent("handler").WithFields(logger.Fields{
				"provider": t.Provider,
				"symbol":   t.Symbol,
				"price":    t.Price,
				"quantity": t.Quantity,
				"side":     t.Side,
			}).Debug("trade")
		},
		OnCandle: func(c models.Candle) {
			log.WithComponent("handler").WithFields(logger.Fields{
				"provider": c.Provider,
				"symbol":   c.Symbol,
				"interval": c.Interval,
				"close":    c.Close,
				"closed":   c.IsClosed,
			}).Debug("candle")
		},
		OnTick: func(t models.Tick) {
			log.WithComponent("handler").WithFields(logger.Fields{
				"provider": t.Provider,
				"symbol":   t.Symbol,
				"bid":      t.BidPrice,
				"ask":      t.AskPrice,
			}).Debug("tick")
		},
		OnOrderBookSnapshot: func(s models.OrderBookSnapshot) {
			log.WithComponent("handler").WithFields(logger.Fields{
				"provider": s.Provider,
				"symbol":   s.Symbol,
				"bids":     len(s.Bids),
				"asks":     len(s.Asks),
			}).Debug("orderbook snapshot")
		},
		OnOrderBookDelta: func(d models.OrderBookDelta) {
			log.WithComponent("handler").WithFields(logger.Fields{
				"provider": d.Provider,
				"symbol":   d.Symbol,
				"first_id": d.FirstUpdateID,
				"final_id": d.FinalUpdateID,
			}).Debug("orderbook delta")
		},
		OnError: func(provider string, err error) {
			log.WithComponent("handler").WithError(err).WithFields(logger.Fields{
				"provider": provider,
			}).Warn("provider error")
		},
		OnStatusChange: func(provider string, status models.ProviderStatus) {
			log.WithComponent("handler").WithFields(logger.Fields{
				"provider": provider,
				"status":   status,
			}).Info("provider status changed")
		},
	}
}

// runReplay plays a recording through the logging handlers using the replay
// settings from config.
func runReplay(ctx context.Context, cfg *config.Config, path string) {
	log := logger.GetLogger()

	handlers := replay.Handlers{
		OnTrade: func(t models.Trade) {
			log.WithComponent("replay").WithFields(logger.Fields{
				"symbol": t.Symbol,
				"price":  t.Price,
			}).Debug("trade")
		},
		OnCandle: func(c models.Candle) {
			log.WithComponent("replay").WithFields(logger.Fields{
				"symbol": c.Symbol,
				"close":  c.Close,
			}).Debug("candle")
		},
		OnTick: func(t models.Tick) {
			log.WithComponent("replay").WithFields(logger.Fields{
				"symbol": t.Symbol,
			}).Debug("tick")
		},
		OnOrderBookSnapshot: func(s models.OrderBookSnapshot) {
			log.WithComponent("replay").WithFields(logger.Fields{
				"symbol": s.Symbol,
			}).Debug("orderbook snapshot")
		},
		OnOrderBookDelta: func(d models.OrderBookDelta) {
			log.WithComponent("replay").WithFields(logger.Fields{
				"symbol": d.Symbol,
			}).Debug("orderbook delta")
		},
	}

	stats, err := replay.ReplayFromFile(ctx, path, handlers, replay.Options{
		SpeedMultiplier: cfg.Replay.SpeedMultiplier,
		StartTimeMs:     cfg.Replay.StartTimeMs,
		EndTimeMs:       cfg.Replay.EndTimeMs,
	})
	if err != nil {
		log.WithError(err).Error("replay failed")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"trades":    stats.Trades,
		"candles":   stats.Candles,
		"ticks":     stats.Ticks,
		"snapshots": stats.Snapshots,
		"deltas":    stats.Deltas,
		"skipped":   stats.Skipped,
		"total":     stats.Total,
	}).Info("replay completed")
}

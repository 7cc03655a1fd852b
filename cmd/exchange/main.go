package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/uhyunpark/exchange/params"
	"github.com/uhyunpark/exchange/pkg/api"
	"github.com/uhyunpark/exchange/pkg/app/core/engine"
	"github.com/uhyunpark/exchange/pkg/app/core/events"
	"github.com/uhyunpark/exchange/pkg/app/core/instrument"
	"github.com/uhyunpark/exchange/pkg/app/core/orderbook"
	"github.com/uhyunpark/exchange/pkg/auth"
	"github.com/uhyunpark/exchange/pkg/broker"
	"github.com/uhyunpark/exchange/pkg/metrics"
	"github.com/uhyunpark/exchange/pkg/storage"
	"github.com/uhyunpark/exchange/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		sugar.Errorw("exchange_failed", "err", err)
		logger.Sync()
		os.Exit(1)
	}
	sugar.Info("exchange_stopped")
}

func run(ctx context.Context, cfg params.Config, logger *zap.Logger) error {
	sugar := logger.Sugar()

	// ---- Instruments ----
	registry := instrument.NewRegistry()
	if cfg.Engine.InstrumentsFile != "" {
		err := registry.Load(cfg.Engine.InstrumentsFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			sugar.Warnw("instruments_file_missing", "path", cfg.Engine.InstrumentsFile)
		case err != nil:
			return err
		}
	}
	sugar.Infow("instruments_loaded", "count", registry.Count())

	selfTrade, err := orderbook.ParseSelfTradePolicy(cfg.Engine.SelfTrade)
	if err != nil {
		return err
	}
	marketPolicy, err := orderbook.ParseMarketPolicy(cfg.Engine.MarketLiquidity)
	if err != nil {
		return err
	}

	// ---- Event sinks ----
	// The engine publishes to every sink in order; closing happens in
	// reverse so the engine drains before its sinks go away.
	var sinks events.MultiSink
	var store *storage.PebbleStore

	if cfg.Storage.DataDir != "" {
		store, err = storage.NewPebbleStore(cfg.Storage.DataDir, storage.Options{Sync: cfg.Storage.Sync, Logger: logger})
		if err != nil {
			return err
		}
		defer store.Close()
		if err := registry.Attach(store); err != nil {
			return err
		}
		sinks = append(sinks, store)
		sugar.Infow("storage_opened", "dir", cfg.Storage.DataDir, "sync", cfg.Storage.Sync, "instruments", registry.Count())
	}

	if len(cfg.Kafka.Brokers) > 0 {
		ks := broker.NewKafkaSink(broker.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), cfg.Kafka.Buffer, logger)
		defer func() {
			if err := ks.Close(); err != nil {
				sugar.Warnw("kafka_close_failed", "err", err)
			}
			sugar.Infow("kafka_sink_closed", "dropped", ks.Dropped(), "failed", ks.Failed())
		}()
		sinks = append(sinks, ks)
		sugar.Infow("kafka_sink_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	collector := metrics.NewCollector()
	hub := api.NewHub(cfg.API.DefaultDepth, 0, logger)
	sinks = append(sinks, collector, hub)

	// ---- Engine ----
	engineCfg := engine.Config{
		SelfTrade:       selfTrade,
		MarketLiquidity: marketPolicy,
		MailboxSize:     cfg.Engine.MailboxSize,
		RetainTerminal:  cfg.Engine.RetainTerminal,
		Clock:           util.RealClock{},
	}
	var history api.History
	if store != nil {
		engineCfg.History = store
		history = store
	}
	eng := engine.New(engineCfg, registry, sinks, logger)
	defer eng.Close()

	if store != nil {
		if err := restore(ctx, eng, registry, store, sugar); err != nil {
			return err
		}
	}

	// ---- Identity ----
	directory := auth.NewDirectory()
	if cfg.API.KeysFile != "" {
		if err := directory.LoadFile(cfg.API.KeysFile); err != nil {
			return err
		}
	}
	if store != nil {
		if err := directory.Attach(store); err != nil {
			return err
		}
	}

	// ---- API Server ----
	srv := api.NewServer(api.Config{
		Engine:         eng,
		Registry:       registry,
		Auth:           directory,
		Hub:            hub,
		History:        history,
		Metrics:        collector,
		DefaultDepth:   cfg.API.DefaultDepth,
		AllowedOrigins: cfg.API.AllowedOrigins,
		Logger:         logger,
	})
	sugar.Infow("exchange_starting",
		"addr", cfg.API.Addr,
		"self_trade_policy", selfTrade.String(),
		"market_liquidity_policy", marketPolicy.String())
	return srv.Start(ctx, cfg.API.Addr)
}

// restore rebuilds every listed instrument's book from persisted state.
// Resting orders of an instrument no longer in the catalog are reported and
// left in storage.
func restore(ctx context.Context, eng *engine.Engine, registry *instrument.Registry, store *storage.PebbleStore, sugar *zap.SugaredLogger) error {
	booked, err := store.BookSymbols()
	if err != nil {
		return fmt.Errorf("list persisted books: %w", err)
	}
	for _, symbol := range booked {
		if _, ok := registry.Instrument(symbol); ok {
			continue
		}
		open, err := store.LoadOpenOrders(symbol)
		if err != nil {
			return fmt.Errorf("load %s: %w", symbol, err)
		}
		if len(open) > 0 {
			sugar.Warnw("persisted_book_without_instrument", "instrument", symbol, "orders", len(open))
		}
	}

	for _, in := range registry.List() {
		snap, err := store.LoadSnapshot(in.Symbol)
		if err != nil {
			return fmt.Errorf("load %s: %w", in.Symbol, err)
		}
		if len(snap.Orders) == 0 && snap.Sequence == 0 && snap.TradeSequence == 0 {
			continue
		}
		if err := eng.Restore(ctx, in.Symbol, snap); err != nil {
			return fmt.Errorf("restore %s: %w", in.Symbol, err)
		}
		sugar.Infow("instrument_restored", "instrument", in.Symbol, "orders", len(snap.Orders), "trade_sequence", snap.TradeSequence)
	}
	return nil
}

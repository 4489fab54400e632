package cli

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/memvault/internal/billing"
	"github.com/lazypower/memvault/internal/config"
	"github.com/lazypower/memvault/internal/crypto"
	"github.com/lazypower/memvault/internal/engine"
	"github.com/lazypower/memvault/internal/index"
	"github.com/lazypower/memvault/internal/logging"
	"github.com/lazypower/memvault/internal/metrics"
	"github.com/lazypower/memvault/internal/server"
	"github.com/lazypower/memvault/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	keys, err := keySource(cfg.Crypto, logger)
	if err != nil {
		return err
	}
	defer keys.Close()

	collector := metrics.NewCollector("memvault", logger)

	semantic := index.DefaultSemanticConfig()
	semantic.FlatLimit = cfg.Limits.FlatSearchLimit
	eng := engine.New(db, keys, engine.Options{
		Pricing: cfg.MeterPricing(),
		Limits: engine.Limits{
			MaxRecords:          cfg.Limits.MaxRecords,
			MaxPayloadBytes:     cfg.Limits.MaxPayloadBytes,
			MaxTags:             cfg.Limits.MaxTags,
			MaxTagLength:        cfg.Limits.MaxTagLength,
			EmbeddingDimensions: cfg.Limits.EmbeddingDimensions,
			MaxTopK:             cfg.Limits.MaxTopK,
		},
		Semantic: semantic,
		Logger:   logger,
		Observer: collector,
	})

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 5*time.Minute)
	err = eng.Load(loadCtx)
	cancelLoad()
	if err != nil {
		return fmt.Errorf("load engine: %w", err)
	}

	reaper := engine.NewReaper(eng, cfg.Reaper.Interval, cfg.Reaper.Concurrency)
	reaper.Start()
	defer reaper.Stop()

	if cfg.Billing.Enabled {
		relay, closeSink, err := billingRelay(cfg.Billing, db, collector, logger)
		if err != nil {
			return err
		}
		defer closeSink()
		relay.Start()
		defer relay.Stop()
	}

	srv := server.New(db, eng, server.Options{
		Version: VersionString(),
		Reaper:  reaper,
		Metrics: collector,
		Logger:  logger,
	})
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("memvault serving",
			zap.String("addr", addr),
			zap.String("db", dbPath),
			zap.Int64("live_records", eng.LiveRecords()),
			zap.String("version", VersionString()),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-done:
		logger.Info("shutting down")
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

// keySource builds the per-agent key source. Without a configured master key
// an ephemeral one is generated, and data stored under it is unreadable after
// a restart.
func keySource(cfg config.CryptoConfig, logger *zap.Logger) (*crypto.CachedKeySource, error) {
	var master []byte
	var err error
	if cfg.MasterKey != "" {
		master, err = crypto.ParseMasterKey(cfg.MasterKey)
	} else {
		logger.Warn("no master key configured, using an ephemeral key; set MEMVAULT_MASTER_KEY (see `memvault keygen`)")
		master, err = crypto.GenerateMasterKey()
	}
	if err != nil {
		return nil, err
	}
	derived, err := crypto.NewDerivedKeySource(master)
	if err != nil {
		return nil, err
	}
	return crypto.NewCachedKeySource(derived, cfg.KeyCacheSize)
}

// billingRelay connects the configured sink. An empty redis_addr logs
// events instead of streaming them.
func billingRelay(cfg config.BillingConfig, db *store.DB, collector *metrics.Collector, logger *zap.Logger) (*billing.Relay, func(), error) {
	var sink billing.Sink
	closeSink := func() {}

	if cfg.RedisAddr == "" {
		logger.Warn("billing redis_addr not set, logging usage events")
		sink = billing.NewLogSink(logger)
	} else {
		client, err := billing.DialRedis(context.Background(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("billing: %w", err)
		}
		rs := billing.NewRedisSink(client, cfg.Stream)
		sink = rs
		closeSink = func() { rs.Close() }
		logger.Info("billing relay enabled", zap.String("addr", cfg.RedisAddr), zap.String("stream", cfg.Stream))
	}

	relay := billing.NewRelay(db, sink, billing.RelayOptions{
		Interval: cfg.Interval,
		Batch:    cfg.Batch,
		Logger:   logger,
		Observer: collector,
	})
	return relay, closeSink, nil
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a master key for MEMVAULT_MASTER_KEY",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateMasterKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
		return nil
	},
}

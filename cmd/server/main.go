package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tagwatch/pkg/collector"
	"tagwatch/pkg/config"
	"tagwatch/pkg/log"
	"tagwatch/pkg/provider"
	"tagwatch/pkg/reconcile"
	"tagwatch/pkg/rules"
	"tagwatch/pkg/server"
	"tagwatch/pkg/store"
	"tagwatch/pkg/store/badgerstore"
	"tagwatch/pkg/store/memory"
)

const gcInterval = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := log.New(cfg.LogLevel, cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Infow("starting tagwatch", "addr", cfg.Addr, "in_memory", cfg.InMemory)

	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatalw("opening store failed", "error", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rm := rules.NewManager(ctx, st, logger)

	var prov provider.Provider
	if cfg.ProviderURL == "" {
		logger.Warn("no provider URL configured, using the built-in mock provider")
		prov = provider.NewMock()
	} else {
		prov = provider.NewClient(provider.ClientConfig{
			URL:        cfg.ProviderURL,
			Token:      cfg.ProviderToken,
			Schema:     cfg.ProviderSchema,
			DatabaseID: cfg.ProviderDB,
			Interval:   config.ProviderInterval,
		}, logger)
	}

	orch := reconcile.New(st, prov, cfg.FetchWorkers, logger)

	coll := collector.New(collector.Config{
		Enabled:      cfg.CollectionEnabled,
		RunAt:        cfg.CollectionTime,
		LookbackDays: cfg.LookbackDays,
		Workers:      cfg.CollectorWorkers,
		SeatIDs:      cfg.KnownSeatIDs,
		PublisherIDs: cfg.KnownPublisherIDs,
	}, st, orch, logger)
	coll.Start(ctx)

	if bs, ok := st.(*badgerstore.Store); ok {
		go runBadgerGC(ctx, bs, logger)
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      server.New(st, orch, rm, coll, logger).Routes(),
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	go func() {
		logger.Infow("http server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("http server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("server shutdown incomplete", "error", err)
	}
	logger.Info("tagwatch exited cleanly")
}

func openStore(cfg *config.Config, logger *zap.SugaredLogger) (store.Store, error) {
	if cfg.InMemory {
		logger.Info("using in-memory store")
		return memory.New(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	logger.Infow("opening badger store", "dir", cfg.DataDir)
	return badgerstore.New(badgerstore.Config{Path: cfg.DataDir})
}

// runBadgerGC reclaims value-log space periodically. Badger's LSM design
// leaves deleted data behind until GC rewrites the log files.
func runBadgerGC(ctx context.Context, bs *badgerstore.Store, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := bs.RunGC(0.5); err != nil {
				// Badger reports an error when there was nothing to collect.
				logger.Debugw("gc pass made no progress", "duration", time.Since(start).Round(time.Millisecond).String())
				continue
			}
			logger.Infow("gc pass reclaimed space", "duration", time.Since(start).Round(time.Millisecond).String())
		}
	}
}

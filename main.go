package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"adsmetrics-proxy/internal/cache"
	"adsmetrics-proxy/internal/config"
	"adsmetrics-proxy/internal/freshness"
	"adsmetrics-proxy/internal/refreshlock"
	"adsmetrics-proxy/internal/server"
	"adsmetrics-proxy/internal/store"
	"adsmetrics-proxy/internal/store/badgerstore"
	"adsmetrics-proxy/internal/store/memory"
	"adsmetrics-proxy/internal/store/postgres"
	"adsmetrics-proxy/internal/store/sqlite"
	"adsmetrics-proxy/internal/store/valkeystore"
	"adsmetrics-proxy/internal/telemetry"
	"adsmetrics-proxy/internal/upstream"
)

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverBadger:
		return badgerstore.Open(cfg.Path, logger)
	case config.DriverValkey:
		return valkeystore.Open(ctx, valkeystore.Options{
			Address:  cfg.Valkey.Address,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			Prefix:   cfg.Valkey.Prefix,
		})
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.DSN)
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.Path)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// listenAddress joins addr and port, bracketing IPv6 addresses.
func listenAddress(addr string, port int) string {
	addr = strings.Trim(addr, "[]")
	if strings.Contains(addr, ":") {
		return fmt.Sprintf("[%s]:%d", addr, port)
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	settings, err := cfg.Cache.Settings()
	if err != nil {
		return err
	}
	upstreamTimeout, err := cfg.Upstream.TimeoutDuration()
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	defer st.Close()
	logger.Info("store ready", zap.String("driver", cfg.Store.Driver))

	fetcher, err := upstream.NewHTTPClient(upstream.HTTPOptions{
		BaseURL:           cfg.Upstream.BaseURL,
		APIKey:            cfg.Upstream.APIKey,
		Timeout:           upstreamTimeout,
		RequestsPerSecond: cfg.Upstream.RequestsPerSecond,
		Burst:             cfg.Upstream.Burst,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	locks := refreshlock.New(clock)
	metrics := telemetry.NewPrometheus()
	coordinator, err := cache.New(st, fetcher, locks, cache.Options{
		Policy: freshness.Policy{
			Fresh:        settings.Fresh,
			Stale:        settings.Stale,
			PartialStale: settings.PartialStale,
		},
		Clock:           clock,
		Logger:          logger,
		Recorder:        metrics,
		UpstreamTimeout: upstreamTimeout,
		DefaultBackoff:  settings.DefaultBackoff,
		QuotaBackoff:    settings.QuotaBackoff,
		PollInitial:     settings.PollInitial,
		PollMax:         settings.PollMax,
		PollBudget:      settings.PollBudget,
		Workers:         settings.RefreshWorkers,
		QueueSize:       settings.RefreshQueue,
	})
	if err != nil {
		return err
	}
	defer coordinator.Close()

	handler := server.New(coordinator, st, locks, server.Options{
		AuthKey: cfg.Server.AuthKey,
		Metrics: metrics.Handler(),
		Logger:  logger,
	}).Handler()

	// Default to listening on all interfaces if no listen addresses specified
	listenAddrs := cfg.Server.Listen
	if len(listenAddrs) == 0 {
		listenAddrs = []string{"0.0.0.0"}
	}

	logger.Info("starting adsmetrics proxy",
		zap.Int("port", cfg.Server.Port),
		zap.Strings("listen", listenAddrs),
		zap.Duration("fresh", settings.Fresh),
		zap.Duration("stale", settings.Stale),
		zap.Bool("admin_enabled", cfg.Server.AuthKey != ""),
	)

	errChan := make(chan error, len(listenAddrs))
	servers := make([]*http.Server, 0, len(listenAddrs))
	for _, addr := range listenAddrs {
		srv := &http.Server{
			Addr:              listenAddress(addr, cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)

		go func() {
			logger.Info("listener started", zap.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("listener %s failed: %w", srv.Addr, err)
			}
		}()
	}

	select {
	case err = <-errChan:
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, srv := range servers {
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("listener shutdown failed", zap.String("address", srv.Addr), zap.Error(shutdownErr))
		}
	}
	return err
}

func main() {
	configFile := config.DefaultPath
	if len(os.Args) > 1 {
		// Command line argument takes precedence
		configFile = os.Args[1]
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config %s: %v\n", configFile, err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("configuration loaded", zap.String("path", configFile))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
}

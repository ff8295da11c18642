package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notepool/audit"
	"notepool/config"
	"notepool/observability/logging"
	"notepool/pool"
	"notepool/service"
	"notepool/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "poold: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "./poold.yaml", "Path to the daemon configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(cfg.Environment)
	logger := logging.SetupWithFile("poold", env, cfg.LogFile)

	poolID, poolCfg, seniorRate, err := config.LoadPool(cfg.PoolFile)
	if err != nil {
		return fmt.Errorf("load pool definition: %w", err)
	}
	scores, err := config.LoadRiskScores(cfg.RiskScoreFile)
	if err != nil {
		return fmt.Errorf("load risk scores: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "snapshots"))
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer db.Close()
	store := storage.NewSnapshotStore(db)
	persisted, err := store.Pools()
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	logger.Info("snapshot store ready", "persisted_pools", len(persisted))

	trail, err := audit.Open(cfg.AuditDSN, logger)
	if err != nil {
		return fmt.Errorf("open audit trail: %w", err)
	}

	engine, err := pool.New(poolID, poolCfg, pool.NewMemoryTokenLedger())
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	engine.SetLogger(logger)
	engine.SetEventSink(trail)
	if err := engine.RegisterRiskScores(scores); err != nil {
		return fmt.Errorf("register risk scores: %w", err)
	}
	auth, err := service.NewAuthenticator(cfg.API.BearerToken, logger)
	if err != nil {
		return fmt.Errorf("configure authentication: %w", err)
	}
	limiter := service.NewRateLimiter(cfg.API.RateLimit, cfg.API.RateBurst)
	api := service.New(engine, service.Options{
		Auth:    auth,
		Limiter: limiter,
		Store:   store,
		Logger:  logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Periodic valuation keeps persisted snapshots and gauges fresh even when
	// no cash is moving.
	go func() {
		ticker := time.NewTicker(cfg.SnapshotInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-stopCtx.Done():
				return
			case <-ticker.C:
				snapshot := engine.Snapshot()
				if _, err := store.Save(poolID, snapshot); err != nil {
					logger.Warn("periodic snapshot failed", "pool", poolID, "error", err)
				}
			}
		}
	}()

	errs := make(chan error, 1)
	go func() {
		logger.Info("poold listening", "address", cfg.ListenAddress, "pool", poolID, "senior_rate", seniorRate.String())
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

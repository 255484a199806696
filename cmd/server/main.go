package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nulzo/provider-gateway/internal/analytics"
	"github.com/nulzo/provider-gateway/internal/config"
	"github.com/nulzo/provider-gateway/internal/cost"
	"github.com/nulzo/provider-gateway/internal/health"
	"github.com/nulzo/provider-gateway/internal/loader"
	"github.com/nulzo/provider-gateway/internal/manager"
	"github.com/nulzo/provider-gateway/internal/platform/buildinfo"
	"github.com/nulzo/provider-gateway/internal/platform/logger"
	"github.com/nulzo/provider-gateway/internal/platform/otel"
	"github.com/nulzo/provider-gateway/internal/registry"
	"github.com/nulzo/provider-gateway/internal/router"
	"github.com/nulzo/provider-gateway/internal/server"
	"github.com/nulzo/provider-gateway/internal/store/aggregate"
	"github.com/nulzo/provider-gateway/internal/store/sqlite"
	"github.com/nulzo/provider-gateway/internal/telemetry/metrics"
	"github.com/nulzo/provider-gateway/pkg/api"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	log := logger.Initialize(cfg.Log)
	defer logger.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("gateway exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.InitTracer(cfg.Tracing.Enabled, cfg.Tracing.ServiceName, buildinfo.Version, log, os.Stdout)
	if err != nil {
		return err
	}

	repo, err := sqlite.Open(cfg.Database.DSN, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Error("failed to close database", zap.Error(err))
		}
	}()

	var agg aggregate.Store = aggregate.NewMemory()
	if cfg.Redis.Enabled {
		rdb, err := aggregate.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		agg = rdb
		log.Info("cost aggregates stored in redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		log.Warn("redis disabled, cost aggregates are kept in memory")
	}
	defer func() {
		_ = agg.Close()
	}()

	m := metrics.New(nil)
	reg := registry.New(log)

	var monitor *health.Monitor
	if cfg.Health.Enabled {
		monitor = health.New(reg, health.Options{
			Interval:         cfg.Health.Interval,
			ProbeTimeout:     cfg.Health.Timeout,
			FailureThreshold: cfg.Health.FailureThreshold,
			AutoDisable:      cfg.Health.AutoDisable,
		}, m, log)
	}

	tracker := cost.New(agg, cost.Options{
		KeyPrefix:  cfg.Cost.KeyPrefix,
		DetailTTL:  cfg.Cost.DetailTTL,
		DailyTTL:   cfg.Cost.DailyTTL,
		MonthlyTTL: cfg.Cost.MonthlyTTL,
	}, m, log)
	for _, b := range cfg.Budgets {
		if err := tracker.SetBudget(b.UserID, api.Budget{
			Limit:          b.Limit,
			Period:         api.BudgetPeriod(b.Period),
			AlertThreshold: b.AlertThreshold,
		}); err != nil {
			return err
		}
	}

	ld := loader.New(repo.Providers(), log)
	if n, err := ld.Seed(ctx, cfg.Providers, cfg.UserID); err != nil {
		log.Error("failed to seed providers from config", zap.Error(err))
	} else if n > 0 {
		log.Info("providers seeded from config", zap.Int("count", n))
	}

	ingestor := analytics.NewIngestor(log, repo, analytics.Options{
		BufferSize:    cfg.Analytics.BufferSize,
		BatchSize:     cfg.Analytics.BatchSize,
		FlushInterval: cfg.Analytics.FlushInterval,
	}, m)

	mgr := manager.New(manager.Options{
		Registry: reg,
		Router:   router.New(reg, m, log),
		Health:   monitor,
		Costs:    tracker,
		Loader:   ld,
		Store:    repo.Providers(),
		Ingestor: ingestor,
		Metrics:  m,
		Logger:   log,
	})
	if err := mgr.Initialize(ctx, cfg.UserID); err != nil {
		return err
	}

	srv := server.New(server.Options{
		Config:      cfg,
		Logger:      log,
		Gateway:     mgr,
		Analytics:   analytics.NewService(repo),
		Metrics:     m,
		Version:     buildinfo.Version,
		DefaultUser: mgr.UserID(),
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.UpdateCheckURL != "" {
		go buildinfo.CheckForUpdates(ctx, cfg.Server.UpdateCheckURL, log)
	}
	go sweepLimiter(ctx, srv)

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening",
			zap.String("addr", httpServer.Addr),
			zap.String("version", buildinfo.Version))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	// stop taking requests, then the manager, then flush spans
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Error("manager shutdown failed", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("tracer shutdown failed", zap.Error(err))
	}
	log.Info("gateway stopped")
	return nil
}

func sweepLimiter(ctx context.Context, srv *server.Server) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			srv.Limiter().Sweep(now)
		}
	}
}

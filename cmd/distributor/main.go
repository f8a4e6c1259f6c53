// Command distributor runs only the distribution processor on its schedule.
// Run several replicas with REDIS_URL set and the run lock keeps their batches
// from overlapping; without it the claim lease still prevents double credits.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/josh-kwaku/tutorpay/internal/config"
	"github.com/josh-kwaku/tutorpay/internal/distribution"
	"github.com/josh-kwaku/tutorpay/internal/handler"
	"github.com/josh-kwaku/tutorpay/internal/lock"
	"github.com/josh-kwaku/tutorpay/internal/logging"
	"github.com/josh-kwaku/tutorpay/internal/repository"
	"github.com/josh-kwaku/tutorpay/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init("tutorpay-distributor", cfg.LogLevel, cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("distributor exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("distributor stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	db, err := repository.NewPostgresDB(connectCtx, cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:     cfg.DBMaxOpenConns,
		MaxIdleConns:     cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
		ConnMaxIdleTimeS: cfg.DBConnMaxIdleTimeS,
	})
	cancel()
	if err != nil {
		return err
	}
	defer db.Close()

	distributions := repository.NewDistributionRepository(db)
	ledger := wallet.NewLedger(repository.NewWalletRepository(db), repository.NewTransactionRepository(db), db, wallet.Options{
		MinWithdrawalAmount: cfg.MinWithdrawalAmount,
	})
	processor := distribution.NewProcessor(distributions, ledger, logger.With("component", "distribution"), distribution.Options{
		PlatformOperatorID: cfg.PlatformOperatorID,
		InstanceID:         cfg.InstanceID,
		MaxRetries:         cfg.DistributionMaxRetries,
		BatchSize:          cfg.DistributionBatchSize,
		StaleAfter:         cfg.DistributionStaleAfter,
	})

	health := handler.NewHealthHandler(db)
	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()

		locker := lock.NewRedisLocker(client, "distribution-run", cfg.RunLockTTL)
		processor.WithRunLock(locker)
		health.WithRedis(locker)
	} else {
		logger.Warn("REDIS_URL not set, runs are not serialised across replicas")
	}

	sched, err := distribution.NewScheduler(processor, cfg.DistributionSchedule, logger.With("component", "scheduler"))
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Get("/health", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		logger.Info("health server started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

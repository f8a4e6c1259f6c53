package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/josh-kwaku/tutorpay/internal/config"
	"github.com/josh-kwaku/tutorpay/internal/distribution"
	"github.com/josh-kwaku/tutorpay/internal/handler"
	"github.com/josh-kwaku/tutorpay/internal/lock"
	"github.com/josh-kwaku/tutorpay/internal/logging"
	"github.com/josh-kwaku/tutorpay/internal/repository"
	"github.com/josh-kwaku/tutorpay/internal/server"
	"github.com/josh-kwaku/tutorpay/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init("tutorpay-api", cfg.LogLevel, cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("api stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	wallets := repository.NewWalletRepository(db)
	transactions := repository.NewTransactionRepository(db)
	distributions := repository.NewDistributionRepository(db)
	idempotency := repository.NewIdempotencyRepository(db)

	ledger := wallet.NewLedger(wallets, transactions, db, wallet.Options{
		MinWithdrawalAmount: cfg.MinWithdrawalAmount,
	})
	intake := distribution.NewIntake(distributions, cfg.DefaultCommissionPct)
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
		logger.Info("distribution run lock enabled", "ttl", cfg.RunLockTTL)
	}

	router := server.NewRouter(cfg.JWTSecret, idempotency, server.Handlers{
		Health:       health,
		Wallets:      handler.NewWalletHandler(ledger),
		Distribution: handler.NewDistributionHandler(processor, distributions),
		Orders:       handler.NewOrderHandler(intake, processor.MaxRetries()),
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.RunProcessor {
		sched, err := newScheduler(cfg, processor, idempotency, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	return g.Wait()
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	db, err := repository.NewPostgresDB(connectCtx, cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:     cfg.DBMaxOpenConns,
		MaxIdleConns:     cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
		ConnMaxIdleTimeS: cfg.DBConnMaxIdleTimeS,
	})
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := repository.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		slog.Info("migrations applied")
	}
	return db, nil
}

type idempotencyCleaner interface {
	CleanExpired(ctx context.Context) (int64, error)
}

func newScheduler(cfg *config.Config, processor *distribution.Processor, idem idempotencyCleaner, logger *slog.Logger) (*distribution.Scheduler, error) {
	sched, err := distribution.NewScheduler(processor, cfg.DistributionSchedule, logger.With("component", "scheduler"))
	if err != nil {
		return nil, err
	}
	err = sched.AddJob("idempotency-cleanup", "@hourly", func(ctx context.Context) error {
		n, err := idem.CleanExpired(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("expired idempotency keys removed", "count", n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sched, nil
}

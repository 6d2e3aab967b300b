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

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/example/field-dispatch/internal/config"
	"github.com/example/field-dispatch/internal/dispatch"
	"github.com/example/field-dispatch/internal/drivers"
	"github.com/example/field-dispatch/internal/eta"
	"github.com/example/field-dispatch/internal/geo"
	httpapi "github.com/example/field-dispatch/internal/http"
	"github.com/example/field-dispatch/internal/ingest"
	"github.com/example/field-dispatch/internal/ledger"
	"github.com/example/field-dispatch/internal/lifecycle"
	"github.com/example/field-dispatch/internal/logging"
	"github.com/example/field-dispatch/internal/notify"
	"github.com/example/field-dispatch/internal/offers"
	"github.com/example/field-dispatch/internal/payments"
	"github.com/example/field-dispatch/internal/payouts"
	"github.com/example/field-dispatch/internal/realtime"
	"github.com/example/field-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("error").Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("service", "field-dispatch")
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DBDriver == "postgres" && cfg.RunMigrations {
		if err := storage.RunMigrations(ctx, cfg.DBDSN); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
	}
	store, err := storage.Open(storage.Options{Driver: cfg.DBDriver, DSN: cfg.DBDSN, Timeout: cfg.StoreTimeout})
	if err != nil {
		return err
	}
	defer store.Close()
	if cfg.DBDriver == "sqlite" {
		if err := store.AutoMigrate(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	// spatial index and offer store: redis when configured, memory otherwise
	var (
		index      geo.SpatialIndex
		offerStore offers.Store
		memOffers  *offers.MemoryStore
		rc         *redis.Client
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rc.Close()
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		offerStore = offers.NewRedisStore(rc, cfg.Dispatch.OfferRetention, logger)
	} else {
		index = geo.NewIndex()
		memOffers = offers.NewMemoryStore(cfg.Dispatch.OfferRetention)
		offerStore = memOffers
	}

	hub := realtime.NewHub(logger)

	var push notify.Sender = notify.LogSender{Logger: logger}
	if cfg.Notify.Endpoint != "" {
		push = notify.NewFCMSender(cfg.Notify.Endpoint, cfg.Notify.Key)
	}
	notifier := notify.NewAsync(notify.Fallback{
		Primary:   hub,
		Secondary: notify.Retrying{Next: push, Attempts: cfg.Notify.MaxAttempts, Backoff: cfg.Notify.Backoff},
	}, cfg.Notify.QueueSize, logger)
	notifier.Start(ctx, cfg.Notify.Workers)

	ledgerSvc := ledger.NewService(store, cfg.Dispatch.CommissionPct, logger)
	jobs := lifecycle.NewService(store, ledgerSvc, notifier, hub, logger)
	payoutSvc := payouts.NewService(store, ledgerSvc, notifier, logger)

	var publisher drivers.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaJobEventsTopic)
		defer producer.Close()
		jobs.AddListener(producer)
		publisher = producer
	}
	driverSvc := drivers.NewService(store, index, hub, publisher, logger)
	if memOffers != nil {
		n, err := driverSvc.Warm(ctx)
		if err != nil {
			return fmt.Errorf("warm spatial index: %w", err)
		}
		logger.Info("spatial index warmed", "drivers", n)
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps, Logger: logger}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	coord := dispatch.NewCoordinator(jobs, offerStore, index, cfg.Dispatch, dispatch.Options{
		Notifier: notifier,
		Realtime: hub,
		ETA:      estimator,
		Locator:  driverSvc,
		Logger:   logger,
	})

	var webhooks http.Handler
	if cfg.StripeWebhookSecret != "" {
		webhooks = payments.NewWebhookHandler(cfg.StripeWebhookSecret, ledgerSvc, payoutSvc, logger)
	}

	scheduler := cron.New()
	if memOffers != nil {
		if _, err := scheduler.AddFunc(cfg.Dispatch.OfferSweepSchedule, func() {
			if n := memOffers.Sweep(ctx); n > 0 {
				logger.Debug("expired offers swept", "count", n)
			}
		}); err != nil {
			return fmt.Errorf("schedule offer sweep: %w", err)
		}
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	api := httpapi.NewServer(httpapi.Deps{
		Jobs:     jobs,
		Dispatch: coord,
		Drivers:  driverSvc,
		Ledger:   ledgerSvc,
		Payouts:  payoutSvc,
		Hub:      hub,
		Payments: webhooks,
		Health: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return err
			}
			if rc != nil {
				return rc.Ping(ctx).Err()
			}
			return nil
		},
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("field-dispatch listening", "addr", cfg.HTTPAddr, "db_driver", cfg.DBDriver, "redis", cfg.RedisAddr != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	stop()
	select {
	case <-notifier.Done():
	case <-shutdownCtx.Done():
		logger.Warn("notification queue not drained before shutdown")
	}
	return err
}

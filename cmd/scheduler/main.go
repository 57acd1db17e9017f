package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/samuelmjordan/hosting-platform-api/internal/billing"
	"github.com/samuelmjordan/hosting-platform-api/internal/catalog"
	"github.com/samuelmjordan/hosting-platform-api/internal/config"
	"github.com/samuelmjordan/hosting-platform-api/internal/engine"
	"github.com/samuelmjordan/hosting-platform-api/internal/logging"
	"github.com/samuelmjordan/hosting-platform-api/internal/metrics"
	"github.com/samuelmjordan/hosting-platform-api/internal/processor"
	"github.com/samuelmjordan/hosting-platform-api/internal/provider/cloud"
	"github.com/samuelmjordan/hosting-platform-api/internal/provider/dns"
	"github.com/samuelmjordan/hosting-platform-api/internal/provider/panel"
	"github.com/samuelmjordan/hosting-platform-api/internal/queue"
	"github.com/samuelmjordan/hosting-platform-api/internal/ratelimit"
	"github.com/samuelmjordan/hosting-platform-api/internal/saga"
	"github.com/samuelmjordan/hosting-platform-api/internal/storage"
	"github.com/samuelmjordan/hosting-platform-api/internal/tracing"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		log.Fatal("scheduler: init logger:", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("scheduler stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(cfg.Tracing, "scheduler")
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, shutdownTracing(sctx))
	}()

	if err := storage.Migrate(cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
		return err
	}
	db, err := storage.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	store := storage.New(db)

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { err = multierr.Append(err, rdb.Close()) }()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	m := metrics.New()

	var shell panel.Shell
	if cfg.Panel.SSHKeyPath != "" {
		if shell, err = panel.NewSSHShell(cfg.Panel.SSHUser, cfg.Panel.SSHKeyPath); err != nil {
			return err
		}
	} else {
		logger.Warn("PANEL_SSH_KEY_PATH not set, node configuration will fail")
	}

	exec, err := saga.New(saga.Deps{
		Store:            store,
		Cloud:            cloud.New(cfg.Cloud, ratelimit.New(rdb, "cloud", cfg.RateLimitPerMinute, time.Minute), logger),
		DNS:              dns.New(cfg.DNS, ratelimit.New(rdb, "dns", cfg.RateLimitPerMinute, time.Minute), logger),
		Panel:            panel.New(cfg.Panel, shell, ratelimit.New(rdb, "panel", cfg.RateLimitPerMinute, time.Minute), logger),
		Catalog:          cat,
		Logger:           logger,
		Observer:         m,
		NodeReadyTimeout: cfg.Saga.NodeReadyTimeout,
		ServerPort:       cfg.Saga.ServerPort,
	})
	if err != nil {
		return err
	}

	registry, err := engine.NewRegistry(
		processor.NewSubscriptionSync(store, store, exec, cfg.Saga.BusyTimeout, logger),
		processor.NewPriceSync(store, logger),
	)
	if err != nil {
		return err
	}
	eng := engine.New(store, registry, cfg.Engine,
		engine.WithLogger(logger),
		engine.WithWaker(queue.New(rdb, "jobs")),
		engine.WithObserver(m),
	)

	stopCleanup, err := eng.StartCleanup(ctx)
	if err != nil {
		return err
	}
	defer stopCleanup()

	rtr := chi.NewRouter()
	rtr.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := store.Ping(req.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	rtr.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: rtr, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	if len(cfg.Kafka.Brokers) > 0 {
		consumer := billing.NewConsumer(
			billing.NewReader(cfg.Kafka),
			billing.NewHandler(store, eng, logger),
			m,
			logger,
		)
		g.Go(func() error { return consumer.Run(gctx) })
	} else {
		logger.Info("KAFKA_BROKERS not set, billing consumer disabled")
	}
	g.Go(func() error {
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

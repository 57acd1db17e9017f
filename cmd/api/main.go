package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/samuelmjordan/hosting-platform-api/internal/config"
	"github.com/samuelmjordan/hosting-platform-api/internal/domain"
	"github.com/samuelmjordan/hosting-platform-api/internal/engine"
	"github.com/samuelmjordan/hosting-platform-api/internal/httpapi"
	"github.com/samuelmjordan/hosting-platform-api/internal/logging"
	"github.com/samuelmjordan/hosting-platform-api/internal/metrics"
	"github.com/samuelmjordan/hosting-platform-api/internal/queue"
	"github.com/samuelmjordan/hosting-platform-api/internal/storage"
	"github.com/samuelmjordan/hosting-platform-api/internal/tracing"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		log.Fatal("api: init logger:", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(cfg.Tracing, "api")
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, shutdownTracing(sctx))
	}()

	db, err := storage.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	store := storage.New(db)

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { err = multierr.Append(err, rdb.Close()) }()

	// jobs are processed by the scheduler; this process only enqueues
	registry, err := engine.Remote(domain.SyncSubscription, domain.PriceSync)
	if err != nil {
		return err
	}
	m := metrics.New()
	eng := engine.New(store, registry, cfg.Engine,
		engine.WithLogger(logger),
		engine.WithWaker(queue.New(rdb, "jobs")),
		engine.WithObserver(m),
	)

	srv := &http.Server{
		Addr: cfg.APIAddr,
		Handler: httpapi.Routes(&httpapi.App{
			Jobs:     eng,
			JobStore: store,
			Contexts: store,
			DB:       store,
			Metrics:  m.Handler(),
			Log:      logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

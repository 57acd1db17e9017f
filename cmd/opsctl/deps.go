package main

import (
	"context"

	r "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/samuelmjordan/hosting-platform-api/internal/config"
	"github.com/samuelmjordan/hosting-platform-api/internal/domain"
	"github.com/samuelmjordan/hosting-platform-api/internal/engine"
	"github.com/samuelmjordan/hosting-platform-api/internal/queue"
	"github.com/samuelmjordan/hosting-platform-api/internal/storage"
)

// deps holds the connections a command needs. close releases them.
type deps struct {
	cfg    config.Config
	log    *zap.Logger
	store  *storage.Store
	waker  *queue.RedisQ
	engine *engine.Engine
	close  func() error
}

func newLogger(cmd *cobra.Command) *zap.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	level := zap.WarnLevel
	if verbose {
		level = zap.DebugLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func connect(ctx context.Context, cmd *cobra.Command) (*deps, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, err
	}
	log := newLogger(cmd)

	db, err := storage.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})

	registry, err := engine.Remote(domain.SyncSubscription, domain.PriceSync)
	if err != nil {
		db.Close()
		return nil, multierr.Append(err, rdb.Close())
	}
	store := storage.New(db)
	waker := queue.New(rdb, "jobs")
	return &deps{
		cfg:    cfg,
		log:    log,
		store:  store,
		waker:  waker,
		engine: engine.New(store, registry, cfg.Engine, engine.WithLogger(log), engine.WithWaker(waker)),
		close: func() error {
			db.Close()
			return multierr.Append(rdb.Close(), log.Sync())
		},
	}, nil
}

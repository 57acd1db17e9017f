package engine

import (
	"context"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/samuelmjordan/hosting-platform-api/internal/domain"
	"github.com/samuelmjordan/hosting-platform-api/internal/storage"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cleanup runs one archive and reclaim pass, then refreshes the queue depth
// gauges. Only the process holding the advisory lock does the pass.
func (e *Engine) Cleanup(ctx context.Context) (storage.CleanupResult, error) {
	now := e.now()
	res, err := e.store.Cleanup(ctx, e.cfg.CleanupLockID, now.Add(-e.cfg.Retention), now.Add(-e.cfg.StaleAfter))
	switch {
	case err != nil:
		err = errors.Wrap(err, "cleanup")
	case !res.Locked:
		e.log.Debug("cleanup lock held elsewhere")
	default:
		e.obs.CleanupFinished(res.Archived, res.Reclaimed)
		e.log.Info("cleanup finished",
			zap.Int64("archived", res.Archived),
			zap.Int64("reclaimed", res.Reclaimed),
			zap.Int64("superseded", res.Superseded))
	}

	counts, cerr := e.store.CountJobs(ctx)
	if cerr != nil {
		return res, multierr.Append(err, errors.Wrap(cerr, "count jobs"))
	}
	for _, st := range []domain.Status{domain.Pending, domain.Processing, domain.Retrying, domain.Completed, domain.DeadLetter} {
		e.obs.SetQueueDepth(string(st), counts[st])
	}
	return res, err
}

// StartCleanup runs Cleanup on the configured schedule until ctx ends. The
// returned func stops the schedule and waits for a running pass.
func (e *Engine) StartCleanup(ctx context.Context) (func(), error) {
	schedule, err := cronParser.Parse(e.cfg.CleanupSchedule)
	if err != nil {
		return nil, errors.Wrapf(err, "cleanup schedule %q", e.cfg.CleanupSchedule)
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.Cleanup(ctx); err != nil {
			e.log.Error("cleanup failed", zap.Error(err))
		}
	}))
	c.Start()
	e.log.Info("cleanup scheduled", zap.String("schedule", e.cfg.CleanupSchedule))
	return func() { <-c.Stop().Done() }, nil
}

package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/samuelmjordan/hosting-platform-api/internal/config"
	"github.com/samuelmjordan/hosting-platform-api/internal/domain"
	"github.com/samuelmjordan/hosting-platform-api/internal/logging"
	"github.com/samuelmjordan/hosting-platform-api/internal/storage"
)

const tracerName = "github.com/samuelmjordan/hosting-platform-api/internal/engine"

// Store is the durable side of the engine. *storage.Store implements it.
type Store interface {
	UpsertJob(ctx context.Context, j domain.Job) (domain.Job, error)
	ClaimJobs(ctx context.Context, status domain.Status, limit int) ([]domain.Job, error)
	TouchJob(ctx context.Context, id string) error
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, delayedUntil time.Time, message string) (string, error)
	DeadLetterJob(ctx context.Context, id, message string) error
	CountJobs(ctx context.Context) (map[domain.Status]int, error)
	Cleanup(ctx context.Context, lockID int64, archiveBefore, staleBefore time.Time) (storage.CleanupResult, error)
}

// Waker shortens the poll wait when work is enqueued. *queue.RedisQ
// implements it over Redis.
type Waker interface {
	Signal(ctx context.Context) error
	SignalAt(ctx context.Context, jobID string, at time.Time) error
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

// Observer receives engine measurements. *metrics.Metrics implements it.
type Observer interface {
	JobEnqueued(jobType string, merged bool)
	JobFinished(jobType, outcome string, d time.Duration)
	SetWorkers(active, size int)
	SetQueueDepth(status string, n int)
	CleanupFinished(archived, reclaimed int64)
}

type nopObserver struct{}

func (nopObserver) JobEnqueued(string, bool)                  {}
func (nopObserver) JobFinished(string, string, time.Duration) {}
func (nopObserver) SetWorkers(int, int)                       {}
func (nopObserver) SetQueueDepth(string, int)                 {}
func (nopObserver) CleanupFinished(int64, int64)              {}

// Job outcomes reported to the Observer.
const (
	OutcomeCompleted  = "completed"
	OutcomeRetrying   = "retrying"
	OutcomeSuperseded = "superseded"
	OutcomeDeadLetter = "dead_letter"
)

type Engine struct {
	store      Store
	processors *Registry
	cfg        config.Engine
	pool       *Pool
	waker      Waker
	log        *zap.Logger
	obs        Observer
	tracer     trace.Tracer
	now        func() time.Time
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

func WithWaker(w Waker) Option { return func(e *Engine) { e.waker = w } }

func WithObserver(o Observer) Option { return func(e *Engine) { e.obs = o } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(store Store, processors *Registry, cfg config.Engine, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		processors: processors,
		cfg:        cfg,
		pool:       NewPool(cfg.Workers),
		obs:        nopObserver{},
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.log = logging.OrNop(e.log).With(zap.String("component", "engine"))
	return e
}

// Known reports whether a processor is registered for t.
func (e *Engine) Known(t domain.JobType) bool {
	_, ok := e.processors.Lookup(t)
	return ok
}

type enqueueOptions struct {
	maxRetries   int
	delayedUntil time.Time
}

type EnqueueOption func(*enqueueOptions)

func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxRetries = n }
}

func WithDelayedUntil(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.delayedUntil = t }
}

func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delayedUntil = o.delayedUntil.Add(d) }
}

// Enqueue schedules work. A PENDING or RETRYING job with the same type and
// normalised payload absorbs the request instead of a new row being created;
// the returned job is whichever row now holds the work.
func (e *Engine) Enqueue(ctx context.Context, t domain.JobType, payload string, opts ...EnqueueOption) (domain.Job, error) {
	o := enqueueOptions{maxRetries: e.cfg.DefaultMaxRetries, delayedUntil: e.now()}
	for _, opt := range opts {
		opt(&o)
	}
	if t == "" {
		return domain.Job{}, errors.New("job type is required")
	}
	if o.maxRetries <= 0 {
		return domain.Job{}, errors.Errorf("max retries must be positive, got %d", o.maxRetries)
	}

	j := domain.Job{
		ID:           uuid.NewString(),
		DedupKey:     domain.DedupKey(t, payload),
		Type:         t,
		Status:       domain.Pending,
		Payload:      payload,
		MaxRetries:   o.maxRetries,
		DelayedUntil: o.delayedUntil,
	}
	stored, err := e.store.UpsertJob(ctx, j)
	if err != nil {
		return domain.Job{}, errors.Wrapf(err, "enqueue %s", t)
	}
	merged := stored.ID != j.ID
	e.obs.JobEnqueued(string(t), merged)
	e.log.Debug("job enqueued",
		zap.String("job", stored.ID),
		zap.String("type", string(t)),
		zap.Bool("merged", merged),
		zap.Int("duplicates", stored.DuplicateCount),
		zap.Time("delayed_until", stored.DelayedUntil))

	if e.waker != nil {
		var err error
		if stored.DelayedUntil.After(e.now()) {
			err = e.waker.SignalAt(ctx, stored.ID, stored.DelayedUntil)
		} else {
			err = e.waker.Signal(ctx)
		}
		if err != nil {
			e.log.Warn("wake signal failed", zap.String("job", stored.ID), zap.Error(err))
		}
	}
	return stored, nil
}

// ProcessJobs claims as many due jobs as there are idle workers, PENDING
// first, and starts them. It returns the number started.
func (e *Engine) ProcessJobs(ctx context.Context) (int, error) {
	available := e.pool.Available()
	e.obs.SetWorkers(e.pool.Active(), e.pool.Size())
	if available <= 0 {
		return 0, nil
	}

	pending, err := e.store.ClaimJobs(ctx, domain.Pending, claimLimit(available, e.cfg.PendingRatio, available))
	if err != nil {
		return 0, errors.Wrap(err, "claim pending")
	}
	var retrying []domain.Job
	if limit := claimLimit(available, e.cfg.RetryingRatio, available-len(pending)); limit > 0 {
		retrying, err = e.store.ClaimJobs(ctx, domain.Retrying, limit)
		if err != nil {
			err = errors.Wrap(err, "claim retrying")
		}
	}
	if n := len(pending) + len(retrying); n > 0 {
		e.log.Debug("claimed jobs",
			zap.Int("available", available),
			zap.Int("pending", len(pending)),
			zap.Int("retrying", len(retrying)))
	}

	started := 0
	for _, j := range append(pending, retrying...) {
		j := j
		// claimed jobs finish even if the caller is shutting down
		if perr := e.pool.Go(context.WithoutCancel(ctx), func() { e.runJob(context.WithoutCancel(ctx), j) }); perr != nil {
			return started, errors.Wrap(perr, "start job")
		}
		started++
	}
	return started, err
}

func (e *Engine) runJob(ctx context.Context, j domain.Job) {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "job."+string(j.Type), trace.WithAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("job.type", string(j.Type)),
		attribute.Int("job.retry_count", j.RetryCount),
	))
	defer span.End()

	stop := e.heartbeat(ctx, j.ID)
	err := e.invoke(ctx, j)
	stop()

	if err == nil {
		if cerr := e.store.CompleteJob(ctx, j.ID); cerr != nil {
			e.log.Error("could not complete job", zap.String("job", j.ID), zap.Error(cerr))
			return
		}
		e.obs.JobFinished(string(j.Type), OutcomeCompleted, e.now().Sub(start))
		e.log.Info("job completed",
			zap.String("job", j.ID),
			zap.String("type", string(j.Type)),
			zap.Duration("took", e.now().Sub(start)))
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.obs.JobFinished(string(j.Type), e.fail(ctx, j, err), e.now().Sub(start))
}

// invoke runs the processor, turning a panic into an error.
func (e *Engine) invoke(ctx context.Context, j domain.Job) (err error) {
	p, ok := e.processors.Lookup(j.Type)
	if !ok {
		return errors.Wrapf(ErrNoProcessor, "%s", j.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("processor panic: %v", r)
		}
	}()
	return p.Process(ctx, j)
}

// fail records a failed attempt and returns the outcome.
func (e *Engine) fail(ctx context.Context, j domain.Job, cause error) string {
	msg := cause.Error()
	fields := []zap.Field{
		zap.String("job", j.ID),
		zap.String("type", string(j.Type)),
		zap.Int("attempt", j.RetryCount+1),
		zap.Int("max_retries", j.MaxRetries),
		zap.Error(cause),
	}

	if j.Exhausted() {
		if err := e.store.DeadLetterJob(ctx, j.ID, msg); err != nil {
			e.log.Error("could not dead-letter job", append(fields, zap.NamedError("store_error", err))...)
		} else {
			e.log.Error("job dead-lettered", fields...)
		}
		return OutcomeDeadLetter
	}

	delay := Backoff(j.RetryCount+1, e.cfg.MinBackoff, e.cfg.MaxBackoff)
	supersededBy, err := e.store.RetryJob(ctx, j.ID, e.now().Add(delay), msg)
	switch {
	case err != nil:
		e.log.Error("could not schedule retry", append(fields, zap.NamedError("store_error", err))...)
		return OutcomeRetrying
	case supersededBy != "":
		e.log.Info("retry folded into live duplicate", append(fields, zap.String("live_job", supersededBy))...)
		return OutcomeSuperseded
	default:
		e.log.Warn("retry scheduled", append(fields, zap.Duration("delay", delay))...)
		return OutcomeRetrying
	}
}

// heartbeat keeps last_seen fresh while a job runs so cleanup does not
// reclaim it. The returned func stops it.
func (e *Engine) heartbeat(ctx context.Context, id string) func() {
	interval := e.cfg.StaleAfter / 3
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := e.store.TouchJob(ctx, id); err != nil && ctx.Err() == nil {
					e.log.Warn("job heartbeat failed", zap.String("job", id), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Run polls until ctx is cancelled, then waits for running jobs.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine started",
		zap.Int("workers", e.pool.Size()),
		zap.Duration("poll_interval", e.cfg.PollInterval),
		zap.Strings("types", typeNames(e.processors.Types())))
	defer func() {
		e.pool.Wait()
		e.log.Info("engine stopped")
	}()

	for {
		if _, err := e.ProcessJobs(ctx); err != nil && ctx.Err() == nil {
			e.log.Error("process jobs", zap.Error(err))
		}
		if err := e.wait(ctx); err != nil {
			return nil
		}
	}
}

// wait returns after the poll interval, on a wake signal, or with ctx's error.
func (e *Engine) wait(ctx context.Context) error {
	if e.waker != nil {
		woke, err := e.waker.Wait(ctx, e.cfg.PollInterval)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			if woke {
				e.log.Debug("woken by enqueue")
			}
			return nil
		}
		e.log.Debug("wake wait failed, falling back to timer", zap.Error(err))
	}
	t := time.NewTimer(e.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) Pool() *Pool { return e.pool }

func typeNames(ts []domain.JobType) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}

// Package processor holds the job processors the engine dispatches to.
package processor

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/samuelmjordan/hosting-platform-api/internal/domain"
	"github.com/samuelmjordan/hosting-platform-api/internal/logging"
	"github.com/samuelmjordan/hosting-platform-api/internal/saga"
	"github.com/samuelmjordan/hosting-platform-api/internal/storage"
)

// ErrSagaBusy means another worker is driving the saga right now. The job is
// retried later.
var ErrSagaBusy = errors.New("saga in progress")

// maxSagaRuns bounds one sync. A migration needs two runs and a cancellation
// during a migration three.
const maxSagaRuns = 4

type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id string) (domain.Subscription, error)
}

type ContextStore interface {
	GetContext(ctx context.Context, subscriptionID string) (saga.ExecutionContext, bool, error)
	SaveContext(ctx context.Context, ec saga.ExecutionContext, note string) error
}

// Executor runs a saga chain. *saga.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, ec saga.ExecutionContext) error
}

// SubscriptionSync drives a subscription's infrastructure towards what the
// billing record says it should be.
type SubscriptionSync struct {
	subs        SubscriptionStore
	contexts    ContextStore
	exec        Executor
	busyTimeout time.Duration
	log         *zap.Logger
	now         func() time.Time
}

func NewSubscriptionSync(subs SubscriptionStore, contexts ContextStore, exec Executor, busyTimeout time.Duration, log *zap.Logger) *SubscriptionSync {
	return &SubscriptionSync{
		subs:        subs,
		contexts:    contexts,
		exec:        exec,
		busyTimeout: busyTimeout,
		log:         logging.OrNop(log).With(zap.String("component", "subscription_sync")),
		now:         time.Now,
	}
}

func (p *SubscriptionSync) Type() domain.JobType { return domain.SyncSubscription }

func (p *SubscriptionSync) Process(ctx context.Context, job domain.Job) error {
	id := strings.TrimSpace(job.Payload)
	if id == "" {
		return errors.New("sync subscription: empty subscription id")
	}
	for run := 0; run < maxSagaRuns; run++ {
		next, err := p.plan(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "sync subscription %s", id)
		}
		if next == nil {
			return nil
		}
		p.log.Info("running saga",
			zap.String("subscription", id),
			zap.String("mode", string(next.Mode)),
			zap.String("step", string(next.StepType)),
			zap.Int("run", run+1))
		if err := p.exec.Execute(ctx, *next); err != nil {
			return errors.Wrapf(err, "sync subscription %s", id)
		}
	}
	return errors.Errorf("sync subscription %s: not settled after %d saga runs", id, maxSagaRuns)
}

// plan compares the billing record with the stored context and returns the
// next chain to run, or nil when nothing is left to do.
func (p *SubscriptionSync) plan(ctx context.Context, id string) (*saga.ExecutionContext, error) {
	sub, err := p.subs.GetSubscription(ctx, id)
	found := true
	if errors.Is(err, storage.ErrNotFound) {
		found = false
	} else if err != nil {
		return nil, errors.Wrap(err, "load subscription")
	}
	active := found && sub.Active()

	ec, ok, err := p.contexts.GetContext(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "load execution context")
	}
	if !ok {
		if !active {
			return nil, nil
		}
		next := saga.NewExecutionContext(id, sub.Region, sub.SpecificationID).
			WithDisplay(sub.Title, sub.Caption, Subdomain(sub), sub.CustomerEmail)
		return &next, nil
	}

	switch ec.Status {
	case saga.StatusInProgress:
		if age := p.now().Sub(ec.UpdatedAt); age < p.busyTimeout {
			return nil, errors.Wrapf(ErrSagaBusy, "%s at %s for %s", ec.Mode, ec.StepType, age.Round(time.Second))
		}
		p.log.Warn("resuming stale saga",
			zap.String("subscription", id),
			zap.String("step", string(ec.StepType)),
			zap.Time("updated_at", ec.UpdatedAt))
		return &ec, nil
	case saga.StatusIdle, saga.StatusFailed:
		// a build or migration that never finished is unwound from where it
		// stopped, taking both chains with it
		if !active && (ec.Mode == saga.ModeCreate || ec.Mode == saga.ModeMigrateCreate) {
			next := ec.WithMode(saga.ModeDestroy)
			return &next, nil
		}
		return &ec, nil
	}

	switch ec.Mode {
	case saga.ModeMigrateCreate:
		next := ec.WithMode(saga.ModeMigrateDestroy).WithStepType(saga.StepReady)
		return &next, nil
	case saga.ModeCreate:
		if !active {
			next := ec.WithMode(saga.ModeDestroy).WithStepType(saga.StepReady)
			return &next, nil
		}
		display := ec.WithDisplay(sub.Title, sub.Caption, Subdomain(sub), sub.CustomerEmail)
		if ec.Region != sub.Region || ec.SpecificationID != sub.SpecificationID {
			next := display.
				WithPlacement(sub.Region, sub.SpecificationID).
				WithMode(saga.ModeMigrateCreate).
				WithStepType(saga.StepNew)
			return &next, nil
		}
		if display.Title != ec.Title || display.Caption != ec.Caption || display.Subdomain != ec.Subdomain || display.OwnerEmail != ec.OwnerEmail {
			if err := p.contexts.SaveContext(ctx, display, "display"); err != nil {
				return nil, errors.Wrap(err, "refresh display metadata")
			}
		}
	}
	return nil, nil
}

// Subdomain is the subscription's chosen subdomain, or one derived from its
// id when none was chosen.
func Subdomain(sub domain.Subscription) string {
	if s := strings.ToLower(strings.TrimSpace(sub.Subdomain)); s != "" {
		return s
	}
	var b strings.Builder
	b.WriteString("mc-")
	for _, r := range strings.ToLower(sub.ID) {
		if b.Len() >= 19 {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

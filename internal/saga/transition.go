package saga

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/samuelmjordan/hosting-platform-api/internal/saga"

// Step provisions (create) or tears down (destroy) one resource, then hands
// the context to the TransitionService.
type Step interface {
	Type() StepType
	Create(ctx context.Context, ec ExecutionContext) error
	Destroy(ctx context.Context, ec ExecutionContext) error
}

// StepObserver receives step timings. *metrics.Metrics implements it.
type StepObserver interface {
	ObserveStep(step, direction string, d time.Duration)
	IncStepFailure(step string)
}

type nopObserver struct{}

func (nopObserver) ObserveStep(string, string, time.Duration) {}
func (nopObserver) IncStepFailure(string)                     {}

// TransitionService is the only writer of a context's step and status. Each
// progress call runs the next step on the same call stack, so one trigger
// walks the chain to a terminal state or fails it.
type TransitionService struct {
	store    ContextStore
	steps    map[StepType]Step
	log      *zap.Logger
	observer StepObserver
	tracer   trace.Tracer
}

func newTransitionService(store ContextStore, log *zap.Logger, observer StepObserver) *TransitionService {
	if observer == nil {
		observer = nopObserver{}
	}
	return &TransitionService{
		store:    store,
		steps:    make(map[StepType]Step),
		log:      log,
		observer: observer,
		tracer:   otel.Tracer(tracerName),
	}
}

func (t *TransitionService) register(steps ...Step) {
	for _, s := range steps {
		t.steps[s.Type()] = s
	}
}

// PersistAndProgress records ec positioned at next and executes that step.
func (t *TransitionService) PersistAndProgress(ctx context.Context, ec ExecutionContext, next StepType) error {
	t.finish(ctx, nil)
	progressed := ec
	ec = ec.WithStepType(next).InProgress()
	if err := t.store.SaveContext(ctx, ec, "progress"); err != nil {
		return &saveError{ec: progressed, err: errors.Wrapf(err, "persist context %s at %s", ec.SubscriptionID, next)}
	}
	return t.run(ctx, ec)
}

// saveError is a failed progress write. It carries the resources the step
// had already created so the failure record keeps them.
type saveError struct {
	ec  ExecutionContext
	err error
}

func (e *saveError) Error() string { return e.err.Error() }

func (e *saveError) Unwrap() error { return e.err }

// PersistAndComplete ends the chain. A finished DESTROY removes the context;
// a finished MIGRATE_DESTROY leaves the promoted chain live at READY.
func (t *TransitionService) PersistAndComplete(ctx context.Context, ec ExecutionContext) error {
	t.finish(ctx, nil)
	switch ec.Mode {
	case ModeDestroy:
		if err := t.store.DeleteContext(ctx, ec.SubscriptionID); err != nil {
			return errors.Wrapf(err, "delete context %s", ec.SubscriptionID)
		}
		t.log.Info("saga torn down", zap.String("subscription", ec.SubscriptionID))
		return nil
	case ModeMigrateDestroy:
		ec = ec.WithMode(ModeCreate).WithStepType(StepReady)
	}
	ec = ec.Completed()
	if err := t.store.SaveContext(ctx, ec, "complete"); err != nil {
		return errors.Wrapf(err, "complete context %s", ec.SubscriptionID)
	}
	t.log.Info("saga complete",
		zap.String("subscription", ec.SubscriptionID),
		zap.String("mode", string(ec.Mode)),
		zap.String("step", string(ec.StepType)))
	return nil
}

// execute marks ec in progress and runs its current step.
func (t *TransitionService) execute(ctx context.Context, ec ExecutionContext) error {
	ec = ec.InProgress()
	if err := t.store.SaveContext(ctx, ec, "enter"); err != nil {
		return errors.Wrapf(err, "persist context %s", ec.SubscriptionID)
	}
	return t.run(ctx, ec)
}

func (t *TransitionService) run(ctx context.Context, ec ExecutionContext) error {
	step, ok := t.steps[ec.StepType]
	if !ok {
		return t.fail(ctx, ec, errors.Wrapf(ErrUnknownStep, "%q", ec.StepType))
	}

	ctx, span := t.tracer.Start(ctx, "saga."+string(ec.StepType), trace.WithAttributes(
		attribute.String("subscription.id", ec.SubscriptionID),
		attribute.String("saga.mode", string(ec.Mode)),
	))
	defer span.End()
	r := &stepRun{step: ec.StepType, direction: ec.Mode.direction(), start: time.Now(), span: span}
	ctx = context.WithValue(ctx, stepRunKey{}, r)

	t.log.Debug("executing step",
		zap.String("subscription", ec.SubscriptionID),
		zap.String("step", string(ec.StepType)),
		zap.String("mode", string(ec.Mode)))

	var err error
	switch {
	case ec.Mode.IsCreate():
		err = step.Create(ctx, ec)
	case ec.Mode.IsDestroy():
		err = step.Destroy(ctx, ec)
	default:
		err = errors.Errorf("unsupported mode %q", ec.Mode)
	}
	if err != nil {
		t.finish(ctx, err)
		return t.fail(ctx, ec, err)
	}
	return nil
}

// fail records ec as FAILED unless an inner frame already did.
func (t *TransitionService) fail(ctx context.Context, ec ExecutionContext, err error) error {
	var se *StepError
	if errors.As(err, &se) {
		return err
	}
	t.observer.IncStepFailure(string(ec.StepType))
	t.log.Error("step failed",
		zap.String("subscription", ec.SubscriptionID),
		zap.String("step", string(ec.StepType)),
		zap.String("mode", string(ec.Mode)),
		zap.Error(err))

	failed := ec.Failed(err)
	var save *saveError
	if errors.As(err, &save) && save.ec.SubscriptionID == ec.SubscriptionID {
		failed.Current, failed.New = save.ec.Current, save.ec.New
	}
	if perr := t.store.SaveContext(context.WithoutCancel(ctx), failed, "failed"); perr != nil {
		t.log.Error("could not record step failure",
			zap.String("subscription", ec.SubscriptionID),
			zap.Error(perr))
	}
	return &StepError{Step: ec.StepType, Mode: ec.Mode, Err: err}
}

// redirect handles a step invoked in a direction it does not support by
// moving on to the neighbour that owns the work.
func (t *TransitionService) redirect(ctx context.Context, ec ExecutionContext, to StepType, reason string) error {
	t.log.Warn("illegal transition, redirecting",
		zap.String("subscription", ec.SubscriptionID),
		zap.String("step", string(ec.StepType)),
		zap.String("mode", string(ec.Mode)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	return t.PersistAndProgress(ctx, ec, to)
}

type stepRunKey struct{}

type stepRun struct {
	step      StepType
	direction string
	start     time.Time
	span      trace.Span
	done      bool
}

// finish closes the timing of the step that is handing over. The rest of the
// chain runs inside this frame, so the step's own duration ends here.
func (t *TransitionService) finish(ctx context.Context, err error) {
	r, ok := ctx.Value(stepRunKey{}).(*stepRun)
	if !ok || r.done {
		return
	}
	r.done = true
	t.observer.ObserveStep(string(r.step), r.direction, time.Since(r.start))
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	}
}

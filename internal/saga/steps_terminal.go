package saga

import "context"

type finaliseStep struct{ *stepDeps }

func (finaliseStep) Type() StepType { return StepFinalise }

// Create promotes the new chain only for a first build. A migration keeps the
// old chain authoritative until MIGRATE_DESTROY has torn it down.
func (s finaliseStep) Create(ctx context.Context, ec ExecutionContext) error {
	if ec.Mode == ModeCreate {
		ec = ec.Promote()
	}
	return s.t.PersistAndProgress(ctx, ec, StepReady)
}

func (s finaliseStep) Destroy(ctx context.Context, ec ExecutionContext) error {
	return s.t.PersistAndProgress(ctx, ec, StepCreateSubuser)
}

type readyStep struct{ *stepDeps }

func (readyStep) Type() StepType { return StepReady }

func (s readyStep) Create(ctx context.Context, ec ExecutionContext) error {
	return s.t.PersistAndComplete(ctx, ec)
}

func (s readyStep) Destroy(ctx context.Context, ec ExecutionContext) error {
	return s.t.PersistAndProgress(ctx, ec, StepFinalise)
}

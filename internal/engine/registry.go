package engine

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/samuelmjordan/hosting-platform-api/internal/domain"
)

var ErrNoProcessor = errors.New("no processor registered for job type")

// Processor executes one job type. A returned error (or panic) counts as a
// failed attempt.
type Processor interface {
	Type() domain.JobType
	Process(ctx context.Context, job domain.Job) error
}

// Registry maps job types to processors. It is filled at startup and read
// concurrently afterwards.
type Registry struct {
	processors map[domain.JobType]Processor
}

func NewRegistry(processors ...Processor) (*Registry, error) {
	r := &Registry{processors: make(map[domain.JobType]Processor, len(processors))}
	for _, p := range processors {
		if _, dup := r.processors[p.Type()]; dup {
			return nil, errors.Errorf("processor for %s registered twice", p.Type())
		}
		r.processors[p.Type()] = p
	}
	return r, nil
}

func (r *Registry) Lookup(t domain.JobType) (Processor, bool) {
	p, ok := r.processors[t]
	return p, ok
}

func (r *Registry) Types() []domain.JobType {
	out := make([]domain.JobType, 0, len(r.processors))
	for t := range r.processors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ProcessorFunc adapts a function into a Processor.
type ProcessorFunc struct {
	JobType domain.JobType
	Fn      func(ctx context.Context, job domain.Job) error
}

func (f ProcessorFunc) Type() domain.JobType { return f.JobType }

func (f ProcessorFunc) Process(ctx context.Context, job domain.Job) error { return f.Fn(ctx, job) }

// ErrRemoteProcessor is returned by processors registered through Remote.
var ErrRemoteProcessor = errors.New("job type is processed by another service")

// Remote returns a registry that knows types without processing them, for
// processes that only enqueue.
func Remote(types ...domain.JobType) (*Registry, error) {
	ps := make([]Processor, len(types))
	for i, t := range types {
		ps[i] = ProcessorFunc{JobType: t, Fn: func(context.Context, domain.Job) error { return ErrRemoteProcessor }}
	}
	return NewRegistry(ps...)
}

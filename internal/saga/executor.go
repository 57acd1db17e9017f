package saga

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/samuelmjordan/hosting-platform-api/internal/catalog"
	"github.com/samuelmjordan/hosting-platform-api/internal/logging"
)

// Catalog resolves the placement a context refers to.
type Catalog interface {
	Specification(id string) (catalog.Specification, error)
	Region(id string) (catalog.Region, error)
}

type Deps struct {
	Store     ContextStore
	Cloud     CloudService
	DNS       DNSService
	Panel     PanelService
	Dedicated DedicatedAllocator
	Catalog   Catalog
	Logger    *zap.Logger
	Observer  StepObserver

	NodeReadyTimeout time.Duration
	ServerPort       int
}

// Executor is the entry point other subsystems use: they build or load a
// context and hand it over without knowing the shape of the graph.
type Executor struct {
	transitions *TransitionService
}

// New builds the step table once and returns an executor over it.
func New(d Deps) (*Executor, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("saga: context store is required")
	case d.Cloud == nil || d.DNS == nil || d.Panel == nil:
		return nil, errors.New("saga: cloud, dns and panel services are required")
	case d.Catalog == nil:
		return nil, errors.New("saga: catalog is required")
	}
	if d.Dedicated == nil {
		d.Dedicated = NoDedicatedCapacity{}
	}
	if d.NodeReadyTimeout <= 0 {
		d.NodeReadyTimeout = 5 * time.Minute
	}
	if d.ServerPort == 0 {
		d.ServerPort = 25565
	}
	log := logging.OrNop(d.Logger).With(zap.String("component", "saga"))

	t := newTransitionService(d.Store, log, d.Observer)
	base := &stepDeps{
		t:                t,
		cloud:            d.Cloud,
		dns:              d.DNS,
		panel:            d.Panel,
		dedicated:        d.Dedicated,
		catalog:          d.Catalog,
		nodeReadyTimeout: d.NodeReadyTimeout,
		serverPort:       d.ServerPort,
	}
	t.register(
		newStep{base},
		tryAllocateDedicatedNodeStep{base},
		allocateCloudNodeStep{base},
		nodeARecordStep{base},
		pterodactylNodeStep{base},
		configureNodeStep{base},
		pterodactylAllocationStep{base},
		pterodactylServerStep{base},
		transferDataStep{base},
		cNameRecordStep{base},
		startServerStep{base},
		createSubuserStep{base},
		finaliseStep{base},
		readyStep{base},
	)
	return &Executor{transitions: t}, nil
}

// Execute runs the chain from ec's persisted step in ec's mode until it
// completes or a step fails. A failure is returned as *StepError after the
// context has been recorded as FAILED.
func (e *Executor) Execute(ctx context.Context, ec ExecutionContext) error {
	if ec.SubscriptionID == "" {
		return errors.New("saga: subscription id is required")
	}
	if !ec.StepType.Valid() {
		return errors.Wrapf(ErrUnknownStep, "%q", ec.StepType)
	}
	return e.transitions.execute(ctx, ec)
}

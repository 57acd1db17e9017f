package saga

import "time"

type Mode string

const (
	ModeCreate         Mode = "CREATE"
	ModeDestroy        Mode = "DESTROY"
	ModeMigrateCreate  Mode = "MIGRATE_CREATE"
	ModeMigrateDestroy Mode = "MIGRATE_DESTROY"
)

func (m Mode) IsCreate() bool    { return m == ModeCreate || m == ModeMigrateCreate }
func (m Mode) IsDestroy() bool   { return m == ModeDestroy || m == ModeMigrateDestroy }
func (m Mode) IsMigration() bool { return m == ModeMigrateCreate || m == ModeMigrateDestroy }

func (m Mode) direction() string {
	if m.IsDestroy() {
		return "destroy"
	}
	return "create"
}

type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusFailed     Status = "FAILED"
	StatusComplete   Status = "COMPLETE"
)

// Resources is one slot of provider resource ids. Zero values mean "absent".
type Resources struct {
	DedicatedNodeID int64
	NodeID          int64
	NodeIPv4        string
	ARecordID       string
	ARecordName     string
	PanelNodeID     int64
	AllocationID    int64
	AllocationPort  int
	ServerID        int64
	ServerUID       string
	CNameRecordID   string
}

// Dedicated reports whether the slot is placed on dedicated hardware rather
// than a cloud node.
func (r Resources) Dedicated() bool { return r.DedicatedNodeID != 0 }

func (r Resources) Empty() bool { return r == Resources{} }

// ExecutionContext is the persisted saga state of one subscription. It is a
// value: every transition returns a modified copy and only the
// TransitionService persists it.
type ExecutionContext struct {
	SubscriptionID  string
	Mode            Mode
	StepType        StepType
	Status          Status
	Region          string
	SpecificationID string
	Title           string
	Caption         string
	Subdomain       string
	OwnerEmail      string
	LastError       string
	Current         Resources
	New             Resources
	UpdatedAt       time.Time
}

// NewExecutionContext starts a fresh CREATE saga positioned at NEW.
func NewExecutionContext(subscriptionID, region, specificationID string) ExecutionContext {
	return ExecutionContext{
		SubscriptionID:  subscriptionID,
		Mode:            ModeCreate,
		StepType:        StepNew,
		Status:          StatusIdle,
		Region:          region,
		SpecificationID: specificationID,
	}
}

func (ec ExecutionContext) WithStepType(t StepType) ExecutionContext {
	ec.StepType = t
	return ec
}

func (ec ExecutionContext) WithMode(m Mode) ExecutionContext {
	ec.Mode = m
	return ec
}

func (ec ExecutionContext) WithPlacement(region, specificationID string) ExecutionContext {
	ec.Region = region
	ec.SpecificationID = specificationID
	return ec
}

func (ec ExecutionContext) WithDisplay(title, caption, subdomain, ownerEmail string) ExecutionContext {
	ec.Title = title
	ec.Caption = caption
	ec.Subdomain = subdomain
	ec.OwnerEmail = ownerEmail
	return ec
}

func (ec ExecutionContext) InProgress() ExecutionContext {
	ec.Status = StatusInProgress
	ec.LastError = ""
	return ec
}

func (ec ExecutionContext) Failed(err error) ExecutionContext {
	ec.Status = StatusFailed
	if err != nil {
		ec.LastError = err.Error()
	}
	return ec
}

func (ec ExecutionContext) Completed() ExecutionContext {
	ec.Status = StatusComplete
	ec.LastError = ""
	return ec
}

func (ec ExecutionContext) WithNewDedicatedNode(n DedicatedNode) ExecutionContext {
	ec.New.DedicatedNodeID = n.ID
	ec.New.PanelNodeID = n.PanelNodeID
	ec.New.NodeIPv4 = n.IPv4
	ec.New.ARecordName = n.Hostname
	return ec
}

func (ec ExecutionContext) WithNewNode(n NodeHandle) ExecutionContext {
	ec.New.NodeID = n.ID
	ec.New.NodeIPv4 = n.IPv4
	return ec
}

func (ec ExecutionContext) WithNewARecord(a ARecord) ExecutionContext {
	ec.New.ARecordID = a.ID
	ec.New.ARecordName = a.Name
	return ec
}

func (ec ExecutionContext) WithNewPanelNode(n PanelNode) ExecutionContext {
	ec.New.PanelNodeID = n.ID
	return ec
}

func (ec ExecutionContext) WithNewAllocation(a Allocation) ExecutionContext {
	ec.New.AllocationID = a.ID
	ec.New.AllocationPort = a.Port
	return ec
}

func (ec ExecutionContext) WithNewServer(s PanelServer) ExecutionContext {
	ec.New.ServerID = s.ID
	ec.New.ServerUID = s.UID
	return ec
}

func (ec ExecutionContext) WithNewCNameRecord(c CNameRecord) ExecutionContext {
	ec.New.CNameRecordID = c.ID
	return ec
}

func (ec ExecutionContext) WithCurrentCNameRecord(c CNameRecord) ExecutionContext {
	ec.Current.CNameRecordID = c.ID
	return ec
}

// Promote makes every populated new id authoritative and clears the new slot.
// Ids without a replacement (the CNAME during a migration) stay current.
func (ec ExecutionContext) Promote() ExecutionContext {
	n, c := ec.New, &ec.Current
	if n.Dedicated() || n.NodeID != 0 {
		c.DedicatedNodeID, c.NodeID, c.NodeIPv4 = n.DedicatedNodeID, n.NodeID, n.NodeIPv4
	}
	if n.ARecordName != "" {
		c.ARecordID, c.ARecordName = n.ARecordID, n.ARecordName
	}
	if n.PanelNodeID != 0 {
		c.PanelNodeID = n.PanelNodeID
	}
	if n.AllocationID != 0 {
		c.AllocationID, c.AllocationPort = n.AllocationID, n.AllocationPort
	}
	if n.ServerID != 0 {
		c.ServerID, c.ServerUID = n.ServerID, n.ServerUID
	}
	if n.CNameRecordID != "" {
		c.CNameRecordID = n.CNameRecordID
	}
	ec.New = Resources{}
	return ec
}

// retire is applied by destroy steps once the current resource is gone. A
// migration moves the replacement into the current slot; a plain destroy
// clears both slots.
func retire[T comparable](ec ExecutionContext, field func(*Resources) *T) ExecutionContext {
	var zero T
	cur, next := field(&ec.Current), field(&ec.New)
	if ec.Mode == ModeMigrateDestroy {
		*cur = *next
	} else {
		*cur = zero
	}
	*next = zero
	return ec
}

func (ec ExecutionContext) RetireDedicatedNode() ExecutionContext {
	return retire(ec, func(r *Resources) *int64 { return &r.DedicatedNodeID })
}

func (ec ExecutionContext) RetireNode() ExecutionContext {
	ec = retire(ec, func(r *Resources) *int64 { return &r.NodeID })
	return retire(ec, func(r *Resources) *string { return &r.NodeIPv4 })
}

func (ec ExecutionContext) RetireARecord() ExecutionContext {
	ec = retire(ec, func(r *Resources) *string { return &r.ARecordID })
	return retire(ec, func(r *Resources) *string { return &r.ARecordName })
}

func (ec ExecutionContext) RetirePanelNode() ExecutionContext {
	return retire(ec, func(r *Resources) *int64 { return &r.PanelNodeID })
}

func (ec ExecutionContext) RetireAllocation() ExecutionContext {
	ec = retire(ec, func(r *Resources) *int64 { return &r.AllocationID })
	return retire(ec, func(r *Resources) *int { return &r.AllocationPort })
}

func (ec ExecutionContext) RetireServer() ExecutionContext {
	ec = retire(ec, func(r *Resources) *int64 { return &r.ServerID })
	return retire(ec, func(r *Resources) *string { return &r.ServerUID })
}

func (ec ExecutionContext) RetireCNameRecord() ExecutionContext {
	return retire(ec, func(r *Resources) *string { return &r.CNameRecordID })
}

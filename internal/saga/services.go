package saga

import (
	"context"
	"time"

	"github.com/samuelmjordan/hosting-platform-api/internal/catalog"
)

const NodeStatusRunning = "running"

type NodeHandle struct {
	ID   int64
	IPv4 string
}

// CloudService provisions virtual machines. CreateNode returns the existing
// machine when one already carries name.
type CloudService interface {
	CreateNode(ctx context.Context, name string, spec catalog.Specification, region catalog.Region) (NodeHandle, error)
	DeleteNode(ctx context.Context, id int64) error
	WaitForStatus(ctx context.Context, id int64, status string, timeout time.Duration) (bool, error)
}

type ARecord struct {
	ID   string
	Name string
}

type CNameRecord struct {
	ID string
}

// DNSService manages records in the platform zone. CreateARecord owns the
// host <name>.<zone> and reuses a record already holding it.
type DNSService interface {
	CreateARecord(ctx context.Context, name, ip string) (ARecord, error)
	CreateOrUpdateCNameRecord(ctx context.Context, target, subdomain string) (CNameRecord, error)
	DeleteRecord(ctx context.Context, id string) error
}

type PanelNode struct {
	ID int64
}

type Allocation struct {
	ID   int64
	Port int
}

type PanelServer struct {
	ID  int64
	UID string
}

// ServerRequest describes the panel server to build. ExternalID identifies
// it across retries of the same build.
type ServerRequest struct {
	Name       string
	ExternalID string
	Allocation Allocation
	Spec       catalog.Specification
}

// PanelService drives the game panel: nodes, allocations, servers and their
// files. Creates adopt a node with the same FQDN, an allocation on the same
// ip:port and a server with the same external id.
type PanelService interface {
	CreateNode(ctx context.Context, a ARecord, spec catalog.Specification, region catalog.Region) (PanelNode, error)
	ConfigureNode(ctx context.Context, nodeID int64, a ARecord, ipv4 string) error
	CreateAllocation(ctx context.Context, nodeID int64, ip string, port int) (Allocation, error)
	CreateServer(ctx context.Context, req ServerRequest) (PanelServer, error)
	StartServer(ctx context.Context, uid string) error
	CreateSubuser(ctx context.Context, uid, email string) error
	DestroyNode(ctx context.Context, id int64) error
	DestroyServer(ctx context.Context, id int64) error
	DestroyAllocation(ctx context.Context, nodeID, allocationID int64) error
	TransferFiles(ctx context.Context, sourceUID, targetUID string) error
}

// DedicatedNode is pre-provisioned hardware already registered with the panel.
type DedicatedNode struct {
	ID          int64
	PanelNodeID int64
	IPv4        string
	Hostname    string
}

// DedicatedAllocator claims and releases dedicated hardware.
type DedicatedAllocator interface {
	TryClaim(ctx context.Context, subscriptionID string, spec catalog.Specification, region catalog.Region) (DedicatedNode, bool, error)
	Release(ctx context.Context, id int64) error
}

// NoDedicatedCapacity never has dedicated hardware to hand out, so every
// subscription is placed on a cloud node.
// TODO: replace with a claim/release protocol once dedicated inventory is tracked.
type NoDedicatedCapacity struct{}

func (NoDedicatedCapacity) TryClaim(context.Context, string, catalog.Specification, catalog.Region) (DedicatedNode, bool, error) {
	return DedicatedNode{}, false, nil
}

func (NoDedicatedCapacity) Release(context.Context, int64) error { return nil }

// ContextStore persists execution contexts. SaveContext upserts the row and
// records an audit transition in one transaction.
type ContextStore interface {
	SaveContext(ctx context.Context, ec ExecutionContext, note string) error
	DeleteContext(ctx context.Context, subscriptionID string) error
}

package saga

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/samuelmjordan/hosting-platform-api/internal/catalog"
)

type stepDeps struct {
	t                *TransitionService
	cloud            CloudService
	dns              DNSService
	panel            PanelService
	dedicated        DedicatedAllocator
	catalog          Catalog
	nodeReadyTimeout time.Duration
	serverPort       int
}

func (d *stepDeps) placement(ec ExecutionContext) (catalog.Specification, catalog.Region, error) {
	spec, err := d.catalog.Specification(ec.SpecificationID)
	if err != nil {
		return catalog.Specification{}, catalog.Region{}, err
	}
	region, err := d.catalog.Region(ec.Region)
	if err != nil {
		return catalog.Specification{}, catalog.Region{}, err
	}
	return spec, region, nil
}

// resourceName is stable across resumes of the same build and differs from
// the chain it replaces. Providers look it up before creating, so a create
// whose id was never persisted is adopted on resume.
func resourceName(ec ExecutionContext) string {
	var b strings.Builder
	for _, r := range strings.ToLower(ec.SubscriptionID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	id := strings.Trim(b.String(), "-")
	if len(id) > 40 {
		id = id[:40]
	}
	seed := ec.Region + "/" + ec.SpecificationID + "/" + strconv.FormatInt(ec.Current.NodeID, 10) + "/" + strconv.FormatInt(ec.Current.DedicatedNodeID, 10)
	return fmt.Sprintf("gs-%s-%08x", id, uint32(xxhash.Sum64String(seed)))
}

type newStep struct{ *stepDeps }

func (newStep) Type() StepType { return StepNew }

func (s newStep) Create(ctx context.Context, ec ExecutionContext) error {
	return s.t.PersistAndProgress(ctx, ec, StepNew.Next())
}

func (s newStep) Destroy(ctx context.Context, ec ExecutionContext) error {
	return s.t.PersistAndComplete(ctx, ec)
}

type tryAllocateDedicatedNodeStep struct{ *stepDeps }

func (tryAllocateDedicatedNodeStep) Type() StepType { return StepTryAllocateDedicatedNode }

func (s tryAllocateDedicatedNodeStep) Create(ctx context.Context, ec ExecutionContext) error {
	if !ec.New.Dedicated() && ec.New.NodeID == 0 {
		spec, region, err := s.placement(ec)
		if err != nil {
			return err
		}
		node, ok, err := s.dedicated.TryClaim(ctx, ec.SubscriptionID, spec, region)
		if err != nil {
			return errors.Wrap(err, "claim dedicated node")
		}
		if ok {
			ec = ec.WithNewDedicatedNode(node)
		}
	}
	return s.t.PersistAndProgress(ctx, ec, StepAllocateCloudNode)
}

func (s tryAllocateDedicatedNodeStep) Destroy(ctx context.Context, ec ExecutionContext) error {
	ids := []int64{ec.Current.DedicatedNodeID}
	if ec.Mode == ModeDestroy {
		ids = append(ids, ec.New.DedicatedNodeID)
	}
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if err := s.dedicated.Release(ctx, id); err != nil {
			return errors.Wrapf(err, "release dedicated node %d", id)
		}
	}
	return s.t.PersistAndProgress(ctx, ec.RetireDedicatedNode(), StepNew)
}

type allocateCloudNodeStep struct{ *stepDeps }

func (allocateCloudNodeStep) Type() StepType { return StepAllocateCloudNode }

func (s allocateCloudNodeStep) Create(ctx context.Context, ec ExecutionContext) error {
	if ec.New.Dedicated() {
		return s.t.PersistAndProgress(ctx, ec, StepNodeARecord)
	}
	if ec.New.NodeID == 0 {
		spec, region, err := s.placement(ec)
		if err != nil {
			return err
		}
		node, err := s.cloud.CreateNode(ctx, resourceName(ec), spec, region)
		if err != nil {
			return errors.Wrap(err, "create cloud node")
		}
		ec = ec.WithNewNode(node)
	}
	ready, err := s.cloud.WaitForStatus(ctx, ec.New.NodeID, NodeStatusRunning, s.nodeReadyTimeout)
	if err != nil {
		return errors.Wrapf(err, "wait for cloud node %d", ec.New.NodeID)
	}
	if !ready {
		return errors.Errorf("cloud node %d not %s after %s", ec.New.NodeID, NodeStatusRunning, s.nodeReadyTimeout)
	}
	return s.t.PersistAndProgress(ctx, ec, StepNodeARecord)
}

func (s allocateCloudNodeStep) Destroy(ctx context.Context, ec ExecutionContext) error {
	ids := []int64{ec.Current.NodeID}
	if ec.Mode == ModeDestroy {
		ids = append(ids, ec.New.NodeID)
	}
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if err := s.cloud.DeleteNode(ctx, id); err != nil {
			return errors.Wrapf(err, "delete cloud node %d", id)
		}
	}
	return s.t.PersistAndProgress(ctx, ec.RetireNode(), StepTryAllocateDedicatedNode)
}

type nodeARecordStep struct{ *stepDeps }

func (nodeARecordStep) Type() StepType { return StepNodeARecord }

func (s nodeARecordStep) Create(ctx context.Context, ec ExecutionContext) error {
	if ec.New.Dedicated() {
		return s.t.PersistAndProgress(ctx, ec, StepPterodactylNode)
	}
	if ec.New.ARecordID == "" {
		if ec.New.NodeIPv4 == "" {
			return missing("node ipv4")
		}
		a, err := s.dns.CreateARecord(ctx, resourceName(ec), ec.New.NodeIPv4)
		if err != nil {
			return errors.Wrap(err, "create A record")
		}
		ec = ec.WithNewARecord(a)
	}
	return s.t.PersistAndProgress(ctx, ec, StepPterodactylNode)
}

func (s nodeARecordStep) Destroy(ctx context.Context, ec ExecutionContext) error {
	ids := []string{ec.Current.ARecordID}
	if ec.Mode == ModeDestroy {
		ids = append(ids, ec.New.ARecordID)
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := s.dns.DeleteRecord(ctx, id); err != nil {
			return errors.Wrapf(err, "delete A record %s", id)
		}
	}
	return s.t.PersistAndProgress(ctx, ec.RetireARecord(), StepAllocateCloudNode)
}

type pterodactylNodeStep struct{ *stepDeps }

func (pterodactylNodeStep) Type() StepType { return StepPterodactylNode }

func (s pterodactylNodeStep) Create(ctx context.Context, ec ExecutionContext) error {
	if ec.New.Dedicated() {
		return s.t.PersistAndProgress(ctx, ec, StepConfigureNode)
	}
	if ec.New.PanelNodeID == 0 {
		if ec.New.ARecordName == "" {
			return missing("A record")
		}
		spec, region, err := s.placement(ec)
		if err != nil {
			return err
		}
		node, err := s.panel.CreateNode(ctx, ARecord{ID: ec.New.ARecordID, Name: ec.New.ARecordName}, spec, region)
		if err != nil {
			return errors.Wrap(err, "create panel node")
		}
		ec = ec.WithNewPanelNode(node)
	}
	return s.t.PersistAndProgress(ctx, ec, StepConfigureNode)
}

// Destroy keeps panel nodes that belong to dedicated hardware; only their
// slot is released.
func (s pterodactylNodeStep) Destroy(ctx context.Context, ec ExecutionContext) error {
	var ids []int64
	if !ec.Current.Dedicated() {
		ids = append(ids, ec.Current.PanelNodeID)
	}
	if ec.Mode == ModeDestroy && !ec.New.Dedicated() {
		ids = append(ids, ec.New.PanelNodeID)
	}
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if err := s.panel.DestroyNode(ctx, id); err != nil {
			return errors.Wrapf(err, "destroy panel node %d", id)
		}
	}
	return s.t.PersistAndProgress(ctx, ec.RetirePanelNode(), StepNodeARecord)
}

type configureNodeStep struct{ *stepDeps }

func (configureNodeStep) Type() StepType { return StepConfigureNode }

func (s configureNodeStep) Create(ctx context.Context, ec ExecutionContext) error {
	if ec.New.Dedicated() {
		return s.t.PersistAndProgress(ctx, ec, StepPterodactylAllocation)
	}
	switch {
	case ec.New.PanelNodeID == 0:
		return missing("panel node")
	case ec.New.ARecordName == "":
		return missing("A record")
	}
	a := ARecord{ID: ec.New.ARecordID, Name: ec.New.ARecordName}
	if err := s.panel.ConfigureNode(ctx, ec.New.PanelNodeID, a, ec.New.NodeIPv4); err != nil {
		return errors.Wrapf(err, "configure panel node %d", ec.New.PanelNodeID)
	}
	return s.t.PersistAndProgress(ctx, ec, StepPterodactylAllocation)
}

func (s configureNodeStep) Destroy(ctx context.Context, ec ExecutionContext) error {
	return s.t.redirect(ctx, ec, StepPterodactylNode, "node configuration is removed with its panel node")
}

package saga

import (
	"context"

	"github.com/pkg/errors"
)

type pterodactylAllocationStep struct{ *stepDeps }

func (pterodactylAllocationStep) Type() StepType { return StepPterodactylAllocation }

func (s pterodactylAllocationStep) Create(ctx context.Context, ec ExecutionContext) error {
	if ec.New.AllocationID == 0 {
		switch {
		case ec.New.PanelNodeID == 0:
			return missing("panel node")
		case ec.New.NodeIPv4 == "":
			return missing("node ipv4")
		}
		alloc, err := s.panel.CreateAllocation(ctx, ec.New.PanelNodeID, ec.New.NodeIPv4, s.serverPort)
		if err != nil {
			return errors.Wrap(err, "create allocation")
		}
		ec = ec.WithNewAllocation(alloc)
	}
	return s.t.PersistAndProgress(ctx, ec, StepPterodactylServer)
}

func (s pterodactylAllocationStep) Destroy(ctx context.Context, ec ExecutionContext) error {
	type target struct{ node, alloc int64 }
	targets := []target{{ec.Current.PanelNodeID, ec.Current.AllocationID}}
	if ec.Mode == ModeDestroy {
		targets = append(targets, target{ec.New.PanelNodeID, ec.New.AllocationID})
	}
	for _, tg := range targets {
		if tg.alloc == 0 {
			continue
		}
		if tg.node == 0 {
			return missing("panel node for allocation")
		}
		if err := s.panel.DestroyAllocation(ctx, tg.node, tg.alloc); err != nil {
			return errors.Wrapf(err, "destroy allocation %d", tg.alloc)
		}
	}
	return s.t.PersistAndProgress(ctx, ec.RetireAllocation(), StepConfigureNode)
}

type pterodactylServerStep struct{ *stepDeps }

func (pterodactylServerStep) Type() StepType { return StepPterodactylServer }

func (s pterodactylServerStep) Create(ctx context.Context, ec ExecutionContext) error {
	if ec.New.ServerID == 0 {
		if ec.New.AllocationID == 0 {
			return missing("allocation")
		}
		spec, err := s.catalog.Specification(ec.SpecificationID)
		if err != nil {
			return err
		}
		name := ec.Title
		if name == "" {
			name = resourceName(ec)
		}
		server, err := s.panel.CreateServer(ctx, ServerRequest{
			Name:       name,
			ExternalID: resourceName(ec),
			Allocation: Allocation{ID: ec.New.AllocationID, Port: ec.New.AllocationPort},
			Spec:       spec,
		})
		if err != nil {
			return errors.Wrap(err, "create panel server")
		}
		ec = ec.WithNewServer(server)
	}
	return s.t.PersistAndProgress(ctx, ec, StepTransferData)
}

func (s pterodactylServerStep) Destroy(ctx context.Context, ec ExecutionContext) error {
	ids := []int64{ec.Current.ServerID}
	if ec.Mode == ModeDestroy {
		ids = append(ids, ec.New.ServerID)
	}
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if err := s.panel.DestroyServer(ctx, id); err != nil {
			return errors.Wrapf(err, "destroy panel server %d", id)
		}
	}
	return s.t.PersistAndProgress(ctx, ec.RetireServer(), StepPterodactylAllocation)
}

// transferDataStep copies the live server's files onto the replacement
// before the replacement starts. It only acts during a migration.
type transferDataStep struct{ *stepDeps }

func (transferDataStep) Type() StepType { return StepTransferData }

func (s transferDataStep) Create(ctx context.Context, ec ExecutionContext) error {
	if ec.Mode == ModeMigrateCreate && ec.Current.ServerUID != "" {
		if ec.New.ServerUID == "" {
			return missing("new panel server")
		}
		if err := s.panel.TransferFiles(ctx, ec.Current.ServerUID, ec.New.ServerUID); err != nil {
			return errors.Wrapf(err, "transfer files %s -> %s", ec.Current.ServerUID, ec.New.ServerUID)
		}
	}
	return s.t.PersistAndProgress(ctx, ec, StepCNameRecord)
}

func (s transferDataStep) Destroy(ctx context.Context, ec ExecutionContext) error {
	return s.t.PersistAndProgress(ctx, ec, StepPterodactylServer)
}

type cNameRecordStep struct{ *stepDeps }

func (cNameRecordStep) Type() StepType { return StepCNameRecord }

// Create leaves an existing public record alone during a migration; it is
// repointed when the old chain is torn down.
func (s cNameRecordStep) Create(ctx context.Context, ec ExecutionContext) error {
	if ec.Mode == ModeMigrateCreate && ec.Current.CNameRecordID != "" {
		return s.t.PersistAndProgress(ctx, ec, StepStartServer)
	}
	if ec.New.CNameRecordID == "" {
		if ec.New.ARecordName == "" {
			return missing("A record")
		}
		c, err := s.dns.CreateOrUpdateCNameRecord(ctx, ec.New.ARecordName, ec.Subdomain)
		if err != nil {
			return errors.Wrap(err, "create CNAME record")
		}
		ec = ec.WithNewCNameRecord(c)
	}
	return s.t.PersistAndProgress(ctx, ec, StepStartServer)
}

func (s cNameRecordStep) Destroy(ctx context.Context, ec ExecutionContext) error {
	if ec.Mode == ModeMigrateDestroy {
		if ec.New.ARecordName == "" {
			return missing("replacement A record")
		}
		c, err := s.dns.CreateOrUpdateCNameRecord(ctx, ec.New.ARecordName, ec.Subdomain)
		if err != nil {
			return errors.Wrap(err, "repoint CNAME record")
		}
		ec = ec.WithCurrentCNameRecord(c)
		ec.New.CNameRecordID = ""
		return s.t.PersistAndProgress(ctx, ec, StepTransferData)
	}

	ids := []string{ec.Current.CNameRecordID}
	if ec.New.CNameRecordID != ec.Current.CNameRecordID {
		ids = append(ids, ec.New.CNameRecordID)
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := s.dns.DeleteRecord(ctx, id); err != nil {
			return errors.Wrapf(err, "delete CNAME record %s", id)
		}
	}
	return s.t.PersistAndProgress(ctx, ec.RetireCNameRecord(), StepTransferData)
}

type startServerStep struct{ *stepDeps }

func (startServerStep) Type() StepType { return StepStartServer }

func (s startServerStep) Create(ctx context.Context, ec ExecutionContext) error {
	if ec.New.ServerUID == "" {
		return missing("panel server")
	}
	if err := s.panel.StartServer(ctx, ec.New.ServerUID); err != nil {
		return errors.Wrapf(err, "start server %s", ec.New.ServerUID)
	}
	return s.t.PersistAndProgress(ctx, ec, StepCreateSubuser)
}

func (s startServerStep) Destroy(ctx context.Context, ec ExecutionContext) error {
	return s.t.PersistAndProgress(ctx, ec, StepCNameRecord)
}

type createSubuserStep struct{ *stepDeps }

func (createSubuserStep) Type() StepType { return StepCreateSubuser }

func (s createSubuserStep) Create(ctx context.Context, ec ExecutionContext) error {
	if ec.OwnerEmail != "" {
		if ec.New.ServerUID == "" {
			return missing("panel server")
		}
		if err := s.panel.CreateSubuser(ctx, ec.New.ServerUID, ec.OwnerEmail); err != nil {
			return errors.Wrap(err, "create subuser")
		}
	}
	return s.t.PersistAndProgress(ctx, ec, StepFinalise)
}

func (s createSubuserStep) Destroy(ctx context.Context, ec ExecutionContext) error {
	return s.t.redirect(ctx, ec, StepStartServer, "subusers are removed with their server")
}

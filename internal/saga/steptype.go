package saga

type StepType string

const (
	StepNew                      StepType = "NEW"
	StepTryAllocateDedicatedNode StepType = "TRY_ALLOCATE_DEDICATED_NODE"
	StepAllocateCloudNode        StepType = "ALLOCATE_CLOUD_NODE"
	StepNodeARecord              StepType = "NODE_A_RECORD"
	StepPterodactylNode          StepType = "PTERODACTYL_NODE"
	StepConfigureNode            StepType = "CONFIGURE_NODE"
	StepPterodactylAllocation    StepType = "PTERODACTYL_ALLOCATION"
	StepPterodactylServer        StepType = "PTERODACTYL_SERVER"
	StepTransferData             StepType = "TRANSFER_DATA"
	StepCNameRecord              StepType = "C_NAME_RECORD"
	StepStartServer              StepType = "START_SERVER"
	StepCreateSubuser            StepType = "CREATE_SUBUSER"
	StepFinalise                 StepType = "FINALISE"
	StepReady                    StepType = "READY"
)

// Graph is the fixed build order. Destroy walks it backwards.
var Graph = []StepType{
	StepNew,
	StepTryAllocateDedicatedNode,
	StepAllocateCloudNode,
	StepNodeARecord,
	StepPterodactylNode,
	StepConfigureNode,
	StepPterodactylAllocation,
	StepPterodactylServer,
	StepTransferData,
	StepCNameRecord,
	StepStartServer,
	StepCreateSubuser,
	StepFinalise,
	StepReady,
}

func (t StepType) index() int {
	for i, s := range Graph {
		if s == t {
			return i
		}
	}
	return -1
}

// Valid reports whether t is part of the graph.
func (t StepType) Valid() bool { return t.index() >= 0 }

// Next is the successor used by create. READY is its own successor.
func (t StepType) Next() StepType {
	i := t.index()
	if i < 0 || i == len(Graph)-1 {
		return t
	}
	return Graph[i+1]
}

// Previous is the predecessor used by destroy. NEW is its own predecessor.
func (t StepType) Previous() StepType {
	i := t.index()
	if i <= 0 {
		return t
	}
	return Graph[i-1]
}

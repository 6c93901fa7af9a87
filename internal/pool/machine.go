package pool

// Machine is one running instance of the managed group as seen by the
// registry. Address is unique within a Registry.
type Machine struct {
	// Address is the network address callers connect to. Registry key.
	Address string

	// InstanceID is the cloud identity of the instance, retained from the
	// last reconciliation so decommission can be addressed by Address.
	InstanceID string

	// Allocated is true once the machine has been handed to a workload.
	Allocated bool

	// Workload identifies the project the machine is bound to. Empty while
	// idle.
	Workload string
}

// Counts summarises the registry.
type Counts struct {
	Total int
	Idle  int
	Used  int
}

// Status is a point-in-time copy of the registry.
type Status struct {
	Counts
	Machines []Machine
}

// Claim is the outcome of a successful AllocateIdle: the machine that was
// marked, the registry counts right after marking, and the allocation's
// position in the order allocations were committed.
type Claim struct {
	Machine Machine
	Counts  Counts
	Seq     uint64
}

// Package pool implements the warm machine pool: an in-memory registry of
// machines drawn from a cloud-managed instance group, a reconciler that keeps
// the registry aligned with the group, and an engine that allocates idle
// machines to projects while keeping a buffer of idle machines warm.
//
// # Architecture
//
//	┌───────────────────────────────────────────────┐
//	│                     POOL                      │
//	├───────────────────────────────────────────────┤
//	│  Reconciler (every 10s)                       │
//	│    ListInstanceIDs, DescribeInstances         │
//	│          │ ReplaceAll                         │
//	│          ▼                                    │
//	│    ┌────────────┐         ┌───────────────┐   │
//	│    │  Registry  │◀────────│    Engine     │   │
//	│    │ addr → VM  │ claim   │  Allocate     │   │
//	│    └────────────┘         │  Destroy      │   │
//	│          ▲                │  Snapshot     │   │
//	│          └── Snapshot ────┤               │   │
//	│                           └───────────────┘   │
//	│    SetDesiredCapacity, TerminateInstance      │
//	└───────────────────────────────────────────────┘
//
// # Registry
//
// The registry holds one Machine per address, ordered by address. Machines
// are created and removed only by reconciliation (Registry.ReplaceAll). The
// engine only flips Allocated and sets Workload. Allocation state survives a
// reconciliation for every address that is still running.
//
// # Reconciliation
//
// Each pass lists the group members, describes them, keeps the instances in
// the "running" state that have an address, and replaces the registry
// contents. A failed or timed out pass leaves the registry untouched; the
// next tick retries. An empty group empties the registry, dropping any
// allocations on machines that disappeared.
//
// # Allocation
//
// Allocate picks the idle machine with the lowest address, marks it, and
// computes
//
//	desired = total + max(0, buffer - idleAfter)
//
// with a default buffer of 5. The desired capacity is sent to the group after
// the allocation is committed. A failed capacity request is logged, never
// surfaced, and never undoes the allocation. Capacity requests carry the
// allocation sequence number; one older than a request already sent is
// dropped so concurrent allocations cannot shrink the target.
//
// # Decommission
//
// Destroy terminates an instance and decrements the group's desired capacity.
// It accepts an instance ID or a tracked address. The registry entry goes away
// on the next reconciliation that no longer sees the instance running.
//
// # Concurrency
//
// The registry is the only shared mutable state and sits behind one
// sync.RWMutex. Select-and-mark and carry-forward-and-replace each run inside
// a single critical section. Cloud calls never run under the registry lock
// and always run under a timeout.
package pool

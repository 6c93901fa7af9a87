// Package pool implements the warm machine pool. See doc.go for complete package documentation.
package pool

import (
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// Registry is the in-memory set of known machines and their allocation
// state. It is the only shared mutable state of the orchestrator.
//
// Machines are kept ordered by address. The order is what makes idle
// selection stable: AllocateIdle always hands out the idle machine with the
// lowest address.
//
// Concurrency Model:
//   - One RWMutex guards everything
//   - Read-then-write sequences (select+mark, carry-forward+replace) run
//     inside a single critical section
//   - Returned Machines are copies
//   - No lock is held during cloud calls; callers do those outside
type Registry struct {
	// machines is ordered by Address, with no duplicates.
	machines []*Machine

	// mu protects machines and seq.
	mu sync.RWMutex

	// seq counts committed allocations.
	seq uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// List returns a copy of every machine, ordered by address.
func (r *Registry) List() []Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyLocked(func(*Machine) bool { return true })
}

// Idle returns a copy of every unallocated machine, ordered by address.
func (r *Registry) Idle() []Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyLocked(func(m *Machine) bool { return !m.Allocated })
}

// Counts returns the total, idle and used machine counts.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countsLocked()
}

// Snapshot returns counts and machines read under one lock, so the two always
// agree.
func (r *Registry) Snapshot() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{
		Counts:   r.countsLocked(),
		Machines: r.copyLocked(func(*Machine) bool { return true }),
	}
}

// InstanceID returns the cloud identity recorded for address.
func (r *Registry) InstanceID(address string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m := r.findLocked(address); m != nil {
		return m.InstanceID, true
	}
	return "", false
}

// ReplaceAll swaps the registry contents for candidates, the machines that
// reconciliation observed running.
//
// For every candidate whose address is already tracked, Allocated and
// Workload are carried forward from the tracked machine; all other
// candidates start idle. Allocation fields on the candidates themselves are
// ignored. When two candidates share an address the later one wins.
//
// The carry-forward is read under the same lock as the write, so an
// allocation committed while the caller was talking to the cloud survives.
//
// Parameters:
//   - candidates: running machines with non-empty addresses
//
// Returns:
//   - added: addresses that were not tracked before
//   - removed: tracked addresses absent from candidates
func (r *Registry) ReplaceAll(candidates []Machine) (added, removed int) {
	byAddr := make(map[string]Machine, len(candidates))
	for _, c := range candidates {
		if c.Address == "" {
			continue
		}
		byAddr[c.Address] = Machine{Address: c.Address, InstanceID: c.InstanceID}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]*Machine, 0, len(byAddr))
	for addr, c := range byAddr {
		if prev := r.findLocked(addr); prev != nil {
			c.Allocated = prev.Allocated
			c.Workload = prev.Workload
		} else {
			added++
		}
		next = append(next, &c)
	}
	for _, m := range r.machines {
		if _, ok := byAddr[m.Address]; !ok {
			removed++
		}
	}

	slices.SortFunc(next, func(a, b *Machine) int { return strings.Compare(a.Address, b.Address) })
	r.machines = next
	return added, removed
}

// MarkAllocated binds the machine at address to workload.
//
// Returns true only when the machine exists and was idle. A machine that a
// concurrent reconciliation already dropped, or one that is already
// allocated, is left alone and false is returned.
func (r *Registry) MarkAllocated(address, workload string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.findLocked(address)
	if m == nil || m.Allocated {
		return false
	}
	r.markLocked(m, workload)
	return true
}

// AllocateIdle selects the idle machine with the lowest address and binds it
// to workload, in one critical section. Two concurrent callers never receive
// the same machine.
//
// Returns:
//   - Claim with the marked machine, the counts after marking, and the
//     allocation sequence number
//   - ErrNoCapacity when every machine is allocated or the registry is empty
func (r *Registry) AllocateIdle(workload string) (Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.machines, func(m *Machine) bool { return !m.Allocated })
	if i < 0 {
		return Claim{}, ErrNoCapacity
	}
	m := r.machines[i]
	r.markLocked(m, workload)

	return Claim{
		Machine: *m,
		Counts:  r.countsLocked(),
		Seq:     r.seq,
	}, nil
}

func (r *Registry) markLocked(m *Machine, workload string) {
	m.Allocated = true
	m.Workload = workload
	r.seq++
}

func (r *Registry) findLocked(address string) *Machine {
	i, ok := slices.BinarySearchFunc(r.machines, address, func(m *Machine, addr string) int {
		return strings.Compare(m.Address, addr)
	})
	if !ok {
		return nil
	}
	return r.machines[i]
}

func (r *Registry) countsLocked() Counts {
	c := Counts{Total: len(r.machines)}
	for _, m := range r.machines {
		if m.Allocated {
			c.Used++
		}
	}
	c.Idle = c.Total - c.Used
	return c
}

func (r *Registry) copyLocked(keep func(*Machine) bool) []Machine {
	out := make([]Machine, 0, len(r.machines))
	for _, m := range r.machines {
		if keep(m) {
			out = append(out, *m)
		}
	}
	return out
}

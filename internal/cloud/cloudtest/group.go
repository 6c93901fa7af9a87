// Package cloudtest provides an in-memory managed instance group that
// implements cloud.InstanceGroup and cloud.Describer for tests.
package cloudtest

import (
	"context"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/orchestrator/internal/cloud"
)

// Group is a fake managed instance group. Errors set on the exported fields
// are returned by the matching call until cleared. Safe for concurrent use.
type Group struct {
	mu        sync.Mutex
	instances []cloud.Instance
	desired   int

	scaleCalls     []int
	terminateCalls []string
	listCalls      int

	ListErr      error
	DescribeErr  error
	ScaleErr     error
	TerminateErr error
}

// NewGroup returns a group holding the given instances with desired
// capacity equal to their count.
func NewGroup(instances ...cloud.Instance) *Group {
	return &Group{
		instances: append([]cloud.Instance(nil), instances...),
		desired:   len(instances),
	}
}

// Running builds a running instance with a public address.
func Running(id, addr string) cloud.Instance {
	return cloud.Instance{ID: id, State: cloud.StateRunning, PublicAddress: addr}
}

// Add appends instances to the group.
func (g *Group) Add(instances ...cloud.Instance) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.instances = append(g.instances, instances...)
}

// Remove drops an instance from the group entirely.
func (g *Group) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.instances = slices.DeleteFunc(g.instances, func(in cloud.Instance) bool { return in.ID == id })
}

// SetState changes the lifecycle state of an instance.
func (g *Group) SetState(id, state string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.instances {
		if g.instances[i].ID == id {
			g.instances[i].State = state
		}
	}
}

// SetErrors replaces all injected errors under the group lock.
func (g *Group) SetErrors(list, describe, scale, terminate error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ListErr, g.DescribeErr, g.ScaleErr, g.TerminateErr = list, describe, scale, terminate
}

// Desired returns the last accepted desired capacity.
func (g *Group) Desired() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.desired
}

// ScaleCalls returns every SetDesiredCapacity value received, including
// rejected ones.
func (g *Group) ScaleCalls() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.scaleCalls...)
}

// TerminateCalls returns every instance ID passed to TerminateInstance.
func (g *Group) TerminateCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.terminateCalls...)
}

// ListCalls returns how many times ListInstanceIDs was called.
func (g *Group) ListCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listCalls
}

// ListInstanceIDs returns the IDs of every member in any state.
func (g *Group) ListInstanceIDs(ctx context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listCalls++
	if g.ListErr != nil {
		return nil, g.ListErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(g.instances))
	for _, in := range g.instances {
		ids = append(ids, in.ID)
	}
	return ids, nil
}

// DescribeInstances returns the members whose IDs are in ids.
func (g *Group) DescribeInstances(ctx context.Context, ids []string) ([]cloud.Instance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.DescribeErr != nil {
		return nil, g.DescribeErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []cloud.Instance
	for _, in := range g.instances {
		if slices.Contains(ids, in.ID) {
			out = append(out, in)
		}
	}
	return out, nil
}

// SetDesiredCapacity records n and, unless ScaleErr is set, accepts it.
func (g *Group) SetDesiredCapacity(_ context.Context, n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scaleCalls = append(g.scaleCalls, n)
	if g.ScaleErr != nil {
		return g.ScaleErr
	}
	g.desired = n
	return nil
}

// TerminateInstance marks the instance terminated so the next describe no
// longer reports it running.
func (g *Group) TerminateInstance(_ context.Context, instanceID string, decrement bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.terminateCalls = append(g.terminateCalls, instanceID)
	if g.TerminateErr != nil {
		return g.TerminateErr
	}
	for i := range g.instances {
		if g.instances[i].ID == instanceID {
			g.instances[i].State = "terminated"
		}
	}
	if decrement && g.desired > 0 {
		g.desired--
	}
	return nil
}

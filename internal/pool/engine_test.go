package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dreamware/orchestrator/internal/cloud/cloudtest"
	"github.com/dreamware/orchestrator/internal/events"
	"github.com/dreamware/orchestrator/internal/metrics"
)

// newTestEngine returns an engine whose registry already reflects g.
func newTestEngine(t *testing.T, g *cloudtest.Group, opts EngineOptions) (*Engine, *Registry) {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, NewReconciler(reg, g, g, ReconcilerOptions{}).Reconcile(context.Background()))
	e := NewEngine(reg, g, opts)
	t.Cleanup(e.Flush)
	return e, reg
}

func TestDesiredCapacity(t *testing.T) {
	tests := []struct {
		name   string
		counts Counts
		buffer int
		want   int
	}{
		{name: "buffer depleted by one", counts: Counts{Total: 2, Idle: 1, Used: 1}, buffer: 5, want: 6},
		{name: "no idle left", counts: Counts{Total: 2, Idle: 0, Used: 2}, buffer: 5, want: 7},
		{name: "buffer exactly met", counts: Counts{Total: 9, Idle: 5, Used: 4}, buffer: 5, want: 9},
		{name: "buffer exceeded never shrinks", counts: Counts{Total: 12, Idle: 8, Used: 4}, buffer: 5, want: 12},
		{name: "zero buffer", counts: Counts{Total: 3, Idle: 0, Used: 3}, buffer: 0, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DesiredCapacity(tt.counts, tt.buffer))
		})
	}
}

// TestAllocateScenario walks two idle machines through three allocations.
func TestAllocateScenario(t *testing.T) {
	g := cloudtest.NewGroup(cloudtest.Running("i-a", "A"), cloudtest.Running("i-b", "B"))
	e, reg := newTestEngine(t, g, EngineOptions{BufferTarget: DefaultBufferTarget})
	ctx := context.Background()

	first, err := e.Allocate(ctx, "proj1")
	require.NoError(t, err)
	assert.Contains(t, []string{"A", "B"}, first.Address)
	assert.Equal(t, "proj1", first.Workload)
	assert.Equal(t, 6, first.DesiredCapacity)
	e.Flush()

	second, err := e.Allocate(ctx, "proj2")
	require.NoError(t, err)
	assert.NotEqual(t, first.Address, second.Address)
	assert.Contains(t, []string{"A", "B"}, second.Address)
	assert.Equal(t, 7, second.DesiredCapacity)
	e.Flush()

	_, err = e.Allocate(ctx, "proj3")
	assert.ErrorIs(t, err, ErrNoCapacity)

	assert.Equal(t, []int{6, 7}, g.ScaleCalls())
	assert.Equal(t, 7, g.Desired())

	byAddr := map[string]string{}
	for _, m := range reg.List() {
		assert.True(t, m.Allocated)
		byAddr[m.Address] = m.Workload
	}
	assert.Equal(t, "proj1", byAddr[first.Address])
	assert.Equal(t, "proj2", byAddr[second.Address])
}

// TestAllocateNoForcedGrowth verifies an allocation that leaves the buffer
// intact requests the current total.
func TestAllocateNoForcedGrowth(t *testing.T) {
	var instances []cloudtestInstance
	for i := 0; i < 8; i++ {
		instances = append(instances, cloudtestInstance{id: fmt.Sprintf("i-%d", i), addr: fmt.Sprintf("10.0.0.%d", i)})
	}
	g := groupOf(instances)
	e, _ := newTestEngine(t, g, EngineOptions{BufferTarget: 5})

	a, err := e.Allocate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, 8, a.DesiredCapacity)
	e.Flush()
	assert.Equal(t, []int{8}, g.ScaleCalls())
}

// TestAllocateMaxCapacity verifies the optional cap.
func TestAllocateMaxCapacity(t *testing.T) {
	g := cloudtest.NewGroup(cloudtest.Running("i-a", "A"))
	e, _ := newTestEngine(t, g, EngineOptions{BufferTarget: 5, MaxCapacity: 3})

	a, err := e.Allocate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, 3, a.DesiredCapacity)
	e.Flush()
	assert.Equal(t, []int{3}, g.ScaleCalls())
}

// TestAllocateScaleFailureKeepsAllocation verifies the local commit survives a
// failed capacity request, which is only logged and counted.
func TestAllocateScaleFailureKeepsAllocation(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	g := cloudtest.NewGroup(cloudtest.Running("i-a", "A"))
	m := metrics.New(prometheus.NewRegistry())
	e, reg := newTestEngine(t, g, EngineOptions{BufferTarget: 5, Logger: zap.New(core), Metrics: m})
	g.SetErrors(nil, nil, errors.New("scaling limit"), nil)

	a, err := e.Allocate(context.Background(), "proj")

	require.NoError(t, err)
	assert.Equal(t, "A", a.Address)
	assert.Equal(t, "i-a", a.InstanceID)
	assert.Equal(t, Counts{Total: 1, Used: 1}, reg.Counts())
	e.Flush()
	assert.Equal(t, []int{6}, g.ScaleCalls())
	assert.Len(t, logs.FilterMessage("set desired capacity failed, allocation kept").All(), 1)
}

// TestAllocateMissingWorkload verifies an empty workload is rejected without
// touching the registry or the group.
func TestAllocateMissingWorkload(t *testing.T) {
	g := cloudtest.NewGroup(cloudtest.Running("i-a", "A"))
	e, reg := newTestEngine(t, g, EngineOptions{BufferTarget: 5})

	_, err := e.Allocate(context.Background(), "")

	assert.ErrorIs(t, err, ErrMissingParameter)
	assert.Equal(t, 1, reg.Counts().Idle)
	e.Flush()
	assert.Empty(t, g.ScaleCalls())
}

// TestAllocateEmitsEvent verifies the allocation event and that a publish
// failure does not fail the allocation.
func TestAllocateEmitsEvent(t *testing.T) {
	g := cloudtest.NewGroup(cloudtest.Running("i-a", "A"))
	n := &recordingNotifier{err: errors.New("nats down")}
	e, _ := newTestEngine(t, g, EngineOptions{BufferTarget: 5, Notifier: n})

	_, err := e.Allocate(context.Background(), "proj")

	require.NoError(t, err)
	assert.Equal(t, []string{events.MachineAllocated}, n.kinds())
}

// TestConcurrentAllocate verifies K <= N concurrent allocations receive K
// distinct machines and the group ends at the largest target.
func TestConcurrentAllocate(t *testing.T) {
	const n, k = 30, 30
	var instances []cloudtestInstance
	for i := 0; i < n; i++ {
		instances = append(instances, cloudtestInstance{id: fmt.Sprintf("i-%d", i), addr: fmt.Sprintf("host-%02d", i)})
	}
	g := groupOf(instances)
	e, _ := newTestEngine(t, g, EngineOptions{BufferTarget: 5})

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		addrs = map[string]bool{}
		fails int
	)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := e.Allocate(context.Background(), fmt.Sprintf("p%d", i))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fails++
				return
			}
			addrs[a.Address] = true
		}(i)
	}
	wg.Wait()
	e.Flush()

	assert.Zero(t, fails)
	assert.Len(t, addrs, k)
	// The last committed allocation leaves 0 idle: 30 + 5.
	assert.Equal(t, n+5, g.Desired())
	calls := g.ScaleCalls()
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i], calls[i-1], "capacity requests must never regress")
	}
}

// TestRequestCapacitySkipsStale verifies an older request is dropped once a
// newer one has been accepted.
func TestRequestCapacitySkipsStale(t *testing.T) {
	g := cloudtest.NewGroup()
	e := NewEngine(NewRegistry(), g, EngineOptions{BufferTarget: 5})

	e.requestCapacity(2, 7)
	e.requestCapacity(1, 6)
	e.Flush()

	assert.Equal(t, []int{7}, g.ScaleCalls())
}

// hangingGroup holds every capacity request until its deadline.
type hangingGroup struct {
	*cloudtest.Group
}

func (h hangingGroup) SetDesiredCapacity(ctx context.Context, n int) error {
	<-ctx.Done()
	_ = h.Group.SetDesiredCapacity(ctx, n)
	return ctx.Err()
}

// TestAllocateDoesNotWaitForScaling verifies concurrent allocations return
// without waiting on a stalled group, and that the stalled sender coalesces
// the targets it could not send yet.
func TestAllocateDoesNotWaitForScaling(t *testing.T) {
	const timeout = 200 * time.Millisecond
	var instances []cloudtestInstance
	for i := 0; i < 10; i++ {
		instances = append(instances, cloudtestInstance{id: fmt.Sprintf("i-%d", i), addr: fmt.Sprintf("10.0.0.%d", i)})
	}
	g := groupOf(instances)
	reg := NewRegistry()
	require.NoError(t, NewReconciler(reg, g, g, ReconcilerOptions{}).Reconcile(context.Background()))
	e := NewEngine(reg, hangingGroup{g}, EngineOptions{BufferTarget: 5, Timeout: timeout})

	var (
		wg      sync.WaitGroup
		elapsed [5]time.Duration
	)
	for i := range elapsed {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			_, err := e.Allocate(context.Background(), fmt.Sprintf("p%d", i))
			elapsed[i] = time.Since(start)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for i, d := range elapsed {
		assert.Less(t, d, timeout, "allocation %d waited on the group", i)
	}
	assert.Equal(t, 5, reg.Counts().Used)

	e.Flush()
	calls := g.ScaleCalls()
	require.NotEmpty(t, calls)
	assert.LessOrEqual(t, len(calls), 2, "unsent targets are replaced, not queued")
	for _, c := range calls {
		assert.Equal(t, 10, c)
	}
}

// TestDestroy covers decommission outcomes.
func TestDestroy(t *testing.T) {
	tests := []struct {
		name          string
		machineID     string
		terminateErr  error
		wantErr       error
		wantTerminate []string
		wantID        string
	}{
		{name: "instance id", machineID: "i-b", wantTerminate: []string{"i-b"}, wantID: "i-b"},
		{name: "tracked address", machineID: "A", wantTerminate: []string{"i-a"}, wantID: "i-a"},
		{name: "unknown id passed through", machineID: "i-zzz", wantTerminate: []string{"i-zzz"}, wantID: "i-zzz"},
		{name: "missing id", machineID: "", wantErr: ErrMissingParameter},
		{name: "collaborator failure", machineID: "i-a", terminateErr: errors.New("denied"), wantErr: ErrCollaborator, wantTerminate: []string{"i-a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := cloudtest.NewGroup(cloudtest.Running("i-a", "A"), cloudtest.Running("i-b", "B"))
			e, reg := newTestEngine(t, g, EngineOptions{BufferTarget: 5})
			g.SetErrors(nil, nil, nil, tt.terminateErr)
			before := reg.Snapshot()

			id, err := e.Destroy(context.Background(), tt.machineID)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantID, id)
			}
			assert.Equal(t, tt.wantTerminate, g.TerminateCalls())
			assert.Equal(t, before, reg.Snapshot(), "destroy must not touch the registry")
		})
	}
}

// TestDestroyThenReconcile verifies the machine leaves the registry on the
// next pass and the desired capacity was decremented.
func TestDestroyThenReconcile(t *testing.T) {
	g := cloudtest.NewGroup(cloudtest.Running("i-a", "A"), cloudtest.Running("i-b", "B"))
	reg := NewRegistry()
	rec := NewReconciler(reg, g, g, ReconcilerOptions{})
	require.NoError(t, rec.Reconcile(context.Background()))
	n := &recordingNotifier{}
	e := NewEngine(reg, g, EngineOptions{BufferTarget: 5, Notifier: n})

	_, err := e.Destroy(context.Background(), "i-a")
	require.NoError(t, err)
	assert.Len(t, reg.List(), 2)
	assert.Equal(t, 1, g.Desired())

	require.NoError(t, rec.Reconcile(context.Background()))
	assert.Equal(t, []Machine{{Address: "B", InstanceID: "i-b"}}, reg.List())
	assert.Equal(t, []string{events.MachineDestroyRequested}, n.kinds())
}

// TestSnapshot verifies the status projection.
func TestSnapshot(t *testing.T) {
	g := cloudtest.NewGroup(cloudtest.Running("i-a", "A"), cloudtest.Running("i-b", "B"), cloudtest.Running("i-c", "C"))
	e, _ := newTestEngine(t, g, EngineOptions{BufferTarget: 5})
	_, err := e.Allocate(context.Background(), "proj")
	require.NoError(t, err)

	s := e.Snapshot()

	assert.Equal(t, Counts{Total: 3, Idle: 2, Used: 1}, s.Counts)
	require.Len(t, s.Machines, 3)
	used := 0
	for _, m := range s.Machines {
		if m.Allocated {
			used++
			assert.Equal(t, "proj", m.Workload)
		}
	}
	assert.Equal(t, 1, used)
}

type cloudtestInstance struct{ id, addr string }

func groupOf(in []cloudtestInstance) *cloudtest.Group {
	g := cloudtest.NewGroup()
	for _, i := range in {
		g.Add(cloudtest.Running(i.id, i.addr))
	}
	return g
}

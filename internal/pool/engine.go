package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/dreamware/orchestrator/internal/cloud"
	"github.com/dreamware/orchestrator/internal/events"
	"github.com/dreamware/orchestrator/internal/metrics"
	"github.com/dreamware/orchestrator/internal/tracing"
)

// DefaultBufferTarget is the number of idle machines kept warm.
const DefaultBufferTarget = 5

// EngineOptions configures an Engine.
type EngineOptions struct {
	// BufferTarget is the idle-machine floor. Zero turns off growth on
	// allocation.
	BufferTarget int

	// MaxCapacity caps the desired capacity sent to the group. Zero means
	// no cap.
	MaxCapacity int

	// Timeout bounds each cloud call. Zero takes DefaultCallTimeout.
	Timeout time.Duration

	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Notifier Notifier
}

// Allocation is what a caller needs to use an allocated machine.
type Allocation struct {
	Address         string
	InstanceID      string
	Workload        string
	DesiredCapacity int
}

// Engine hands idle machines to workloads, keeps the group sized for the
// buffer target, and forwards decommission requests.
type Engine struct {
	registry *Registry
	group    cloud.InstanceGroup
	buffer   int
	maxCap   int
	timeout  time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
	notifier Notifier

	// scaleMu guards the pending capacity target. At most one sender
	// goroutine drains it, so targets reach the group in allocation order.
	// lastScaleSeq is the allocation sequence of the newest accepted target.
	scaleMu      sync.Mutex
	scaleIdle    *sync.Cond
	lastScaleSeq uint64
	pending      int
	hasPending   bool
	sending      bool
}

// NewEngine returns an engine over registry and group.
func NewEngine(registry *Registry, group cloud.InstanceGroup, opts EngineOptions) *Engine {
	if opts.BufferTarget < 0 {
		opts.BufferTarget = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	e := &Engine{
		registry: registry,
		group:    group,
		buffer:   opts.BufferTarget,
		maxCap:   opts.MaxCapacity,
		timeout:  opts.Timeout,
		log:      opts.Logger.Named("engine"),
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
	}
	e.scaleIdle = sync.NewCond(&e.scaleMu)
	return e
}

// DesiredCapacity is the group size that restores the idle buffer after an
// allocation left c behind. It never asks the group to shrink.
func DesiredCapacity(c Counts, buffer int) int {
	return c.Total + max(0, buffer-c.Idle)
}

// Allocate binds the first idle machine to workload and asks the group to
// grow back to the buffer target.
//
// The allocation is committed locally and the capacity request is handed to
// a background sender, so Allocate never waits on the group. A target not yet
// sent is replaced by a newer one. A failed capacity request is logged and
// counted; the allocation stands.
//
// Returns ErrMissingParameter for an empty workload and ErrNoCapacity when
// nothing is idle.
func (e *Engine) Allocate(ctx context.Context, workload string) (a Allocation, err error) {
	ctx, span := tracing.Start(ctx, "pool.Allocate", attribute.String("workload", workload))
	defer func() { tracing.End(span, err) }()

	if workload == "" {
		e.metrics.Allocated(metrics.ResultInvalid)
		return Allocation{}, fmt.Errorf("%w: workload id", ErrMissingParameter)
	}

	claim, err := e.registry.AllocateIdle(workload)
	if err != nil {
		if errors.Is(err, ErrNoCapacity) {
			e.metrics.Allocated(metrics.ResultNoIdle)
			e.log.Info("no idle machine", zap.String("workload", workload))
		}
		return Allocation{}, err
	}
	e.metrics.Allocated(metrics.ResultOK)
	e.metrics.SetMachines(claim.Counts.Idle, claim.Counts.Used)

	desired := DesiredCapacity(claim.Counts, e.buffer)
	if e.maxCap > 0 && desired > e.maxCap {
		desired = e.maxCap
	}

	e.log.Info("machine allocated",
		zap.String("workload", workload),
		zap.String("address", claim.Machine.Address),
		zap.String("instance_id", claim.Machine.InstanceID),
		zap.Int("total", claim.Counts.Total),
		zap.Int("idle", claim.Counts.Idle),
		zap.Int("desired", desired),
	)
	span.SetAttributes(attribute.String("address", claim.Machine.Address), attribute.Int("desired", desired))

	e.requestCapacity(claim.Seq, desired)

	a = Allocation{
		Address:         claim.Machine.Address,
		InstanceID:      claim.Machine.InstanceID,
		Workload:        workload,
		DesiredCapacity: desired,
	}
	e.emit(ctx, events.MachineAllocated, map[string]any{
		"ip":         a.Address,
		"instanceId": a.InstanceID,
		"projectId":  a.Workload,
		"desired":    a.DesiredCapacity,
	})
	return a, nil
}

// requestCapacity accepts desired as the group target unless a newer
// allocation already set one, and makes sure a sender is running.
func (e *Engine) requestCapacity(seq uint64, desired int) {
	e.scaleMu.Lock()
	defer e.scaleMu.Unlock()

	if seq <= e.lastScaleSeq {
		e.metrics.ScaleRequested(metrics.ResultSkipped)
		e.log.Debug("capacity request superseded", zap.Uint64("seq", seq), zap.Int("desired", desired))
		return
	}
	e.lastScaleSeq = seq

	if e.hasPending {
		e.metrics.ScaleRequested(metrics.ResultSkipped)
	}
	e.pending, e.hasPending = desired, true
	if !e.sending {
		e.sending = true
		go e.sendCapacity()
	}
}

// sendCapacity sends the pending target until none is left.
func (e *Engine) sendCapacity() {
	e.scaleMu.Lock()
	for e.hasPending {
		desired := e.pending
		e.hasPending = false
		e.scaleMu.Unlock()

		e.setDesired(desired)

		e.scaleMu.Lock()
	}
	e.sending = false
	e.scaleIdle.Broadcast()
	e.scaleMu.Unlock()
}

func (e *Engine) setDesired(desired int) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	if err := e.group.SetDesiredCapacity(ctx, desired); err != nil {
		e.metrics.ScaleRequested(metrics.ResultError)
		e.log.Error("set desired capacity failed, allocation kept",
			zap.Int("desired", desired),
			zap.Error(err),
		)
		return
	}
	e.metrics.ScaleRequested(metrics.ResultOK)
	e.metrics.SetDesiredCapacity(desired)
}

// Flush blocks until every accepted capacity target has been sent or has
// failed.
func (e *Engine) Flush() {
	e.scaleMu.Lock()
	defer e.scaleMu.Unlock()
	for e.sending {
		e.scaleIdle.Wait()
	}
}

// Destroy terminates one instance and decrements the group's desired
// capacity. machineID is normally an instance ID; an address tracked by the
// registry is translated to its instance ID first.
//
// The registry is not modified. The machine disappears on the first
// reconciliation after the cloud stops reporting it running.
//
// Returns the instance ID that was terminated.
func (e *Engine) Destroy(ctx context.Context, machineID string) (instanceID string, err error) {
	ctx, span := tracing.Start(ctx, "pool.Destroy", attribute.String("machine_id", machineID))
	defer func() { tracing.End(span, err) }()

	if machineID == "" {
		e.metrics.Destroyed(metrics.ResultInvalid)
		return "", fmt.Errorf("%w: machine id", ErrMissingParameter)
	}

	instanceID = machineID
	if id, ok := e.registry.InstanceID(machineID); ok && id != "" {
		instanceID = id
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.group.TerminateInstance(ctx, instanceID, true); err != nil {
		e.metrics.Destroyed(metrics.ResultError)
		e.log.Error("terminate failed", zap.String("instance_id", instanceID), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrCollaborator, err)
	}
	e.metrics.Destroyed(metrics.ResultOK)
	e.log.Info("machine destroyed", zap.String("machine_id", machineID), zap.String("instance_id", instanceID))

	e.emit(ctx, events.MachineDestroyRequested, map[string]string{"machineId": machineID, "instanceId": instanceID})
	return instanceID, nil
}

// Snapshot reports the registry contents.
func (e *Engine) Snapshot() Status {
	return e.registry.Snapshot()
}

func (e *Engine) emit(ctx context.Context, kind string, data any) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Emit(ctx, kind, data); err != nil {
		e.log.Warn("publish event failed", zap.String("event", kind), zap.Error(err))
	}
}

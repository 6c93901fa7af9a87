// Package pool implements the warm machine pool.
// This file implements the periodic reconciliation of the registry against the cloud group.
package pool

import (
	"context"
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

const (
	// DefaultReconcileInterval is how often the registry is refreshed.
	DefaultReconcileInterval = 10 * time.Second

	// DefaultCallTimeout bounds every cloud call.
	DefaultCallTimeout = 5 * time.Second
)

// Notifier receives best-effort pool events. *events.Emitter implements it.
type Notifier interface {
	Emit(ctx context.Context, kind string, data any) error
}

// ReconcilerOptions configures a Reconciler. Zero values take defaults.
type ReconcilerOptions struct {
	Interval    time.Duration
	Timeout     time.Duration
	AddressKind cloud.AddressKind
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Notifier    Notifier
}

// Reconciler keeps a Registry consistent with the machines the cloud group
// reports running. It runs once at Start and then on every tick.
// Thread-safe: Reconcile may be called concurrently with Start's loop;
// passes run one at a time.
type Reconciler struct {
	registry  *Registry
	group     cloud.InstanceGroup
	describer cloud.Describer
	log       *zap.Logger
	metrics   *metrics.Metrics
	notifier  Notifier
	ctx       context.Context    // Context for Stop
	cancel    context.CancelFunc // Cancel function for shutdown
	interval  time.Duration
	timeout   time.Duration
	kind      cloud.AddressKind
	passMu    sync.Mutex     // Serialises passes so a slow one cannot land after a newer one
	wg        sync.WaitGroup // Wait group for graceful shutdown
}

// NewReconciler creates a reconciler that refreshes registry from group and
// describer.
//
// Example:
//
//	rec := NewReconciler(reg, group, group, ReconcilerOptions{Logger: log})
//	rec.Start(ctx)
//	defer rec.Stop()
func NewReconciler(registry *Registry, group cloud.InstanceGroup, describer cloud.Describer, opts ReconcilerOptions) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())

	if opts.Interval <= 0 {
		opts.Interval = DefaultReconcileInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCallTimeout
	}
	if opts.AddressKind == "" {
		opts.AddressKind = cloud.AddressPublic
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Reconciler{
		registry:  registry,
		group:     group,
		describer: describer,
		log:       opts.Logger.Named("reconciler"),
		metrics:   opts.Metrics,
		notifier:  opts.Notifier,
		ctx:       ctx,
		cancel:    cancel,
		interval:  opts.Interval,
		timeout:   opts.Timeout,
		kind:      opts.AddressKind,
	}
}

// Start launches the reconciliation loop in a new goroutine. The loop runs
// until ctx is canceled or Stop is called; the first pass runs immediately.
// Start after Stop runs no pass.
func (r *Reconciler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = r.ctx
	}
	r.wg.Add(1)
	go r.run(ctx)
}

func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()

	if r.ctx.Err() != nil {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("reconciler started", zap.Duration("interval", r.interval))

	// Errors are logged and counted inside Reconcile; the loop keeps going.
	_ = r.Reconcile(ctx)

	for {
		select {
		case <-ticker.C:
			_ = r.Reconcile(ctx)
		case <-ctx.Done():
			r.log.Info("reconciler stopping", zap.Error(ctx.Err()))
			return
		case <-r.ctx.Done():
			r.log.Info("reconciler stopped")
			return
		}
	}
}

// Stop cancels the loop started by Start and waits for it to return.
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
}

// Reconcile runs one pass: list group members, describe them, keep the
// running ones with an address, and replace the registry contents.
//
// Any cloud error, including the pass timing out, leaves the registry as it
// was and returns an error wrapping ErrReconcile. An empty group empties the
// registry.
func (r *Reconciler) Reconcile(ctx context.Context) (err error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	ctx, span := tracing.Start(ctx, "pool.Reconcile")
	defer func() { tracing.End(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	candidates, err := r.observe(ctx)
	if err != nil {
		r.metrics.Reconciled(metrics.ResultError)
		r.log.Warn("reconciliation failed, keeping previous state", zap.Error(err))
		return err
	}

	added, removed := r.registry.ReplaceAll(candidates)
	c := r.registry.Counts()
	r.metrics.Reconciled(metrics.ResultOK)
	r.metrics.SetMachines(c.Idle, c.Used)
	span.SetAttributes(
		attribute.Int("machines.total", c.Total),
		attribute.Int("machines.idle", c.Idle),
	)

	r.log.Info("registry refreshed",
		zap.Int("total", c.Total),
		zap.Int("idle", c.Idle),
		zap.Int("used", c.Used),
		zap.Int("added", added),
		zap.Int("removed", removed),
	)

	if r.notifier != nil && (added > 0 || removed > 0) {
		data := map[string]int{"total": c.Total, "idle": c.Idle, "used": c.Used, "added": added, "removed": removed}
		if nerr := r.notifier.Emit(ctx, events.PoolReconciled, data); nerr != nil {
			r.log.Warn("publish reconcile event failed", zap.Error(nerr))
		}
	}
	return nil
}

// observe queries the cloud and builds the candidate set.
func (r *Reconciler) observe(ctx context.Context) ([]Machine, error) {
	ids, err := r.group.ListInstanceIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list instances: %w", ErrReconcile, err)
	}
	if len(ids) == 0 {
		r.log.Info("no instances in group")
		return nil, nil
	}

	instances, err := r.describer.DescribeInstances(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: describe instances: %w", ErrReconcile, err)
	}

	candidates := make([]Machine, 0, len(instances))
	for _, in := range instances {
		addr := in.Address(r.kind)
		if !in.Running() || addr == "" {
			continue
		}
		candidates = append(candidates, Machine{Address: addr, InstanceID: in.ID})
	}
	return candidates, nil
}

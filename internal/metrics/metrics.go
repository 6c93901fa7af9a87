// Package metrics holds the Prometheus collectors exported by the
// orchestrator. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orchestrator"

// Outcome labels.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
	ResultNoIdle  = "no_capacity"
	ResultInvalid = "invalid"
)

// Metrics groups the collectors.
type Metrics struct {
	machines        *prometheus.GaugeVec
	desiredCapacity prometheus.Gauge
	reconciles      *prometheus.CounterVec
	allocations     *prometheus.CounterVec
	scaleRequests   *prometheus.CounterVec
	destroys        *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		machines: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "machines",
			Help:      "Machines tracked in the registry by allocation state.",
		}, []string{"state"}),
		desiredCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "desired_capacity",
			Help:      "Last desired capacity requested from the instance group.",
		}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"result"}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Allocation requests by result.",
		}, []string{"result"}),
		scaleRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scale_requests_total",
			Help:      "Desired capacity requests by result.",
		}, []string{"result"}),
		destroys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "destroy_total",
			Help:      "Decommission requests by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.machines, m.desiredCapacity, m.reconciles, m.allocations, m.scaleRequests, m.destroys)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SetMachines records the idle and used machine counts.
func (m *Metrics) SetMachines(idle, used int) {
	if m == nil {
		return
	}
	m.machines.WithLabelValues("idle").Set(float64(idle))
	m.machines.WithLabelValues("used").Set(float64(used))
}

// SetDesiredCapacity records the last requested capacity.
func (m *Metrics) SetDesiredCapacity(n int) {
	if m == nil {
		return
	}
	m.desiredCapacity.Set(float64(n))
}

// Reconciled counts one reconciliation pass by result.
func (m *Metrics) Reconciled(result string) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(result).Inc()
}

// Allocated counts one allocation request by result.
func (m *Metrics) Allocated(result string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(result).Inc()
}

// ScaleRequested counts one desired capacity request by result.
func (m *Metrics) ScaleRequested(result string) {
	if m == nil {
		return
	}
	m.scaleRequests.WithLabelValues(result).Inc()
}

// Destroyed counts one decommission request by result.
func (m *Metrics) Destroyed(result string) {
	if m == nil {
		return
	}
	m.destroys.WithLabelValues(result).Inc()
}

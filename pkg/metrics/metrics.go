package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetd_nodes_total",
			Help: "Total number of registered nodes by status",
		},
		[]string{"status"},
	)

	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetd_vms_total",
			Help: "Total number of VMs by status",
		},
		[]string{"status"},
	)

	NodeReservedComputePoints = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetd_node_reserved_compute_points",
			Help: "Reserved compute points per node",
		},
		[]string{"node_id"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_scheduling_latency_seconds",
			Help:    "Time taken to score and select a node for a VM",
			Buckets: prometheus.DefBuckets,
		},
	)

	VMsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_vms_scheduled_total",
			Help: "Total number of VMs successfully scheduled to a node",
		},
	)

	VMsSchedulingFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_vms_scheduling_failed_total",
			Help: "Total number of scheduling attempts with no eligible node",
		},
	)

	// VM lifecycle metrics
	VMCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_vm_create_duration_seconds",
			Help:    "Time from create request to Running status",
			Buckets: prometheus.DefBuckets,
		},
	)

	VMDeleteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_vm_delete_duration_seconds",
			Help:    "Time from delete request to Deleted status",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Command protocol metrics
	CommandsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_commands_issued_total",
			Help: "Total number of commands issued by type",
		},
		[]string{"type"},
	)

	CommandAcksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_command_acks_total",
			Help: "Total number of command acknowledgments by lookup method and outcome",
		},
		[]string{"lookup_method", "success"},
	)

	OrphanedCommandsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_orphaned_commands_total",
			Help: "Total number of commands swept with no acknowledgment or resolvable VM",
		},
	)

	// Heartbeat/reconciliation metrics
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_heartbeats_total",
			Help: "Total number of heartbeats processed",
		},
		[]string{"node_id"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	OrphanRecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_orphan_recoveries_total",
			Help: "Total number of VMs synthesized from an unrecognized heartbeat report",
		},
	)

	// Relay coordination metrics
	RelayAssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_relay_assignments_total",
			Help: "Total number of CGNAT-node-to-relay assignments",
		},
		[]string{"outcome"},
	)

	RelayReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_relay_reconciliation_duration_seconds",
			Help:    "Time taken for one CGNAT reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Port allocation metrics
	PortAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_port_allocations_total",
			Help: "Total number of direct-access port allocations by topology and outcome",
		},
		[]string{"topology", "outcome"},
	)

	PortAllocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_port_allocation_duration_seconds",
			Help:    "Time taken for a port allocation to resolve",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		VMsTotal,
		NodeReservedComputePoints,
		APIRequestsTotal,
		APIRequestDuration,
		SchedulingLatency,
		VMsScheduled,
		VMsSchedulingFailed,
		VMCreateDuration,
		VMDeleteDuration,
		CommandsIssuedTotal,
		CommandAcksTotal,
		OrphanedCommandsTotal,
		HeartbeatsTotal,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		OrphanRecoveriesTotal,
		RelayAssignmentsTotal,
		RelayReconciliationDuration,
		PortAllocationsTotal,
		PortAllocationDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CommandsTotal counts wire-protocol commands served by a storage
	// node, broken down by command name and whether it succeeded.
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kv_commands_total",
			Help: "Total number of wire-protocol commands served, by command and outcome",
		},
		[]string{"cmd", "outcome"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kv_command_duration_seconds",
			Help:    "Command handling duration in seconds, by command",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cmd"},
	)

	// ReplicationRoundTripDuration measures the time a primary waits on
	// one secondary's PREP reply; it is observed once per secondary.
	ReplicationRoundTripDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kv_replication_round_trip_seconds",
			Help:    "Time taken for a primary's two-phase commit round trip to secondaries",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HoldbackQueueDepth is the number of writes a secondary is holding
	// that have not yet been released by a COMMIT from its primary.
	HoldbackQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kv_holdback_queue_depth",
			Help: "Number of writes currently held back awaiting commit",
		},
	)

	// Killed reports whether this storage node is currently in the
	// KILLed state (ignoring client and replication traffic).
	Killed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kv_node_killed",
			Help: "Whether this node is currently KILLed (1) or WAKE (0)",
		},
	)

	// CoordinatorLiveNodes is the number of storage nodes the
	// coordinator currently considers alive, by replica group.
	CoordinatorLiveNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kv_coordinator_live_nodes",
			Help: "Number of storage nodes the coordinator considers alive, by group",
		},
		[]string{"group"},
	)

	// LoadBalancerLiveFrontEnds is the number of front-ends the load
	// balancer currently considers alive.
	LoadBalancerLiveFrontEnds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kv_lb_live_frontends",
			Help: "Number of front-ends the load balancer currently considers alive",
		},
	)

	// AdminActionsTotal counts KILL/WAKE control messages issued by the
	// admin console, by kind.
	AdminActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kv_admin_actions_total",
			Help: "Total number of KILL/WAKE actions issued by the admin console",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(ReplicationRoundTripDuration)
	prometheus.MustRegister(HoldbackQueueDepth)
	prometheus.MustRegister(Killed)
	prometheus.MustRegister(CoordinatorLiveNodes)
	prometheus.MustRegister(LoadBalancerLiveFrontEnds)
	prometheus.MustRegister(AdminActionsTotal)
}

// NodeRecorder implements storagenode.Recorder against the package's
// registered Prometheus collectors.
type NodeRecorder struct{}

func (NodeRecorder) CommandServed(cmd string, dur time.Duration, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	CommandsTotal.WithLabelValues(cmd, outcome).Inc()
	CommandDuration.WithLabelValues(cmd).Observe(dur.Seconds())
}

func (NodeRecorder) ReplicationRoundTrip(dur time.Duration) {
	ReplicationRoundTripDuration.Observe(dur.Seconds())
}

func (NodeRecorder) HoldbackDepth(n int) {
	HoldbackQueueDepth.Set(float64(n))
}

func (NodeRecorder) SetKilled(killed bool) {
	if killed {
		Killed.Set(1)
	} else {
		Killed.Set(0)
	}
}

// RecordAdminAction increments the admin action counter for kind
// ("KILL" or "WAKE").
func RecordAdminAction(kind string) {
	AdminActionsTotal.WithLabelValues(kind).Inc()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Package metrics exposes the daemon's Prometheus instrumentation.
//
// Metrics are registered at package init and served by Handler on the
// optional --metrics-addr listener. Counters are incremented from the
// owning components; nothing here blocks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Instance lifecycle metrics
	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hardshare_state_transitions_total",
			Help: "Total number of instance state transitions by WD and target state",
		},
		[]string{"wd", "to"},
	)

	InstancesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hardshare_instances_active",
			Help: "Number of non-terminal instances currently owned by the daemon",
		},
	)

	AcquireRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hardshare_acquire_rejects_total",
			Help: "Total number of rejected ACQUIRE frames by reason",
		},
		[]string{"reason"},
	)

	// Transport metrics
	TransportReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hardshare_transport_reconnects_total",
			Help: "Total number of upstream transport reconnect attempts",
		},
	)

	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hardshare_frames_total",
			Help: "Total number of upstream frames by direction and cmd",
		},
		[]string{"direction", "cmd"},
	)

	// Camera metrics
	CamFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hardshare_cam_frames_total",
			Help: "Total number of camera frames by result (sent, dropped, gated)",
		},
		[]string{"result"},
	)

	// Admin socket metrics
	AdminRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hardshare_admin_requests_total",
			Help: "Total number of admin socket requests by command",
		},
		[]string{"cmd"},
	)

	// Provider operation latency
	ProviderOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hardshare_provider_op_duration_seconds",
			Help:    "Container provider operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(StateTransitionsTotal)
	prometheus.MustRegister(InstancesActive)
	prometheus.MustRegister(AcquireRejectsTotal)
	prometheus.MustRegister(TransportReconnectsTotal)
	prometheus.MustRegister(FramesTotal)
	prometheus.MustRegister(CamFramesTotal)
	prometheus.MustRegister(AdminRequestsTotal)
	prometheus.MustRegister(ProviderOpDuration)
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

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

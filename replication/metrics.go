package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by the nodes and the slave
// engine of one process.
type Metrics struct {
	FramesTotal          *prometheus.CounterVec // direction: sent, received
	FrameBytesTotal      *prometheus.CounterVec // direction: sent, received
	RecordsApplied       prometheus.Counter
	ContinuityViolations prometheus.Counter
	ConnectedSlaves      prometheus.Gauge
	BytesBehindMaster    prometheus.Gauge
	Reconnects           prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walog_replication_frames_total",
				Help: "Replication frames sent or received",
			},
			[]string{"direction"},
		),
		FrameBytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walog_replication_frame_bytes_total",
				Help: "Replication frame bytes sent or received",
			},
			[]string{"direction"},
		),
		RecordsApplied: f.NewCounter(
			prometheus.CounterOpts{
				Name: "walog_replication_records_applied_total",
				Help: "Records appended to the local log by the slave",
			},
		),
		ContinuityViolations: f.NewCounter(
			prometheus.CounterOpts{
				Name: "walog_replication_continuity_violations_total",
				Help: "Replicated records rejected because they did not follow the previous one",
			},
		),
		ConnectedSlaves: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "walog_replication_connected_slaves",
				Help: "Slaves currently streaming from this master",
			},
		),
		BytesBehindMaster: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "walog_replication_bytes_behind_master",
				Help: "Difference between the master's last LSN and the slave's cursor",
			},
		),
		Reconnects: f.NewCounter(
			prometheus.CounterOpts{
				Name: "walog_replication_reconnects_total",
				Help: "Times the slave restarted its stream after a transient error",
			},
		),
	}
}

func (m *Metrics) sent(n int) {
	m.FramesTotal.WithLabelValues("sent").Inc()
	m.FrameBytesTotal.WithLabelValues("sent").Add(float64(n))
}

func (m *Metrics) received(n int) {
	m.FramesTotal.WithLabelValues("received").Inc()
	m.FrameBytesTotal.WithLabelValues("received").Add(float64(n))
}

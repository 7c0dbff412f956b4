// Package metrics exposes gateway counters for Prometheus scraping.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shellgate",
		Subsystem: "session",
		Name:      "active",
		Help:      "Sessions currently registered with the gateway.",
	})
	SessionAborts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shellgate",
		Subsystem: "session",
		Name:      "aborts_total",
		Help:      "Session aborts by reason.",
	}, []string{"reason"})
	BytesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shellgate",
		Subsystem: "bridge",
		Name:      "bytes_total",
		Help:      "Bytes relayed through the bridge by direction.",
	}, []string{"direction"})
	BridgePauses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shellgate",
		Subsystem: "bridge",
		Name:      "pauses_total",
		Help:      "Times the shell stream was paused for a slow client.",
	})
	BridgeResumes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shellgate",
		Subsystem: "bridge",
		Name:      "resumes_total",
		Help:      "Times a paused shell stream resumed.",
	})
	FrameErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shellgate",
		Subsystem: "protocol",
		Name:      "frame_errors_total",
		Help:      "Rejected frames by failure class.",
	}, []string{"class"})
	TransfersEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shellgate",
		Subsystem: "transfer",
		Name:      "evicted_total",
		Help:      "Chunked transfers evicted as stale.",
	})
)

// Register installs all gateway collectors in the default registry. Safe to
// call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ActiveSessions, SessionAborts, BytesRelayed,
			BridgePauses, BridgeResumes, FrameErrors, TransfersEvicted,
		)
	})
}

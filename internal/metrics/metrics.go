// Package metrics exposes Prometheus collectors for rooms, peers and recordings.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "callserver"

// Metrics groups every collector the server updates.
type Metrics struct {
	Rooms              prometheus.Gauge
	Peers              prometheus.Gauge
	SignalsRelayed     *prometheus.CounterVec
	SignalsDropped     *prometheus.CounterVec
	ActiveRecordings   prometheus.Gauge
	RecordingFallbacks prometheus.Counter
	RecordingFinished  *prometheus.CounterVec
	ChunkBytes         prometheus.Counter
	CallLogDropped     prometheus.Counter
	CallLogFailed      prometheus.Counter
	Deliveries         *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "signaling", Name: "rooms",
			Help: "Rooms with at least one connected peer.",
		}),
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "signaling", Name: "peers",
			Help: "Connected peers across all rooms.",
		}),
		SignalsRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signaling", Name: "relayed_total",
			Help: "Signaling messages delivered to another peer.",
		}, []string{"type"}),
		SignalsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signaling", Name: "dropped_total",
			Help: "Signaling messages dropped (unknown target, unauthorized, unknown type).",
		}, []string{"reason"}),
		ActiveRecordings: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "recording", Name: "active",
			Help: "Recording sessions between start and finish.",
		}),
		RecordingFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recording", Name: "fallbacks_total",
			Help: "Segmented captures that fell back to accumulate on start.",
		}),
		RecordingFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recording", Name: "finished_total",
			Help: "Finished recordings by mode and result.",
		}, []string{"mode", "result"}),
		ChunkBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recording", Name: "chunk_bytes_total",
			Help: "Bytes accepted from chunk uploads.",
		}),
		CallLogDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "calllog", Name: "dropped_total",
			Help: "Call-log operations dropped because the queue was full.",
		}),
		CallLogFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "calllog", Name: "failed_total",
			Help: "Call-log operations that returned an error.",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "attempts_total",
			Help: "Recording delivery attempts by result.",
		}, []string{"result"}),
	}
}

// Nop returns collectors registered on a private registry, for callers that do not export metrics.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

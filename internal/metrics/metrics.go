// Package metrics exposes the pipeline's Prometheus collectors — grounded
// on the semstreams pack's per-component metrics struct pattern
// (engine/metrics.go), condensed into one set of collectors for this
// process's single pipeline instance rather than per-flow label sets.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the supervisor, channelizer, recorder and
// transcriber report into.
type Metrics struct {
	GroupsDecoded    *prometheus.CounterVec
	GroupsMalformed  *prometheus.CounterVec
	EventsOpened     *prometheus.CounterVec
	EventsActive     *prometheus.GaugeVec
	RecordingSeconds *prometheus.HistogramVec
	ChannelizerDrops *prometheus.CounterVec
	TranscriptionJobs *prometheus.CounterVec
	TranscriptionSeconds prometheus.Histogram
	SupervisorRestarts prometheus.Counter
	MQTTPublishErrors prometheus.Counter
}

// New builds and registers every collector against the default registry —
// matching the pack's promauto idiom (no manual Register/err-check
// plumbing needed per collector).
func New() *Metrics {
	return &Metrics{
		GroupsDecoded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdsguard",
			Subsystem: "decoder",
			Name:      "groups_total",
			Help:      "Total RDS groups decoded, by station PI.",
		}, []string{"station_pi"}),

		GroupsMalformed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdsguard",
			Subsystem: "decoder",
			Name:      "malformed_lines_total",
			Help:      "Total malformed redsea ndjson lines, by station.",
		}, []string{"station"}),

		EventsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdsguard",
			Subsystem: "events",
			Name:      "opened_total",
			Help:      "Total events opened, by type.",
		}, []string{"type"}),

		EventsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rdsguard",
			Subsystem: "events",
			Name:      "active",
			Help:      "Currently open events, by type.",
		}, []string{"type"}),

		RecordingSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rdsguard",
			Subsystem: "recorder",
			Name:      "duration_seconds",
			Help:      "Finalized recording durations.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"station_pi"}),

		ChannelizerDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdsguard",
			Subsystem: "channelizer",
			Name:      "dropped_blocks_total",
			Help:      "PCM blocks dropped due to sink backpressure, by station.",
		}, []string{"station"}),

		TranscriptionJobs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdsguard",
			Subsystem: "transcriber",
			Name:      "jobs_total",
			Help:      "Transcription jobs processed, by outcome.",
		}, []string{"outcome"}), // done|error|none

		TranscriptionSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rdsguard",
			Subsystem: "transcriber",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock time spent transcribing a job.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),

		SupervisorRestarts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "rdsguard",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Total pipeline restarts after a subprocess or pipe failure.",
		}),

		MQTTPublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "rdsguard",
			Subsystem: "alerts",
			Name:      "mqtt_publish_errors_total",
			Help:      "MQTT publish attempts that returned an error or timed out.",
		}),
	}
}

package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the capture loop counters. Each Metrics owns its registry so
// tests and multiple controllers do not collide.
type Metrics struct {
	Registry *prometheus.Registry

	Sessions        prometheus.Counter
	Failures        *prometheus.CounterVec
	Running         prometheus.Gauge
	Frames          prometheus.Counter
	DroppedFrames   prometheus.Counter
	Partials        prometheus.Counter
	Finals          prometheus.Counter
	Resets          prometheus.Counter
	Publishes       prometheus.Counter
	ClipboardErrors prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clipscribe", Name: "sessions_started_total",
			Help: "Capture sessions started.",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clipscribe", Name: "session_failures_total",
			Help: "Capture sessions that ended because of an error.",
		}, []string{"reason"}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clipscribe", Name: "session_running",
			Help: "1 while a capture session is running.",
		}),
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clipscribe", Name: "frames_total",
			Help: "Audio frames handed to the recognizer.",
		}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clipscribe", Name: "frames_dropped_total",
			Help: "Audio frames discarded because the loop fell behind.",
		}),
		Partials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clipscribe", Name: "partials_total",
			Help: "Partial transcripts received.",
		}),
		Finals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clipscribe", Name: "finals_total",
			Help: "Non-empty final transcripts received.",
		}),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clipscribe", Name: "segment_resets_total",
			Help: "Segments reset after a pause.",
		}),
		Publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clipscribe", Name: "clipboard_publishes_total",
			Help: "Successful clipboard writes.",
		}),
		ClipboardErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clipscribe", Name: "clipboard_errors_total",
			Help: "Clipboard writes that failed on every path.",
		}),
	}
	m.Registry.MustRegister(
		m.Sessions, m.Failures, m.Running, m.Frames, m.DroppedFrames,
		m.Partials, m.Finals, m.Resets, m.Publishes, m.ClipboardErrors,
	)
	return m
}

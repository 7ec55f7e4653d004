package pipeline

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "video_analytics"

// Frame outcomes recorded by Metrics.Frames.
const (
	outcomeAccepted    = "accepted"
	outcomeRejected    = "rejected"
	outcomeDetectError = "detect_error"
	outcomeProcessed   = "processed"
	outcomeCanceled    = "canceled"
)

// Metrics are the pipeline's Prometheus collectors. One Metrics may be shared by any
// number of engines.
type Metrics struct {
	Frames         *prometheus.CounterVec
	Objects        *prometheus.CounterVec
	Pushes         *prometheus.CounterVec
	DroppedResults prometheus.Counter
	QueueDepth     *prometheus.GaugeVec
	FrameSeconds   prometheus.Histogram
}

// NewMetrics builds the collectors and registers them with reg. A nil reg leaves them
// unregistered. Collectors already registered by an earlier call are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "frames_total",
				Help:      "Frames seen by the pipeline, by outcome",
			},
			[]string{"outcome"},
		),
		Objects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "objects_total",
				Help:      "Tracked objects reported, by category and state",
			},
			[]string{"category", "state"},
		),
		Pushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "push",
				Name:      "events_total",
				Help:      "Push engine emissions, by category and state",
			},
			[]string{"category", "state"},
		),
		DroppedResults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "dropped_results_total",
				Help:      "Results evicted from a full output queue",
			},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "queue_depth",
				Help:      "Items waiting in each pipeline queue",
			},
			[]string{"queue"},
		),
		FrameSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "frame_duration_seconds",
				Help:      "Time from dequeue to result delivery",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
	if reg == nil {
		return m
	}
	m.Frames = register(reg, m.Frames)
	m.Objects = register(reg, m.Objects)
	m.Pushes = register(reg, m.Pushes)
	m.DroppedResults = register(reg, m.DroppedResults)
	m.QueueDepth = register(reg, m.QueueDepth)
	m.FrameSeconds = register(reg, m.FrameSeconds)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

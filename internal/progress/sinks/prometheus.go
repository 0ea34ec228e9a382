package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/transparent-crawler/internal/progress"
)

// PrometheusSink exports task lifecycle metrics.
type PrometheusSink struct {
	queued   *prometheus.CounterVec
	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
	stopped  *prometheus.CounterVec
	running  prometheus.Gauge
	runtime  *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transparent_tasks_queued_total",
			Help: "Tasks enqueued, by kind.",
		}, []string{"kind"}),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transparent_tasks_started_total",
			Help: "Task activations started, by kind.",
		}, []string{"kind"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transparent_tasks_finished_total",
			Help: "Task activations finished, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		stopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transparent_tasks_stopped_total",
			Help: "Tasks stopped on request before or during activation.",
		}, []string{"kind"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transparent_tasks_running",
			Help: "Task activations currently running.",
		}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transparent_task_runtime_seconds",
			Help:    "Wall time per finished activation.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600, 14400},
		}, []string{"kind"}),
	}
	for _, c := range []prometheus.Collector{s.queued, s.started, s.finished, s.stopped, s.running, s.runtime} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageQueued:
			s.queued.WithLabelValues(evt.Kind).Inc()
		case progress.StageStarted:
			s.started.WithLabelValues(evt.Kind).Inc()
			s.running.Inc()
		case progress.StageFinished, progress.StageFailed:
			s.finished.WithLabelValues(evt.Kind, evt.Outcome).Inc()
			s.runtime.WithLabelValues(evt.Kind).Observe(evt.Dur.Seconds())
			s.running.Dec()
		case progress.StageStopped:
			s.stopped.WithLabelValues(evt.Kind).Inc()
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

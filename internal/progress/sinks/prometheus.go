package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/review-harvester/internal/progress"
)

// PrometheusSink exports queue lifecycle metrics via Prometheus.
type PrometheusSink struct {
	tasksQueued    prometheus.Counter
	tasksStarted   prometheus.Counter
	tasksCompleted *prometheus.CounterVec
	tasksRetried   prometheus.Counter
	tasksRunning   prometheus.Gauge
	taskRuntime    *prometheus.HistogramVec
	emptyPolls     prometheus.Counter
	drains         prometheus.Counter

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_tasks_queued_total",
			Help: "Total tasks submitted to the queue.",
		}),
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_tasks_started_total",
			Help: "Total task attempts started.",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_tasks_completed_total",
			Help: "Total tasks completed partitioned by result.",
		}, []string{"result"}),
		tasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_tasks_retried_total",
			Help: "Total failed attempts re-offered to the queue.",
		}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_tasks_running",
			Help: "Current number of running tasks.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_task_runtime_seconds",
			Help:    "Handler wall time per attempt.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		emptyPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_queue_empty_total",
			Help: "Times the queue transitioned to empty.",
		}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_queue_drain_total",
			Help: "Times the store was left with no tasks after a batch.",
		}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksQueued,
		s.tasksStarted,
		s.tasksCompleted,
		s.tasksRetried,
		s.tasksRunning,
		s.taskRuntime,
		s.emptyPolls,
		s.drains,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageTaskQueued:
		s.tasksQueued.Inc()
	case progress.StageTaskStarted:
		s.tasksStarted.Inc()
		if s.tracker.start(evt.TaskID) {
			s.tasksRunning.Inc()
		}
	case progress.StageTaskFinish:
		s.tasksCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
		s.stop(evt.TaskID)
	case progress.StageTaskFailed:
		s.tasksCompleted.WithLabelValues("failed").Inc()
		s.observeRuntime(evt, "failed")
		s.stop(evt.TaskID)
	case progress.StageTaskRetry:
		s.tasksRetried.Inc()
		s.observeRuntime(evt, "retry")
		s.stop(evt.TaskID)
	case progress.StageEmpty:
		s.emptyPolls.Inc()
	case progress.StageDrain:
		s.drains.Inc()
	}
}

func (s *PrometheusSink) stop(taskID string) {
	if s.tracker.complete(taskID) {
		s.tasksRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.taskRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type taskTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[string]struct{})}
}

func (t *taskTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

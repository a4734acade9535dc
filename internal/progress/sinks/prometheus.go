package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/serpqueue/internal/progress"
)

// PrometheusSink derives job-level metrics from progress events.
type PrometheusSink struct {
	submitted   prometheus.Counter
	terminal    *prometheus.CounterVec
	retries     prometheus.Counter
	fetching    prometheus.Gauge
	attempts    *prometheus.HistogramVec
	resultCount prometheus.Histogram

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serpqueue_progress_submitted_total",
			Help: "Jobs queued for fetching.",
		}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serpqueue_progress_terminal_total",
			Help: "Jobs reaching a terminal state, partitioned by result.",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serpqueue_progress_retries_total",
			Help: "Failed attempts that were rescheduled.",
		}),
		fetching: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "serpqueue_progress_fetching",
			Help: "Jobs with a fetch currently in flight.",
		}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "serpqueue_progress_attempts",
			Help:    "Attempts used by jobs reaching a terminal state.",
			Buckets: []float64{1, 2, 3, 5, 10},
		}, []string{"result"}),
		resultCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "serpqueue_progress_results",
			Help:    "Results extracted per completed job.",
			Buckets: []float64{0, 1, 5, 10, 20, 50},
		}),
		inFlight: make(map[string]struct{}),
	}
	for _, c := range []prometheus.Collector{
		s.submitted, s.terminal, s.retries, s.fetching, s.attempts, s.resultCount,
	} {
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
		case progress.StageSubmitted:
			s.submitted.Inc()
		case progress.StageFetchStart:
			s.track(evt.JobID, true)
		case progress.StageFetchDone:
			s.track(evt.JobID, false)
		case progress.StageRetrying:
			s.track(evt.JobID, false)
			s.retries.Inc()
		case progress.StageCompleted:
			s.track(evt.JobID, false)
			s.terminal.WithLabelValues("completed").Inc()
			s.attempts.WithLabelValues("completed").Observe(float64(evt.Attempt))
			s.resultCount.Observe(float64(evt.Results))
		case progress.StageFailed:
			s.track(evt.JobID, false)
			s.terminal.WithLabelValues("failed").Inc()
			s.attempts.WithLabelValues("failed").Observe(float64(evt.Attempt))
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// track keeps the fetching gauge consistent when stages repeat or arrive
// without their counterpart.
func (s *PrometheusSink) track(jobID string, start bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, running := s.inFlight[jobID]
	switch {
	case start && !running:
		s.inFlight[jobID] = struct{}{}
		s.fetching.Inc()
	case !start && running:
		delete(s.inFlight, jobID)
		s.fetching.Dec()
	}
}

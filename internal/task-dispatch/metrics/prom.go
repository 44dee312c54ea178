package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeOK            = "ok"
	OutcomeConflict      = "conflict"
	OutcomeNotFound      = "not_found"
	OutcomeInvalid       = "invalid"
	OutcomeWriteConflict = "write_conflict"
	OutcomeError         = "error"
)

// PromRecorder records dispatch core metrics in Prometheus.
type PromRecorder struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	ranking    prometheus.Histogram
	poolSize   prometheus.Histogram
	reports    *prometheus.CounterVec
}

// NewPromRecorder registers on reg, or on the default registerer when reg is
// nil. Registering twice reuses the existing collectors.
func NewPromRecorder(reg prometheus.Registerer) (*PromRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PromRecorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_dispatch_operations_total",
			Help: "Dispatch operations by name and outcome",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "task_dispatch_operation_duration_seconds",
			Help:    "Duration of dispatch operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		ranking: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "task_dispatch_ranking_duration_seconds",
			Help:    "Time spent gathering facts and scoring candidates",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		poolSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "task_dispatch_candidate_pool_size",
			Help:    "Number of candidates scored per ranking",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 250},
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_dispatch_status_reports_total",
			Help: "Field status reports consumed, by outcome",
		}, []string{"outcome"}),
	}

	var err error
	if r.operations, err = register(reg, r.operations); err != nil {
		return nil, err
	}
	if r.duration, err = register(reg, r.duration); err != nil {
		return nil, err
	}
	if r.ranking, err = register(reg, r.ranking); err != nil {
		return nil, err
	}
	if r.poolSize, err = register(reg, r.poolSize); err != nil {
		return nil, err
	}
	if r.reports, err = register(reg, r.reports); err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (r *PromRecorder) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	r.operations.WithLabelValues(operation, outcome).Inc()
	r.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (r *PromRecorder) ObserveRanking(candidates int, elapsed time.Duration) {
	r.ranking.Observe(elapsed.Seconds())
	r.poolSize.Observe(float64(candidates))
}

func (r *PromRecorder) ObserveStatusReport(outcome string) {
	r.reports.WithLabelValues(outcome).Inc()
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveOperation(string, string, time.Duration) {}
func (Nop) ObserveRanking(int, time.Duration)              {}
func (Nop) ObserveStatusReport(string)                     {}

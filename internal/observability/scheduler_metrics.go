package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes publisher-scheduler metrics.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	TickDuration prometheus.Histogram
	JobRuns      *prometheus.CounterVec
	JobsInFlight prometheus.Gauge
	ClaimsLost   prometheus.Counter
}

// NewSchedulerCollector registers scheduler metrics against reg.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	tick, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshcore_scheduler_tick_duration_seconds",
		Help:    "Time spent selecting and dispatching due jobs per tick.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}), "meshcore_scheduler_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	runs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcore_scheduler_job_runs_total",
		Help: "Periodic job execution attempts, labeled by payload type and resulting status.",
	}, []string{"payload_type", "status"}), "meshcore_scheduler_job_runs_total")
	if err != nil {
		return nil, err
	}

	inFlight, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshcore_scheduler_jobs_in_flight",
		Help: "Jobs currently executing in this process.",
	}), "meshcore_scheduler_jobs_in_flight")
	if err != nil {
		return nil, err
	}

	claimsLost, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshcore_scheduler_claims_lost_total",
		Help: "Due jobs skipped because another worker claimed the window first.",
	}), "meshcore_scheduler_claims_lost_total")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:     gatherer,
		TickDuration: tick,
		JobRuns:      runs,
		JobsInFlight: inFlight,
		ClaimsLost:   claimsLost,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveTick records one tick duration.
func (c *SchedulerCollector) ObserveTick(d time.Duration) {
	if c == nil || c.TickDuration == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
}

// ObserveJob counts one job execution attempt.
func (c *SchedulerCollector) ObserveJob(payloadType, status string) {
	if c == nil || c.JobRuns == nil {
		return
	}
	c.JobRuns.WithLabelValues(payloadType, status).Inc()
}

// AddInFlight adjusts the executing-jobs gauge by delta.
func (c *SchedulerCollector) AddInFlight(delta int) {
	if c == nil || c.JobsInFlight == nil {
		return
	}
	c.JobsInFlight.Add(float64(delta))
}

// IncClaimLost counts one lost claim.
func (c *SchedulerCollector) IncClaimLost() {
	if c == nil || c.ClaimsLost == nil {
		return
	}
	c.ClaimsLost.Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

package interceptors

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/params"
)

// MetricsCollector holds the prometheus collectors of the metrics interceptor
type MetricsCollector struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	inFlight    *prometheus.GaugeVec
}

// NewMetricsCollector creates and registers the collectors. A nil registerer
// uses prometheus.DefaultRegisterer.
func NewMetricsCollector(namespace string, registerer prometheus.Registerer) (*MetricsCollector, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	c := &MetricsCollector{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_invocations_total",
			Help:      "Intercepted step invocations by location, outcome and error type",
		}, []string{"location", "outcome", "error_type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of intercepted step invocations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"location", "outcome"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "step_in_flight",
			Help:      "Intercepted step invocations currently running",
		}, []string{"location"}),
	}

	for _, collector := range []prometheus.Collector{c.invocations, c.duration, c.inFlight} {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
			switch existing := already.ExistingCollector.(type) {
			case *prometheus.CounterVec:
				c.invocations = existing
			case *prometheus.HistogramVec:
				c.duration = existing
			case *prometheus.GaugeVec:
				c.inFlight = existing
			}
		}
	}

	return c, nil
}

// MetricsInterceptor records invocation counts, durations and in-flight
// invocations per location
type MetricsInterceptor struct {
	Base
	collector *MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector *MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Before implements Interceptor
func (i *MetricsInterceptor) Before(_ context.Context, location contracts.Location, _ *params.View, event *InterceptionEvent) error {
	markStart(i, event)
	i.collector.inFlight.WithLabelValues(location.String()).Inc()
	return nil
}

// After implements Interceptor
func (i *MetricsInterceptor) After(_ context.Context, location contracts.Location, event *InterceptionEvent, thrown error) error {
	loc := location.String()
	i.collector.inFlight.WithLabelValues(loc).Dec()

	outcome, errorType := "success", ""
	if thrown != nil {
		outcome, errorType = "failure", TypeOf(thrown).String()
	}
	i.collector.invocations.WithLabelValues(loc, outcome, errorType).Inc()
	i.collector.duration.WithLabelValues(loc, outcome).Observe(elapsed(i, event).Seconds())
	return nil
}

package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all control plane metric instruments.
type Metrics struct {
	RequestDuration      metric.Float64Histogram
	IntentsAccepted      metric.Int64Counter
	IntentsRejected      metric.Int64Counter
	RateLimitRejects     metric.Int64Counter
	PlanDuration         metric.Float64Histogram
	StepRetries          metric.Int64Counter
	WindowsOpen          metric.Int64UpDownCounter
	ProviderCallDuration metric.Float64Histogram
	ProviderOutcomes     metric.Int64Counter
	BreakerTransitions   metric.Int64Counter
	DaughtersActive      metric.Int64UpDownCounter
	DaughtersTerminal    metric.Int64Counter
	IncidentsRecorded    metric.Int64Counter
	PheromonesEmitted    metric.Int64Counter
}

// NopMetrics returns instruments backed by a no-op meter.
func NopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(ScopeName))
	if err != nil {
		panic(err)
	}
	return m
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("vx11.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.IntentsAccepted, err = meter.Int64Counter("vx11.intents.accepted",
		metric.WithDescription("Intents accepted by the gateway"),
	)
	if err != nil {
		return nil, err
	}

	m.IntentsRejected, err = meter.Int64Counter("vx11.intents.rejected",
		metric.WithDescription("Intents rejected by the gateway, by code"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("vx11.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.PlanDuration, err = meter.Float64Histogram("vx11.plan.duration",
		metric.WithDescription("Plan execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StepRetries, err = meter.Int64Counter("vx11.plan.step_retries",
		metric.WithDescription("Plan step retries after transient failures"),
	)
	if err != nil {
		return nil, err
	}

	m.WindowsOpen, err = meter.Int64UpDownCounter("vx11.windows.open",
		metric.WithDescription("Execution windows currently open"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderCallDuration, err = meter.Float64Histogram("vx11.provider.duration",
		metric.WithDescription("Provider call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderOutcomes, err = meter.Int64Counter("vx11.provider.outcomes",
		metric.WithDescription("Provider call outcomes"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerTransitions, err = meter.Int64Counter("vx11.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.DaughtersActive, err = meter.Int64UpDownCounter("vx11.daughters.active",
		metric.WithDescription("Daughters not yet in a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.DaughtersTerminal, err = meter.Int64Counter("vx11.daughters.terminal",
		metric.WithDescription("Daughters reaching a terminal state, by state"),
	)
	if err != nil {
		return nil, err
	}

	m.IncidentsRecorded, err = meter.Int64Counter("vx11.incidents.recorded",
		metric.WithDescription("Incident observations, including deduplicated ones"),
	)
	if err != nil {
		return nil, err
	}

	m.PheromonesEmitted, err = meter.Int64Counter("vx11.pheromones.emitted",
		metric.WithDescription("Pheromones emitted by the queen, by kind"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

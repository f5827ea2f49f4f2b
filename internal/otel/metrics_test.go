package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	checks := map[string]any{
		"RequestDuration":      m.RequestDuration,
		"IntentsAccepted":      m.IntentsAccepted,
		"IntentsRejected":      m.IntentsRejected,
		"RateLimitRejects":     m.RateLimitRejects,
		"PlanDuration":         m.PlanDuration,
		"StepRetries":          m.StepRetries,
		"WindowsOpen":          m.WindowsOpen,
		"ProviderCallDuration": m.ProviderCallDuration,
		"ProviderOutcomes":     m.ProviderOutcomes,
		"BreakerTransitions":   m.BreakerTransitions,
		"DaughtersActive":      m.DaughtersActive,
		"DaughtersTerminal":    m.DaughtersTerminal,
		"IncidentsRecorded":    m.IncidentsRecorded,
		"PheromonesEmitted":    m.PheromonesEmitted,
	}
	for name, inst := range checks {
		if inst == nil {
			t.Errorf("%s is nil", name)
		}
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns a noop meter; instruments are still created.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestNopMetrics(t *testing.T) {
	m := NopMetrics()
	m.IntentsAccepted.Add(context.Background(), 1)
	m.WindowsOpen.Add(context.Background(), -1)
}

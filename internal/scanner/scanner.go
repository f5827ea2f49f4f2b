// Package scanner runs the swarm of periodic probes that watch the control
// plane. Every observation becomes a deduplicated incident, and the Queen
// answers each incident with a short-lived pheromone.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
)

// Incident kinds emitted by the built-in scanners.
const (
	KindZombie         = "zombie"
	KindCPUSpike       = "cpu_spike"
	KindErrorRecurrent = "error_recurrent"
	KindDrift          = "drift"
)

// Severities, lowest first.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Observation is one anomaly reported by a scanner tick.
type Observation struct {
	Kind     string
	Severity string
	// Subject names the thing the anomaly is about ("daughter:<id>",
	// "host", "provider:<id>"). Together with Kind it forms the dedup key.
	Subject string
	Details map[string]any
}

// Scanner is a pure observation routine. Scan must not change control plane
// state; the swarm records whatever it returns.
type Scanner interface {
	ID() string
	Role() string
	Scan(ctx context.Context) ([]Observation, error)
}

// DedupKey derives the stable incident key of an observation.
func DedupKey(kind, subject string) string {
	return kind + "|" + subject
}

func validate(o Observation) error {
	if o.Kind == "" || o.Subject == "" {
		return fmt.Errorf("observation needs kind and subject")
	}
	switch o.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return nil
	}
	return fmt.Errorf("unknown severity %q", o.Severity)
}

func encodeDetails(details map[string]any) (json.RawMessage, error) {
	if details == nil {
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode observation details: %w", err)
	}
	return b, nil
}

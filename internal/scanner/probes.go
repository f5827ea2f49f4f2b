package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/shared"
)

// ZombieScanner finds work the control plane forgot about: daughters alive
// past their TTL, terminal daughters never reaped and plans that stopped
// making progress.
type ZombieScanner struct {
	Store *persistence.Store
	Clock shared.Clock
	// Grace is added to a daughter's TTL before it counts as a zombie, and
	// is how long a terminal daughter may stay unreaped.
	Grace time.Duration
	// StaleAfter is how long a plan may sit in RUNNING or WAITING_* without
	// an update.
	StaleAfter time.Duration
}

func (z *ZombieScanner) ID() string   { return "zombie" }
func (z *ZombieScanner) Role() string { return "reaper" }

func (z *ZombieScanner) Scan(ctx context.Context) ([]Observation, error) {
	now := clockOrReal(z.Clock).Now()
	grace := z.Grace
	if grace <= 0 {
		grace = time.Minute
	}
	stale := z.StaleAfter
	if stale <= 0 {
		stale = 15 * time.Minute
	}

	var out []Observation
	live, err := z.Store.ListDaughtersByState(ctx, persistence.DaughterStarting, persistence.DaughterRunning)
	if err != nil {
		return nil, err
	}
	for _, d := range live {
		deadline := d.CreatedAt.Add(d.TTL).Add(grace)
		if now.Before(deadline) {
			continue
		}
		out = append(out, Observation{
			Kind:     KindZombie,
			Severity: SeverityHigh,
			Subject:  "daughter:" + d.DaughterID,
			Details: map[string]any{
				"state":      string(d.State),
				"plan_id":    d.PlanID,
				"overdue_ms": now.Sub(deadline).Milliseconds(),
			},
		})
	}

	unreaped, err := z.Store.ListUnreapedDaughters(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range unreaped {
		if d.FinishedAt == nil || now.Sub(*d.FinishedAt) < grace {
			continue
		}
		out = append(out, Observation{
			Kind:     KindZombie,
			Severity: SeverityMedium,
			Subject:  "daughter:" + d.DaughterID,
			Details: map[string]any{
				"state":       string(d.State),
				"finished_at": d.FinishedAt,
				"unreaped":    true,
			},
		})
	}

	plans, err := z.Store.ListPlansByState(ctx, persistence.PlanRunning, persistence.PlanWaitingProvider, persistence.PlanWaitingDaughter)
	if err != nil {
		return nil, err
	}
	for _, p := range plans {
		idle := now.Sub(p.UpdatedAt)
		if idle < stale {
			continue
		}
		out = append(out, Observation{
			Kind:     KindZombie,
			Severity: SeverityHigh,
			Subject:  "plan:" + p.PlanID,
			Details: map[string]any{
				"state":          string(p.State),
				"correlation_id": p.CorrelationID,
				"idle_ms":        idle.Milliseconds(),
			},
		})
	}
	return out, nil
}

// CPUScanner reports host CPU load above Threshold percent.
type CPUScanner struct {
	Sampler   Sampler
	Threshold float64
}

func (c *CPUScanner) ID() string   { return "cpu" }
func (c *CPUScanner) Role() string { return "sentinel" }

func (c *CPUScanner) Scan(ctx context.Context) ([]Observation, error) {
	load, err := c.Sampler.CPUPercent(ctx)
	if err != nil {
		return nil, err
	}
	threshold := c.Threshold
	if threshold <= 0 {
		threshold = DefaultCPUThreshold
	}
	if load <= threshold {
		return nil, nil
	}
	sev := SeverityHigh
	if load >= 95 {
		sev = SeverityCritical
	}
	return []Observation{{
		Kind:     KindCPUSpike,
		Severity: sev,
		Subject:  "host",
		Details: map[string]any{
			"cpu_percent": load,
			"threshold":   threshold,
		},
	}}, nil
}

// ErrorRecurrentScanner counts failures in the recent audit log. A plan
// error code or a provider that fails Threshold times within Window is
// reported.
type ErrorRecurrentScanner struct {
	Store     *persistence.Store
	Clock     shared.Clock
	Window    time.Duration
	Threshold int
}

func (e *ErrorRecurrentScanner) ID() string   { return "error_recurrent" }
func (e *ErrorRecurrentScanner) Role() string { return "analyst" }

func (e *ErrorRecurrentScanner) Scan(ctx context.Context) ([]Observation, error) {
	window := e.Window
	if window <= 0 {
		window = 5 * time.Minute
	}
	threshold := e.Threshold
	if threshold <= 0 {
		threshold = 3
	}
	now := clockOrReal(e.Clock).Now()
	events, err := e.Store.ListAuditRange(ctx, now.Add(-window), time.Time{}, 10000)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, ev := range events {
		switch ev.Kind {
		case persistence.AuditPlanTransition:
			if ev.AfterState != string(persistence.PlanError) {
				continue
			}
			var d struct {
				ErrorCode string `json:"error_code"`
			}
			_ = json.Unmarshal(ev.Details, &d)
			if d.ErrorCode == "" {
				d.ErrorCode = "unknown"
			}
			counts["error_code:"+d.ErrorCode]++
		case persistence.AuditProviderOutcome:
			switch ev.AfterState {
			case "timeout", "error", "failure":
				counts["provider:"+ev.EntityID]++
			}
		}
	}

	var out []Observation
	for _, subject := range slices.Sorted(maps.Keys(counts)) {
		n := counts[subject]
		if n < threshold {
			continue
		}
		sev := SeverityMedium
		if n >= 3*threshold {
			sev = SeverityHigh
		}
		out = append(out, Observation{
			Kind:     KindErrorRecurrent,
			Severity: sev,
			Subject:  subject,
			Details: map[string]any{
				"count":          n,
				"window_seconds": int(window.Seconds()),
			},
		})
	}
	return out, nil
}

// DriftScanner compares recorded state with what should hold: open windows
// past their closing time, more than one open window on a target, and a
// config file that no longer matches the running configuration.
type DriftScanner struct {
	Store *persistence.Store
	Clock shared.Clock
	// Fingerprints returns the running and on-disk config fingerprints. Nil
	// disables the config check.
	Fingerprints func() (running, onDisk string, err error)
}

func (d *DriftScanner) ID() string   { return "drift" }
func (d *DriftScanner) Role() string { return "auditor" }

func (d *DriftScanner) Scan(ctx context.Context) ([]Observation, error) {
	now := clockOrReal(d.Clock).Now()
	windows, err := d.Store.ListOpenWindows(ctx)
	if err != nil {
		return nil, err
	}
	var out []Observation
	perTarget := make(map[string][]string)
	for _, w := range windows {
		perTarget[w.Target] = append(perTarget[w.Target], w.WindowID)
		if now.Before(w.ClosesAt) {
			continue
		}
		out = append(out, Observation{
			Kind:     KindDrift,
			Severity: SeverityLow,
			Subject:  "window:" + w.WindowID,
			Details: map[string]any{
				"target":    w.Target,
				"closes_at": w.ClosesAt,
				"late_ms":   now.Sub(w.ClosesAt).Milliseconds(),
			},
		})
	}
	for _, target := range slices.Sorted(maps.Keys(perTarget)) {
		ids := perTarget[target]
		if len(ids) < 2 {
			continue
		}
		out = append(out, Observation{
			Kind:     KindDrift,
			Severity: SeverityCritical,
			Subject:  "target:" + target,
			Details: map[string]any{
				"open_windows": ids,
			},
		})
	}

	if d.Fingerprints != nil {
		running, onDisk, err := d.Fingerprints()
		if err != nil {
			return out, fmt.Errorf("config fingerprint: %w", err)
		}
		if running != onDisk {
			out = append(out, Observation{
				Kind:     KindDrift,
				Severity: SeverityMedium,
				Subject:  "config",
				Details: map[string]any{
					"running": running,
					"on_disk": onDisk,
				},
			})
		}
	}
	return out, nil
}

func clockOrReal(c shared.Clock) shared.Clock {
	if c == nil {
		return shared.RealClock()
	}
	return c
}

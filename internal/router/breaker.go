package router

import "time"

// BreakerState is the circuit breaker state of one provider.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig tunes every provider's breaker.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	MaxCooldown      time.Duration
	HalfOpenProbes   int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = max(c.Cooldown, 10*time.Minute)
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 1
	}
	return c
}

// Breaker is the state of one circuit. It is not safe for concurrent use;
// the router guards each breaker with its provider's lock.
type Breaker struct {
	State               BreakerState
	ConsecutiveFailures int
	OpenedAt            time.Time
	Cooldown            time.Duration

	probes int // half-open probes in flight
}

// Refresh moves an OPEN breaker to HALF_OPEN once its cooldown elapsed.
// It reports whether the state changed.
func (b *Breaker) Refresh(now time.Time) bool {
	if b.State == BreakerOpen && !now.Before(b.OpenedAt.Add(b.Cooldown)) {
		b.State = BreakerHalfOpen
		b.probes = 0
		return true
	}
	return false
}

// Acquire reserves a call slot. probe is true when the call is a half-open
// probe.
func (b *Breaker) Acquire(cfg BreakerConfig) (ok, probe bool) {
	switch b.State {
	case BreakerClosed:
		return true, false
	case BreakerHalfOpen:
		if b.probes < cfg.HalfOpenProbes {
			b.probes++
			return true, true
		}
	}
	return false, false
}

// CanAcquire is Acquire without reserving anything.
func (b *Breaker) CanAcquire(cfg BreakerConfig) bool {
	switch b.State {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		return b.probes < cfg.HalfOpenProbes
	}
	return false
}

// Release returns a probe slot without recording an outcome.
func (b *Breaker) Release(probe bool) {
	if probe && b.probes > 0 {
		b.probes--
	}
}

// Record folds an outcome into the breaker.
func (b *Breaker) Record(cfg BreakerConfig, o Outcome, probe bool, now time.Time) {
	b.Release(probe)
	failed := o.IsFailure()
	if failed {
		b.ConsecutiveFailures++
	} else {
		b.ConsecutiveFailures = 0
	}
	switch b.State {
	case BreakerClosed:
		if failed && b.ConsecutiveFailures >= cfg.FailureThreshold {
			b.trip(now, cfg.Cooldown)
		}
	case BreakerHalfOpen:
		if !probe {
			return
		}
		if failed {
			b.trip(now, min(b.Cooldown*2, cfg.MaxCooldown))
			return
		}
		b.State = BreakerClosed
		b.Cooldown = cfg.Cooldown
		b.OpenedAt = time.Time{}
	}
}

// RetryIn is how long until an OPEN breaker admits a probe.
func (b *Breaker) RetryIn(now time.Time) time.Duration {
	if b.State != BreakerOpen {
		return 0
	}
	return max(b.OpenedAt.Add(b.Cooldown).Sub(now), 0)
}

func (b *Breaker) trip(now time.Time, cooldown time.Duration) {
	b.State = BreakerOpen
	b.OpenedAt = now
	b.Cooldown = cooldown
	b.probes = 0
}

package orchestrator

import (
	"context"
	"time"

	"github.com/basket/vx11/internal/apierr"
)

// Backoff is the retry schedule for transient step failures.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = 100 * time.Millisecond
	}
	if b.Cap <= 0 {
		b.Cap = 5 * time.Second
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 3
	}
	return b
}

// Delay returns the wait before attempt+1, given attempt (1-based) failed.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	return min(d, b.Cap)
}

// ShouldRetry reports whether a step that failed with err on attempt may run
// again.
func (b Backoff) ShouldRetry(err error, attempt int) bool {
	return attempt < b.withDefaults().MaxAttempts && apierr.IsTransient(err)
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StepRetryEvent is published on the bus when a plan step is retried.
type StepRetryEvent struct {
	PlanID        string
	CorrelationID string
	StepIndex     int
	Attempt       int
	Delay         time.Duration
	ErrorCode     string
}

// TopicStepRetry carries StepRetryEvent payloads.
const TopicStepRetry = "plan.step_retry"

package router

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/basket/vx11/internal/apierr"
)

func TestNextScore_DecayBeforeReward(t *testing.T) {
	got := NextScore(0.5, 0.95, OutcomeSuccess)
	if want := 0.5*0.95 + 0.20; math.Abs(got-want) > 1e-12 {
		t.Fatalf("score = %v, want %v", got, want)
	}
	got = NextScore(0.5, 0.95, OutcomeError)
	if want := 0.5*0.95 - 0.25; math.Abs(got-want) > 1e-12 {
		t.Fatalf("score = %v, want %v", got, want)
	}
}

func TestNextScore_StaysInBounds(t *testing.T) {
	s := 0.0
	for i := 0; i < 200; i++ {
		s = NextScore(s, 0.99, OutcomeSuccess)
		if s > 1.0 {
			t.Fatalf("score %v above 1 after %d successes", s, i+1)
		}
	}
	if s != 1.0 {
		t.Fatalf("score should saturate at 1, got %v", s)
	}
	for i := 0; i < 200; i++ {
		s = NextScore(s, 0.99, OutcomeFailure)
		if s < -1.0 {
			t.Fatalf("score %v below -1", s)
		}
	}
	if s != -1.0 {
		t.Fatalf("score should saturate at -1, got %v", s)
	}
}

func TestClassifyOutcome(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		err  error
		want Outcome
	}{
		{"success", &Response{}, nil, OutcomeSuccess},
		{"partial", &Response{Partial: true}, nil, OutcomePartialSuccess},
		{"deadline", nil, context.DeadlineExceeded, OutcomeTimeout},
		{"upstream timeout", nil, apierr.New(apierr.CodeUpstreamTimeout, "slow"), OutcomeTimeout},
		{"bad request", nil, apierr.New(apierr.CodeBadRequest, "nope"), OutcomeFailure},
		{"5xx", nil, apierr.New(apierr.CodeInternal, "boom"), OutcomeError},
		{"transport", nil, errors.New("connection refused"), OutcomeError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyOutcome(tc.resp, tc.err); got != tc.want {
				t.Fatalf("ClassifyOutcome = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestParseOutcome(t *testing.T) {
	if _, err := ParseOutcome("success"); err != nil {
		t.Fatalf("parse success: %v", err)
	}
	if _, err := ParseOutcome("great"); err == nil {
		t.Fatal("expected unknown outcome error")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 3, Cooldown: 10 * time.Second, MaxCooldown: 25 * time.Second}.withDefaults()
	b := Breaker{State: BreakerClosed, Cooldown: cfg.Cooldown}
	now := time.Unix(1000, 0)
	for i := 0; i < 2; i++ {
		b.Record(cfg, OutcomeError, false, now)
	}
	if b.State != BreakerClosed {
		t.Fatalf("state = %s after 2 failures", b.State)
	}
	b.Record(cfg, OutcomeSuccess, false, now)
	if b.ConsecutiveFailures != 0 {
		t.Fatal("success must reset consecutive failures")
	}
	for i := 0; i < 3; i++ {
		b.Record(cfg, OutcomeTimeout, false, now)
	}
	if b.State != BreakerOpen || !b.OpenedAt.Equal(now) {
		t.Fatalf("breaker = %+v", b)
	}
	if ok, _ := b.Acquire(cfg); ok {
		t.Fatal("open breaker must refuse calls")
	}
	if b.Refresh(now.Add(9 * time.Second)) {
		t.Fatal("cooldown not elapsed yet")
	}
	if got := b.RetryIn(now.Add(4 * time.Second)); got != 6*time.Second {
		t.Fatalf("RetryIn = %v", got)
	}
}

func TestBreaker_HalfOpenProbes(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Second, MaxCooldown: 25 * time.Second}.withDefaults()
	b := Breaker{State: BreakerClosed, Cooldown: cfg.Cooldown}
	now := time.Unix(1000, 0)
	b.Record(cfg, OutcomeFailure, false, now)

	now = now.Add(10 * time.Second)
	if !b.Refresh(now) || b.State != BreakerHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", b.State)
	}
	ok, probe := b.Acquire(cfg)
	if !ok || !probe {
		t.Fatal("first half-open call must be a probe")
	}
	if ok, _ := b.Acquire(cfg); ok {
		t.Fatal("only one probe may be in flight")
	}

	// Failed probe doubles the cooldown.
	b.Record(cfg, OutcomeError, true, now)
	if b.State != BreakerOpen || b.Cooldown != 20*time.Second {
		t.Fatalf("breaker = %+v", b)
	}
	now = now.Add(20 * time.Second)
	b.Refresh(now)
	b.Acquire(cfg)
	b.Record(cfg, OutcomeError, true, now)
	if b.Cooldown != 25*time.Second {
		t.Fatalf("cooldown must be capped, got %v", b.Cooldown)
	}

	now = now.Add(25 * time.Second)
	b.Refresh(now)
	b.Acquire(cfg)
	b.Record(cfg, OutcomeSuccess, true, now)
	if b.State != BreakerClosed || b.Cooldown != cfg.Cooldown {
		t.Fatalf("successful probe must close and reset cooldown: %+v", b)
	}
}

func TestBreaker_ReleaseFreesProbe(t *testing.T) {
	cfg := BreakerConfig{}.withDefaults()
	b := Breaker{State: BreakerHalfOpen, Cooldown: cfg.Cooldown}
	ok, probe := b.Acquire(cfg)
	if !ok || !probe {
		t.Fatal("expected probe")
	}
	b.Release(true)
	if !b.CanAcquire(cfg) {
		t.Fatal("released probe slot must be reusable")
	}
}

package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/vx11/internal/apierr"
)

func TestBackoff_DelayDoublesUpToCap(t *testing.T) {
	b := Backoff{}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{7, 5 * time.Second},
		{40, 5 * time.Second},
	}
	for _, tc := range tests {
		if got := b.Delay(tc.attempt); got != tc.want {
			t.Fatalf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoff_ShouldRetry(t *testing.T) {
	b := Backoff{}
	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"unreachable first attempt", apierr.New(apierr.CodeUpstreamUnreachable, "x"), 1, true},
		{"timeout second attempt", apierr.New(apierr.CodeUpstreamTimeout, "x"), 2, true},
		{"breaker refusal", apierr.New(apierr.CodeProviderUnavailable, "x"), 1, true},
		{"daughter timeout", apierr.New(apierr.CodeDaughterTimeout, "x"), 2, true},
		{"attempts used up", apierr.New(apierr.CodeUpstreamUnreachable, "x"), 3, false},
		{"policy denial", apierr.New(apierr.CodeOffByPolicy, "x"), 1, false},
		{"unknown intent", apierr.New(apierr.CodeUnknownIntent, "x"), 1, false},
		{"bad request", apierr.New(apierr.CodeBadRequest, "x"), 1, false},
		{"plain error", errors.New("boom"), 1, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := b.ShouldRetry(tc.err, tc.attempt); got != tc.want {
				t.Fatalf("ShouldRetry = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSleepCtx_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := sleepCtx(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("sleepCtx ignored cancellation")
	}
}

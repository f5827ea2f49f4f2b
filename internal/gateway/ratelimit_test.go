package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/policy"
	"github.com/basket/vx11/internal/shared"
)

func TestRateLimiter_WindowsAndEviction(t *testing.T) {
	clock := shared.NewFakeClock(time.Date(2026, 4, 4, 10, 0, 50, 0, time.UTC))
	rl := NewRateLimiter(3, clock, nil)

	for i := 0; i < 3; i++ {
		if ok, _ := rl.Allow("a"); !ok {
			t.Fatalf("request %d rejected", i)
		}
	}
	ok, wait := rl.Allow("a")
	if ok || wait != 10*time.Second {
		t.Fatalf("fourth request: ok=%v wait=%v, want rejected with 10s", ok, wait)
	}
	if ok, _ := rl.Allow("b"); !ok {
		t.Fatalf("other key shares the window")
	}

	clock.Advance(10 * time.Second)
	if n := rl.EvictStale(); n != 2 {
		t.Fatalf("evicted = %d, want 2", n)
	}
	if rl.Len() != 0 {
		t.Fatalf("len after eviction = %d", rl.Len())
	}
	if ok, _ := rl.Allow("a"); !ok {
		t.Fatalf("new window still limited")
	}
}

func TestRateLimiter_DefaultLimit(t *testing.T) {
	rl := NewRateLimiter(0, shared.NewFakeClock(time.Date(2026, 4, 4, 10, 0, 0, 0, time.UTC)), nil)
	for i := 0; i < DefaultRateLimitPerMinute; i++ {
		if ok, _ := rl.Allow("k"); !ok {
			t.Fatalf("request %d rejected under default limit", i)
		}
	}
	if ok, _ := rl.Allow("k"); ok {
		t.Fatalf("request over default limit admitted")
	}
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/intents/x/stream?token=q", nil)
	if got := ExtractToken(r); got != "q" {
		t.Fatalf("query token = %q", got)
	}
	r.Header.Set("Authorization", "Bearer b")
	if got := ExtractToken(r); got != "b" {
		t.Fatalf("bearer token = %q", got)
	}
	r.Header.Set(HeaderAuthToken, "h")
	if got := ExtractToken(r); got != "h" {
		t.Fatalf("header token = %q", got)
	}
}

func TestAuthMiddleware_TokenModeWithoutTokensRejects(t *testing.T) {
	am := NewAuthMiddleware(AuthModeToken, false, nil, nil)
	r := httptest.NewRequest("GET", "/routes", nil)
	r.Header.Set(HeaderAuthToken, "anything")
	if _, err := am.Authenticate(r); !apierr.IsCode(err, apierr.CodeAuthRequired) {
		t.Fatalf("err = %v, want auth_required", err)
	}
}

func TestRouteTable_Validation(t *testing.T) {
	cases := []struct {
		name   string
		routes []Route
	}{
		{"empty", nil},
		{"unknown target", []Route{{IntentType: "x", Target: "mars"}}},
		{"unknown executor", []Route{{IntentType: "x", Target: policy.TargetOrchestrator, Executor: policy.TargetScanner}}},
		{"duplicate", []Route{{IntentType: "x", Target: policy.TargetRouter}, {IntentType: "x", Target: policy.TargetRouter}}},
		{"bad schema", []Route{{IntentType: "x", Target: policy.TargetRouter, Schema: json.RawMessage(`{"type": 12}`)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRouteTable(tc.routes); err == nil {
				t.Fatalf("want error")
			}
		})
	}
}

func TestRouteTable_ReplaceKeepsOldSetOnError(t *testing.T) {
	rt, err := NewRouteTable(DefaultRoutes())
	if err != nil {
		t.Fatalf("default routes: %v", err)
	}
	if err := rt.Replace([]Route{{IntentType: "x", Target: "nowhere"}}); err == nil {
		t.Fatalf("invalid replace accepted")
	}
	if _, ok := rt.Lookup("chat"); !ok {
		t.Fatalf("chat route lost after failed replace")
	}

	if err := rt.Replace([]Route{{IntentType: "ping", Target: policy.TargetRouter}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	r, ok := rt.Lookup("ping")
	if !ok || r.Executor != policy.TargetRouter {
		t.Fatalf("ping route = %+v, %v", r, ok)
	}
	if _, ok := rt.Lookup("chat"); ok {
		t.Fatalf("old routes survived replace")
	}
	// No schema: anything goes.
	if err := rt.Validate("ping", json.RawMessage(`"text"`)); err != nil {
		t.Fatalf("schemaless validate: %v", err)
	}
	if err := rt.Validate("chat", nil); !apierr.IsCode(err, apierr.CodeUnknownIntent) {
		t.Fatalf("validate unknown = %v", err)
	}
}

package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodeAuthRequired:        401,
		CodeForbidden:           403,
		CodeOffByPolicy:         403,
		CodeRateLimited:         429,
		CodeUnknownIntent:       404,
		CodeBadRequest:          400,
		CodeConflict:            409,
		CodeNotFound:            404,
		CodeUpstreamUnreachable: 502,
		CodeUpstreamTimeout:     504,
		CodeProviderUnavailable: 503,
		CodeDaughterTimeout:     504,
		CodeInternal:            500,
	}
	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Fatalf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	transient := []Code{CodeUpstreamUnreachable, CodeUpstreamTimeout, CodeProviderUnavailable, CodeDaughterTimeout}
	for _, c := range transient {
		if !IsTransient(New(c, "x")) {
			t.Fatalf("%s should be transient", c)
		}
	}
	for _, c := range []Code{CodeOffByPolicy, CodeUnknownIntent, CodeBadRequest, CodeInternal} {
		if IsTransient(New(c, "x")) {
			t.Fatalf("%s should not be transient", c)
		}
	}
	wrapped := fmt.Errorf("step 2: %w", New(CodeDaughterTimeout, "ttl"))
	if !IsTransient(wrapped) {
		t.Fatal("wrapped daughter_timeout should be transient")
	}
	if IsTransient(nil) {
		t.Fatal("nil is not transient")
	}
}

func TestFromClassifiesPlainErrors(t *testing.T) {
	if got := CodeOf(errors.New("boom")); got != CodeInternal {
		t.Fatalf("CodeOf(plain) = %s, want internal_error", got)
	}
}

func TestWriteOffByPolicyEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	err := New(CodeOffByPolicy, "target spawner is not reachable").WithRetryAfter(0)
	err.Policy = "solo_madre"
	Write(rec, err, "cid-1")

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if raw["status"] != "off_by_policy" || raw["code"] != "off_by_policy" || raw["policy"] != "solo_madre" {
		t.Fatalf("unexpected envelope: %v", raw)
	}
	if v, ok := raw["retry_after_ms"]; !ok || v.(float64) != 0 {
		t.Fatalf("retry_after_ms = %v (present=%v), want 0", v, ok)
	}
	if raw["correlation_id"] != "cid-1" {
		t.Fatalf("correlation_id = %v", raw["correlation_id"])
	}
	if _, ok := raw["timestamp"]; !ok {
		t.Fatal("timestamp missing")
	}
}

func TestWriteRateLimitedSetsRetryAfterHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, New(CodeRateLimited, "limit").WithRetryAfter(1500*time.Millisecond), "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want 2", got)
	}
	var env Envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	if env.Status != "rate_limited" || env.RetryAfterMs == nil || *env.RetryAfterMs != 1500 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestEnvelopeOmitsRetryAfterWithoutHint(t *testing.T) {
	env := EnvelopeFor(New(CodeBadRequest, "bad"), "", time.Now())
	if env.RetryAfterMs != nil {
		t.Fatalf("retry_after_ms should be omitted, got %d", *env.RetryAfterMs)
	}
	if env.Status != "error" {
		t.Fatalf("status = %q, want error", env.Status)
	}
}

func TestFromResponseRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, New(CodeDaughterTimeout, "ttl expired").WithRetryAfter(time.Second), "cid")
	ae := FromResponse(rec.Code, rec.Body.Bytes())
	if ae.Code != CodeDaughterTimeout || ae.RetryAfter != time.Second {
		t.Fatalf("decoded = %+v", ae)
	}

	ae = FromResponse(502, []byte("<html>bad gateway</html>"))
	if ae.Code != CodeUpstreamUnreachable {
		t.Fatalf("non-envelope 502 code = %s", ae.Code)
	}
}

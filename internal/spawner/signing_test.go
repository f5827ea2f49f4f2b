package spawner

import (
	"errors"
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	body := []byte(`{"daughter_id":"d1","status":"DONE"}`)
	tok, err := Sign("s3cret", "d1", KindCallback, body, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := Verify("s3cret", "d1", KindCallback, "Bearer "+tok, body, now.Add(time.Minute)); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejects(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	body := []byte(`{"daughter_id":"d1","status":"DONE"}`)
	tok, err := Sign("s3cret", "d1", KindCallback, body, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tests := []struct {
		name   string
		secret string
		id     string
		kind   string
		token  string
		body   []byte
		at     time.Time
	}{
		{"wrong secret", "other", "d1", KindCallback, tok, body, now},
		{"other daughter", "s3cret", "d2", KindCallback, tok, body, now},
		{"wrong kind", "s3cret", "d1", KindHeartbeat, tok, body, now},
		{"tampered body", "s3cret", "d1", KindCallback, tok, []byte(`{"daughter_id":"d1","status":"ERROR"}`), now},
		{"expired", "s3cret", "d1", KindCallback, tok, body, now.Add(time.Hour)},
		{"missing", "s3cret", "d1", KindCallback, "", body, now},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Verify(tc.secret, tc.id, tc.kind, tc.token, tc.body, tc.at)
			if !errors.Is(err, ErrBadSignature) {
				t.Fatalf("err = %v, want ErrBadSignature", err)
			}
		})
	}
}

func TestDaughterKeyIsPerDaughter(t *testing.T) {
	a := DaughterKeyHex("s", "d1")
	b := DaughterKeyHex("s", "d2")
	if a == b || len(a) != 64 {
		t.Fatalf("keys %s / %s", a, b)
	}
	if DaughterKeyHex("s", "d1") != a {
		t.Fatal("key derivation must be deterministic")
	}
}

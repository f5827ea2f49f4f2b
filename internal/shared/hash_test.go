package shared

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestPayloadHashIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a, err := PayloadHash(json.RawMessage(`{"b":2,"a":[1,2,{"y":true,"x":null}]}`))
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	b, err := PayloadHash(json.RawMessage(`{ "a": [1, 2, {"x": null, "y": true}], "b": 2 }`))
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if a != b {
		t.Fatalf("hashes differ: %s vs %s", a, b)
	}
	c, _ := PayloadHash(json.RawMessage(`{"a":[1,2],"b":3}`))
	if c == a {
		t.Fatal("different payloads produced the same hash")
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64", len(a))
	}
}

func TestPayloadHashEmptyIsNull(t *testing.T) {
	empty, err := PayloadHash(nil)
	if err != nil {
		t.Fatalf("hash empty: %v", err)
	}
	null, _ := PayloadHash(json.RawMessage("null"))
	if empty != null {
		t.Fatal("empty payload should hash like null")
	}
}

func TestPayloadHashRejectsInvalidJSON(t *testing.T) {
	if _, err := PayloadHash(json.RawMessage(`{"a":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func TestTokenFingerprint(t *testing.T) {
	if TokenFingerprint("") != "" {
		t.Fatal("empty token should have empty fingerprint")
	}
	fp := TokenFingerprint("secret-token")
	if len(fp) != 16 || fp == "secret-token" {
		t.Fatalf("fingerprint = %q", fp)
	}
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("Now = %v", got)
	}
	c.Set(start)
	if !c.Now().Equal(start) {
		t.Fatal("Set did not move the clock")
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	var km KeyedMutex
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("plan_1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
	if km.Len() != 0 {
		t.Fatalf("locks not released: %d", km.Len())
	}
}

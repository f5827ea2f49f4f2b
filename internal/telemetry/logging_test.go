package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/vx11/internal/shared"
)

func lastEntry(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "plan_state", "QUEUED")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	entry := lastEntry(t, raw)
	for _, key := range []string{"timestamp", "level", "msg", "component"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "control-plane" {
		t.Fatalf("expected component=control-plane, got %#v", entry["component"])
	}
	if entry["plan_state"] != "QUEUED" {
		t.Fatalf("expected plan_state propagation, got %#v", entry["plan_state"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "info"))

	logger.Info("security check",
		"auth_token", "abc123",
		"callback_secret", "s3cr3t",
		"header", "X-Auth-Token: abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
	)

	entry := lastEntry(t, buf.Bytes())
	for _, key := range []string{"auth_token", "callback_secret", "header", "auth_header"} {
		if entry[key] != "[REDACTED]" {
			t.Fatalf("expected %s redaction, got %#v", key, entry[key])
		}
	}
}

func TestHandler_AddsContextIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "debug")).With("component", "gateway")

	ctx := shared.WithCorrelationID(context.Background(), "cid-123")
	ctx = shared.WithPlanID(ctx, "plan_9")
	logger.InfoContext(ctx, "intent accepted")

	entry := lastEntry(t, buf.Bytes())
	if entry["correlation_id"] != "cid-123" {
		t.Fatalf("expected correlation_id from context, got %#v", entry["correlation_id"])
	}
	if entry["plan_id"] != "plan_9" {
		t.Fatalf("expected plan_id from context, got %#v", entry["plan_id"])
	}
	if entry["component"] != "gateway" {
		t.Fatalf("WithAttrs lost component: %#v", entry)
	}

	buf.Reset()
	logger.Info("no context")
	entry = lastEntry(t, buf.Bytes())
	if _, ok := entry["correlation_id"]; ok {
		t.Fatalf("unexpected correlation_id without context: %#v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

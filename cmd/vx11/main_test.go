package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/basket/vx11/internal/config"
	"github.com/basket/vx11/internal/policy"
)

// useHome points the CLI at a fresh home directory for one test.
func useHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	viper.Set("home", home)
	t.Cleanup(viper.Reset)
	return home
}

func writeConfigFile(t *testing.T, home, body string) {
	t.Helper()
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:18800", "http://127.0.0.1:18800"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000"},
		{":9000", "http://127.0.0.1:9000"},
		{"[::]:9000", "http://127.0.0.1:9000"},
		{"example.internal:80", "http://example.internal:80"},
	}
	for _, tt := range tests {
		if got := baseURL(tt.addr); got != tt.want {
			t.Fatalf("baseURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestHomeDir_FlagWinsOverEnv(t *testing.T) {
	t.Setenv("VX11_HOME", "/from/env")
	viper.Set("home", "/from/flag")
	t.Cleanup(viper.Reset)
	if got := homeDir(); got != "/from/flag" {
		t.Fatalf("homeDir = %q, want /from/flag", got)
	}
	viper.Set("home", "")
	if got := homeDir(); got != "/from/env" {
		t.Fatalf("homeDir = %q, want /from/env", got)
	}
}

func TestDoJSON_ErrorEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":"error","code":"not_found","reason":"unknown incident inc-1"}`))
	}))
	defer ts.Close()

	err := getJSON(context.Background(), ts.URL, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown incident") {
		t.Fatalf("expected envelope reason in error, got %v", err)
	}
}

func TestProbeComponents(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "module": "router", "providers": 2})
	}))
	defer healthy.Close()
	degraded := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "degraded"})
	}))
	defer degraded.Close()

	rows := probeComponents(context.Background(), config.BindConfig{
		Gateway:      healthy.Listener.Addr().String(),
		Orchestrator: degraded.Listener.Addr().String(),
		Router:       healthy.Listener.Addr().String(),
		Spawner:      "127.0.0.1:1",
		Scanner:      "127.0.0.1:1",
	})
	if len(rows) != 5 {
		t.Fatalf("got %d rows, want 5", len(rows))
	}
	for i, want := range policy.KnownTargets {
		if rows[i].Module != want {
			t.Fatalf("row %d module = %s, want %s", i, rows[i].Module, want)
		}
	}
	wantStatus := []string{"ok", "degraded", "ok", "down", "down"}
	for i, want := range wantStatus {
		if rows[i].Status != want {
			t.Fatalf("%s status = %s, want %s", rows[i].Module, rows[i].Status, want)
		}
	}
	if rows[3].Error == "" {
		t.Fatalf("expected an error for an unreachable component")
	}
}

func TestRenderStatus_JSONWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	rows := []componentStatus{{Module: "gateway", URL: "http://127.0.0.1:1", Status: "ok"}}
	if err := renderStatus(&buf, rows); err != nil {
		t.Fatalf("render: %v", err)
	}
	var out struct {
		Components []componentStatus `json:"components"`
	}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if len(out.Components) != 1 || out.Components[0].Module != "gateway" {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestHealthDetail(t *testing.T) {
	got := healthDetail(map[string]any{"status": "ok", "module": "scanner", "scanners": 4, "open_incidents": 1})
	if got != "open_incidents=1 scanners=4" {
		t.Fatalf("healthDetail = %q", got)
	}
}

func TestInitCommand_WritesStarter(t *testing.T) {
	home := useHome(t)
	viper.Set("json", true)

	cmd := initCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("init: %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["auth_token"] == "" {
		t.Fatalf("expected a token, got %v", out)
	}
	if out["config"] != filepath.Join(home, "config.yaml") {
		t.Fatalf("config path = %s", out["config"])
	}

	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("load starter config: %v", err)
	}
	if len(cfg.AuthTokens) != 1 || cfg.AuthTokens[0] != out["auth_token"] {
		t.Fatalf("token not persisted: %v", cfg.AuthTokens)
	}

	if err := initCmd().Execute(); err == nil {
		t.Fatalf("expected second init to refuse overwriting")
	}
}

func TestPolicyCommands(t *testing.T) {
	home := useHome(t)
	viper.Set("json", true)
	writeConfigFile(t, home, "auth_tokens: [test-token]\n")

	set := policySetCmd()
	set.SetArgs([]string{"window_only"})
	set.SetOut(&bytes.Buffer{})
	if err := set.Execute(); err != nil {
		t.Fatalf("policy set: %v", err)
	}
	if _, err := os.Stat(config.PolicyPath(home)); err != nil {
		t.Fatalf("policy.yaml not written: %v", err)
	}

	show := policyShowCmd()
	var buf bytes.Buffer
	show.SetOut(&buf)
	if err := show.Execute(); err != nil {
		t.Fatalf("policy show: %v", err)
	}
	var v policyView
	if err := json.Unmarshal(buf.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Mode != policy.ModeWindowOnly || v.Source != config.FilePolicy {
		t.Fatalf("unexpected policy view: %+v", v)
	}
	for _, target := range v.Allowed {
		if target == policy.TargetRouter || target == policy.TargetSpawner {
			t.Fatalf("%s must need a window under window_only", target)
		}
	}

	bad := policySetCmd()
	bad.SetArgs([]string{"everything"})
	bad.SetOut(&bytes.Buffer{})
	if err := bad.Execute(); err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
}

func TestIsAddrInUse(t *testing.T) {
	if !isAddrInUse(errString("listen tcp 127.0.0.1:18800: bind: address already in use")) {
		t.Fatalf("expected address-in-use match")
	}
	if isAddrInUse(errString("permission denied")) {
		t.Fatalf("unexpected match")
	}
}

type errString string

func (e errString) Error() string { return string(e) }

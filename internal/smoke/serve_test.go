package smoke

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const smokeToken = "smoke-token"

type binds struct {
	Gateway, Orchestrator, Router, Spawner, Scanner string
}

func freeBinds(t *testing.T) binds {
	t.Helper()
	return binds{
		Gateway:      pickFreeAddr(t),
		Orchestrator: pickFreeAddr(t),
		Router:       pickFreeAddr(t),
		Spawner:      pickFreeAddr(t),
		Scanner:      pickFreeAddr(t),
	}
}

func writeSmokeConfig(t *testing.T, home string, b binds) {
	t.Helper()
	cfg := fmt.Sprintf(`dev_mode: true
transport: http
auth_tokens: [%s]
scanner_interval_seconds: 3600
spawner:
  callback_secret: smoke-callback-secret-0123456789
bind:
  gateway: %s
  orchestrator: %s
  router: %s
  spawner: %s
  scanner: %s
`, smokeToken, b.Gateway, b.Orchestrator, b.Router, b.Spawner, b.Scanner)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func smokeEnv(home string) []string {
	return append(os.Environ(), "VX11_HOME="+home, "NO_COLOR=1")
}

// startServe runs `vx11 serve` and stops it with SIGINT at cleanup.
func startServe(t *testing.T, bin, home string) *bytes.Buffer {
	t.Helper()
	cmd := exec.Command(bin, "serve", "--quiet")
	cmd.Env = smokeEnv(home)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start serve: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(8 * time.Second):
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			t.Errorf("serve did not exit after SIGINT\n%s", out.String())
		}
	})
	return &out
}

type statusRow struct {
	Module string `json:"module"`
	Status string `json:"status"`
}

func waitHealthy(t *testing.T, bin, home string, out *bytes.Buffer) []statusRow {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	var last string
	for time.Now().Before(deadline) {
		s := exec.Command(bin, "status", "--json")
		s.Env = smokeEnv(home)
		raw, err := s.Output()
		last = string(raw)
		if err == nil {
			var body struct {
				Components []statusRow `json:"components"`
			}
			if err := json.Unmarshal(raw, &body); err != nil {
				t.Fatalf("decode status: %v\n%s", err, raw)
			}
			return body.Components
		}
		time.Sleep(150 * time.Millisecond)
	}
	t.Fatalf("control plane not healthy in time\nstatus=%s\nserve=%s", last, out.String())
	return nil
}

func TestSmoke_ServeOverHTTPTransport(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	b := freeBinds(t)
	writeSmokeConfig(t, home, b)
	out := startServe(t, bin, home)

	rows := waitHealthy(t, bin, home, out)
	if len(rows) != 5 {
		t.Fatalf("status rows = %+v", rows)
	}
	for _, r := range rows {
		if r.Status == "down" {
			t.Fatalf("%s is down", r.Module)
		}
	}

	gw := "http://" + b.Gateway
	body := []byte(`{"intent_type":"chat","payload":{"prompt":"ping over http"}}`)

	// Missing token is rejected before anything is persisted.
	resp, err := http.Post(gw+"/intents", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("unauthenticated submit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated submit status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, gw+"/intents", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+smokeToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var accepted struct {
		CorrelationID string `json:"correlation_id"`
		Accepted      bool   `json:"accepted"`
	}
	err = json.NewDecoder(resp.Body).Decode(&accepted)
	resp.Body.Close()
	if err != nil || !accepted.Accepted || accepted.CorrelationID == "" {
		t.Fatalf("submit status=%d body=%+v err=%v", resp.StatusCode, accepted, err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		req, _ := http.NewRequest(http.MethodGet, gw+"/intents/"+accepted.CorrelationID, nil)
		req.Header.Set("Authorization", "Bearer "+smokeToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		var st struct {
			State  string          `json:"state"`
			Result json.RawMessage `json:"result"`
		}
		err = json.NewDecoder(resp.Body).Decode(&st)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if st.State == "DONE" {
			if !strings.Contains(string(st.Result), "ping over http") {
				t.Fatalf("result = %s", st.Result)
			}
			break
		}
		if st.State == "ERROR" || st.State == "CANCELLED" {
			t.Fatalf("plan ended in %s\nserve=%s", st.State, out.String())
		}
		if time.Now().After(deadline) {
			t.Fatalf("plan stuck in %s", st.State)
		}
		time.Sleep(50 * time.Millisecond)
	}

	prov := exec.Command(bin, "providers", "--json")
	prov.Env = smokeEnv(home)
	raw, err := prov.CombinedOutput()
	if err != nil {
		t.Fatalf("providers: %v\n%s", err, raw)
	}
	if !strings.Contains(string(raw), "provider_id") {
		t.Fatalf("providers output = %s", raw)
	}
}

func TestSmoke_BindConflictEmitsReasonCode(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	b := freeBinds(t)
	b.Router = ln.Addr().String()
	writeSmokeConfig(t, home, b)

	cmd := exec.Command(bin, "serve", "--quiet")
	cmd.Env = smokeEnv(home)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start serve: %v", err)
	}
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("serve must fail when a bind is taken\n%s", out.String())
		}
	case <-time.After(10 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatalf("serve did not exit on bind conflict")
	}
	if !strings.Contains(out.String(), "bind_failed") {
		t.Fatalf("missing reason code in output:\n%s", out.String())
	}

	logs, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if !strings.Contains(string(logs), `"reason_code":"bind_failed"`) {
		t.Fatalf("log lacks reason_code:\n%s", logs)
	}
}

func TestSmoke_InvalidConfigFailsFast(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("policy_mode: sideways\nauth_tokens: [x]\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cmd := exec.Command(bin, "serve", "--quiet")
	cmd.Env = smokeEnv(home)
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("serve must refuse an invalid config\n%s", out)
	}
	if !strings.Contains(string(out), "config_invalid") {
		t.Fatalf("output = %s", out)
	}
}

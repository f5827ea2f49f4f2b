// Package doctor runs the diagnostics behind `vx11 doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/vx11/internal/config"
	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/spawner"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks. cfg may be nil when loading failed;
// checks that need it are skipped.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []check{
		checkConfig,
		checkAuth,
		checkDatabase,
		checkPermissions,
		checkLauncher,
		checkProviders,
		checkPorts,
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: err.Error()}
	}
	msg := fmt.Sprintf("Loaded from %s", cfg.HomeDir)
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, running on defaults",
			Detail: "run `vx11 init` to write a starter config"}
	}
	detail := "fingerprint=" + cfg.Fingerprint()
	if cfg.PolicyFromFile {
		detail += ", policy from policy.yaml"
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: msg, Detail: detail}
}

func checkAuth(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.AuthMode == "off" {
		return CheckResult{Name: "Auth", Status: StatusWarn, Message: "auth_mode is off (dev mode)",
			Detail: "every caller is admitted as anon:<host>"}
	}
	if len(cfg.AuthTokens) == 0 {
		return CheckResult{Name: "Auth", Status: StatusWarn, Message: "No auth tokens configured; the gateway rejects every request"}
	}
	if cfg.Spawner.CallbackSecret == "" {
		return CheckResult{Name: "Auth", Status: StatusWarn, Message: fmt.Sprintf("%d token(s); spawner.callback_secret unset", len(cfg.AuthTokens)),
			Detail: "serve generates an ephemeral secret; daughters from a previous run cannot call back"}
	}
	return CheckResult{Name: "Auth", Status: StatusPass, Message: fmt.Sprintf("%d token(s), callback secret set", len(cfg.AuthTokens))}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(config.DBPath(cfg.HomeDir), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid",
		Detail: config.DBPath(cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkLauncher(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Launcher", Status: StatusSkip, Message: "Config missing"}
	}
	switch cfg.Spawner.Launcher {
	case config.LauncherProcess:
		var missing, found []string
		for taskType, command := range cfg.Spawner.Commands {
			fields := strings.Fields(command)
			if len(fields) == 0 {
				continue
			}
			if _, err := exec.LookPath(fields[0]); err != nil {
				missing = append(missing, taskType+": "+fields[0])
			} else {
				found = append(found, taskType)
			}
		}
		sort.Strings(missing)
		if len(missing) > 0 {
			return CheckResult{Name: "Launcher", Status: StatusFail, Message: "process launcher commands not found",
				Detail: strings.Join(missing, ", ")}
		}
		if len(found) == 0 {
			return CheckResult{Name: "Launcher", Status: StatusWarn, Message: "process launcher has no commands; every daughter will fail"}
		}
		return CheckResult{Name: "Launcher", Status: StatusPass, Message: fmt.Sprintf("process launcher, %d command(s)", len(found))}
	case config.LauncherDocker:
		l, err := spawner.NewDockerLauncher(cfg.Spawner.DockerImage, cfg.Spawner.DockerNetwork, cfg.Spawner.DockerMemoryMB, nil)
		if err != nil {
			return CheckResult{Name: "Launcher", Status: StatusFail, Message: err.Error()}
		}
		defer l.Close()
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		version, err := l.Ping(pctx)
		if err != nil {
			return CheckResult{Name: "Launcher", Status: StatusFail, Message: "docker daemon unreachable", Detail: err.Error()}
		}
		return CheckResult{Name: "Launcher", Status: StatusPass, Message: "docker daemon reachable",
			Detail: fmt.Sprintf("api=%s, image=%s", version, cfg.Spawner.DockerImage)}
	default:
		return CheckResult{Name: "Launcher", Status: StatusPass, Message: "noop launcher (daughters are simulated)"}
	}
}

// checkProviders probes GET {url}/health of every HTTP provider.
func checkProviders(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Providers", Status: StatusSkip, Message: "Config missing"}
	}
	if len(cfg.Providers) == 0 {
		if cfg.DevMode {
			return CheckResult{Name: "Providers", Status: StatusPass, Message: "none configured, dev mode registers echo providers"}
		}
		return CheckResult{Name: "Providers", Status: StatusWarn, Message: "No providers configured; router intents will fail"}
	}

	hc := &http.Client{Timeout: 3 * time.Second}
	var down, details []string
	for _, p := range cfg.Providers {
		if p.Kind != config.ProviderKindHTTP {
			details = append(details, p.ID+": "+p.Kind)
			continue
		}
		start := time.Now()
		err := probe(ctx, hc, strings.TrimRight(p.URL, "/")+"/health")
		if err != nil {
			down = append(down, p.ID)
			details = append(details, fmt.Sprintf("%s: %v", p.ID, err))
			continue
		}
		details = append(details, fmt.Sprintf("%s: ok (%dms)", p.ID, time.Since(start).Milliseconds()))
	}
	status := StatusPass
	msg := fmt.Sprintf("%d provider(s) reachable", len(cfg.Providers)-len(down))
	if len(down) > 0 {
		status = StatusWarn
		msg = fmt.Sprintf("%d of %d provider(s) unreachable", len(down), len(cfg.Providers))
	}
	return CheckResult{Name: "Providers", Status: status, Message: msg, Detail: strings.Join(details, "; ")}
}

func probe(ctx context.Context, hc *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// checkPorts reports bind addresses that are already taken. A running
// `vx11 serve` holds all of them, so this is a warning only.
func checkPorts(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Ports", Status: StatusSkip, Message: "Config missing"}
	}
	binds := map[string]string{
		"gateway":      cfg.Bind.Gateway,
		"orchestrator": cfg.Bind.Orchestrator,
		"router":       cfg.Bind.Router,
		"spawner":      cfg.Bind.Spawner,
		"scanner":      cfg.Bind.Scanner,
	}
	names := make([]string, 0, len(binds))
	for name := range binds {
		names = append(names, name)
	}
	sort.Strings(names)

	var busy []string
	for _, name := range names {
		addr := binds[name]
		if addr == "" {
			continue
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			busy = append(busy, fmt.Sprintf("%s (%s)", name, addr))
			continue
		}
		ln.Close()
	}
	if len(busy) > 0 {
		return CheckResult{Name: "Ports", Status: StatusWarn, Message: "bind addresses in use (is vx11 serve running?)",
			Detail: strings.Join(busy, ", ")}
	}
	return CheckResult{Name: "Ports", Status: StatusPass, Message: "all bind addresses free"}
}

// Package config loads the control plane configuration from
// $VX11_HOME/config.yaml, applies VX11_* environment overrides and validates
// the result.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	vxotel "github.com/basket/vx11/internal/otel"
	"github.com/basket/vx11/internal/policy"
	"github.com/basket/vx11/internal/shared"
)

const (
	TransportHTTP  = "http"
	TransportLocal = "local"

	LauncherNoop    = "noop"
	LauncherProcess = "process"
	LauncherDocker  = "docker"

	ProviderKindHTTP = "http"
	ProviderKindEcho = "echo"
)

// WindowTTLRange bounds the lifetime of an execution window.
type WindowTTLRange struct {
	MinSeconds int `yaml:"min_seconds" json:"min_seconds"`
	MaxSeconds int `yaml:"max_seconds" json:"max_seconds"`
}

type RetryConfig struct {
	BaseMS      int `yaml:"base_ms" json:"base_ms"`
	CapMS       int `yaml:"cap_ms" json:"cap_ms"`
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

type CircuitBreakerConfig struct {
	FailureThreshold   int `yaml:"failure_threshold" json:"failure_threshold"`
	CooldownSeconds    int `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	HalfOpenProbeCount int `yaml:"half_open_probe_count" json:"half_open_probe_count"`
	MaxCooldownSeconds int `yaml:"max_cooldown_seconds" json:"max_cooldown_seconds"`
}

// ProviderConfig registers one provider with the router at startup.
type ProviderConfig struct {
	ID             string   `yaml:"id" json:"id"`
	Kind           string   `yaml:"kind" json:"kind"` // http (default) or echo
	URL            string   `yaml:"url" json:"url"`
	Capabilities   []string `yaml:"capabilities" json:"capabilities"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
}

type SpawnerConfig struct {
	MinTTLSeconds                 int               `yaml:"min_ttl_seconds" json:"min_ttl_seconds"`
	MaxTTLSeconds                 int               `yaml:"max_ttl_seconds" json:"max_ttl_seconds"`
	HeartbeatIntervalSeconds      int               `yaml:"heartbeat_interval_seconds" json:"heartbeat_interval_seconds"`
	HeartbeatMissThresholdSeconds int               `yaml:"heartbeat_miss_threshold_seconds" json:"heartbeat_miss_threshold_seconds"`
	CallbackSecret                string            `yaml:"callback_secret" json:"-"`
	Launcher                      string            `yaml:"launcher" json:"launcher"`
	Commands                      map[string]string `yaml:"commands" json:"commands"`
	DockerImage                   string            `yaml:"docker_image" json:"docker_image"`
	DockerNetwork                 string            `yaml:"docker_network" json:"docker_network"`
	DockerMemoryMB                int64             `yaml:"docker_memory_mb" json:"docker_memory_mb"`
}

type ScannerConfig struct {
	CPUThresholdPercent     float64 `yaml:"cpu_threshold_percent" json:"cpu_threshold_percent"`
	ErrorRecurrentThreshold int     `yaml:"error_recurrent_threshold" json:"error_recurrent_threshold"`
}

// RouteConfig overrides or adds one entry of the gateway route table.
// Schema is an optional JSON Schema document for the payload.
type RouteConfig struct {
	IntentType string `yaml:"intent_type" json:"intent_type"`
	Target     string `yaml:"target" json:"target"`
	Executor   string `yaml:"executor" json:"executor"`
	Schema     string `yaml:"schema" json:"schema,omitempty"`
}

// BindConfig holds the listen address of each component.
type BindConfig struct {
	Gateway      string `yaml:"gateway" json:"gateway"`
	Orchestrator string `yaml:"orchestrator" json:"orchestrator"`
	Router       string `yaml:"router" json:"router"`
	Spawner      string `yaml:"spawner" json:"spawner"`
	Scanner      string `yaml:"scanner" json:"scanner"`
}

type Config struct {
	HomeDir string `yaml:"-" json:"-"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	DevMode   bool   `yaml:"dev_mode" json:"dev_mode"`
	Transport string `yaml:"transport" json:"transport"`

	PolicyMode  string   `yaml:"policy_mode" json:"policy_mode"`
	AlwaysAllow []string `yaml:"always_allow" json:"always_allow"`

	AuthMode                 string   `yaml:"auth_mode" json:"auth_mode"`
	AuthTokens               []string `yaml:"auth_tokens" json:"-"`
	RateLimitPerMinute       int      `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	IdempotencyWindowSeconds int      `yaml:"idempotency_window_seconds" json:"idempotency_window_seconds"`

	// AllowOrigins controls which browser origins may call the gateway and
	// open timeline streams. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins" json:"allow_origins"`

	WindowTTLRange     WindowTTLRange `yaml:"window_ttl_range" json:"window_ttl_range"`
	StepTimeoutSeconds int            `yaml:"step_timeout_seconds" json:"step_timeout_seconds"`
	Retry              RetryConfig    `yaml:"retry" json:"retry"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	RewardDecay    float64              `yaml:"reward_decay" json:"reward_decay"`
	Providers      []ProviderConfig     `yaml:"providers" json:"providers"`

	Spawner SpawnerConfig `yaml:"spawner" json:"spawner"`

	ScannerIntervalSeconds int           `yaml:"scanner_interval_seconds" json:"scanner_interval_seconds"`
	PheromoneTTLSeconds    int           `yaml:"pheromone_ttl_seconds" json:"pheromone_ttl_seconds"`
	Scanner                ScannerConfig `yaml:"scanner" json:"scanner"`

	Routes    []RouteConfig `yaml:"routes" json:"routes"`
	Bind      BindConfig    `yaml:"bind" json:"bind"`
	Telemetry vxotel.Config `yaml:"telemetry" json:"telemetry"`

	// PolicyFromFile is set when policy.yaml exists and overrides
	// policy_mode and always_allow.
	PolicyFromFile bool `yaml:"-" json:"-"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:                 "info",
		Transport:                TransportHTTP,
		PolicyMode:               string(policy.ModeSoloMadre),
		AuthMode:                 "token",
		RateLimitPerMinute:       100,
		IdempotencyWindowSeconds: 300,
		WindowTTLRange:           WindowTTLRange{MinSeconds: 5, MaxSeconds: 3600},
		StepTimeoutSeconds:       30,
		Retry:                    RetryConfig{BaseMS: 100, CapMS: 5000, MaxAttempts: 3},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:   5,
			CooldownSeconds:    30,
			HalfOpenProbeCount: 1,
			MaxCooldownSeconds: 600,
		},
		RewardDecay: 0.95,
		Spawner: SpawnerConfig{
			MinTTLSeconds:                 60,
			MaxTTLSeconds:                 3600,
			HeartbeatIntervalSeconds:      5,
			HeartbeatMissThresholdSeconds: 30,
			Launcher:                      LauncherNoop,
			DockerNetwork:                 "none",
			DockerMemoryMB:                256,
		},
		ScannerIntervalSeconds: 30,
		PheromoneTTLSeconds:    300,
		Scanner: ScannerConfig{
			CPUThresholdPercent:     85,
			ErrorRecurrentThreshold: 3,
		},
		Bind: BindConfig{
			Gateway:      "127.0.0.1:18800",
			Orchestrator: "127.0.0.1:18801",
			Router:       "127.0.0.1:18802",
			Spawner:      "127.0.0.1:18803",
			Scanner:      "127.0.0.1:18804",
		},
		Telemetry: vxotel.Config{
			Exporter:    "none",
			ServiceName: "vx11",
			SampleRate:  1.0,
		},
	}
}

// HomeDir returns $VX11_HOME, or ~/.vx11 when unset.
func HomeDir() string {
	if override := os.Getenv("VX11_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".vx11")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path to policy.yaml within the given home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// DBPath returns the path of the embedded store.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "vx11.db")
}

// Load reads the configuration rooted at homeDir (HomeDir() when empty).
// A missing config.yaml yields the defaults.
func Load(homeDir string) (Config, error) {
	cfg := defaultConfig()
	if homeDir == "" {
		homeDir = HomeDir()
	}
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create vx11 home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := applyPolicyFile(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyPolicyFile lets policy.yaml, which `vx11 policy set` writes, take
// precedence over the mode in config.yaml.
func applyPolicyFile(cfg *Config) error {
	path := PolicyPath(cfg.HomeDir)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	p, err := policy.Load(path)
	if err != nil {
		return fmt.Errorf("load policy.yaml: %w", err)
	}
	cfg.PolicyMode = string(p.Mode)
	cfg.AlwaysAllow = p.AlwaysAllow
	cfg.PolicyFromFile = true
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("VX11_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("VX11_DEV_MODE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.DevMode = v
		}
	}
	if raw := os.Getenv("VX11_TRANSPORT"); raw != "" {
		cfg.Transport = raw
	}
	if raw := os.Getenv("VX11_POLICY_MODE"); raw != "" {
		cfg.PolicyMode = raw
	}
	if raw := os.Getenv("VX11_AUTH_MODE"); raw != "" {
		cfg.AuthMode = raw
	}
	if raw := os.Getenv("VX11_AUTH_TOKENS"); raw != "" {
		cfg.AuthTokens = splitList(raw)
	}
	if raw := os.Getenv("VX11_RATE_LIMIT_PER_MINUTE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RateLimitPerMinute = v
		}
	}
	if raw := os.Getenv("VX11_SCANNER_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ScannerIntervalSeconds = v
		}
	}
	if raw := os.Getenv("VX11_PHEROMONE_TTL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PheromoneTTLSeconds = v
		}
	}
	if raw := os.Getenv("VX11_REWARD_DECAY"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.RewardDecay = v
		}
	}
	if raw := os.Getenv("VX11_CALLBACK_SECRET"); raw != "" {
		cfg.Spawner.CallbackSecret = raw
	}
	if raw := os.Getenv("VX11_GATEWAY_ADDR"); raw != "" {
		cfg.Bind.Gateway = raw
	}
	if raw := os.Getenv("VX11_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Exporter = "otlp-http"
		cfg.Telemetry.Endpoint = raw
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport == "" {
		cfg.Transport = TransportHTTP
	}
	cfg.AuthMode = strings.ToLower(strings.TrimSpace(cfg.AuthMode))
	if cfg.AuthMode == "" {
		cfg.AuthMode = "token"
	}
	if mode, err := policy.ParseMode(cfg.PolicyMode); err == nil {
		cfg.PolicyMode = string(mode)
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 100
	}
	if cfg.IdempotencyWindowSeconds <= 0 {
		cfg.IdempotencyWindowSeconds = 300
	}
	if cfg.StepTimeoutSeconds <= 0 {
		cfg.StepTimeoutSeconds = 30
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.CircuitBreaker.HalfOpenProbeCount <= 0 {
		cfg.CircuitBreaker.HalfOpenProbeCount = 1
	}
	if cfg.CircuitBreaker.MaxCooldownSeconds < cfg.CircuitBreaker.CooldownSeconds {
		cfg.CircuitBreaker.MaxCooldownSeconds = cfg.CircuitBreaker.CooldownSeconds
	}
	cfg.Spawner.Launcher = strings.ToLower(strings.TrimSpace(cfg.Spawner.Launcher))
	if cfg.Spawner.Launcher == "" {
		cfg.Spawner.Launcher = LauncherNoop
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		p.ID = strings.TrimSpace(p.ID)
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		if p.Kind == "" {
			p.Kind = ProviderKindHTTP
		}
	}
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		r.IntentType = strings.TrimSpace(r.IntentType)
		r.Target = strings.ToLower(strings.TrimSpace(r.Target))
		r.Executor = strings.ToLower(strings.TrimSpace(r.Executor))
	}
}

// Validate rejects configurations the control plane cannot run with.
func (c Config) Validate() error {
	if _, err := policy.ParseMode(c.PolicyMode); err != nil {
		return fmt.Errorf("policy_mode: %w", err)
	}
	for _, t := range c.AlwaysAllow {
		if !slices.Contains(policy.KnownTargets, t) {
			return fmt.Errorf("always_allow: unknown target %q", t)
		}
	}
	switch c.AuthMode {
	case "token":
		if len(c.AuthTokens) == 0 && !c.DevMode {
			return fmt.Errorf("auth_mode token requires at least one entry in auth_tokens")
		}
	case "off":
		if !c.DevMode {
			return fmt.Errorf("auth_mode off is only permitted with dev_mode enabled")
		}
	default:
		return fmt.Errorf("auth_mode: unknown value %q", c.AuthMode)
	}
	if c.Transport != TransportHTTP && c.Transport != TransportLocal {
		return fmt.Errorf("transport: unknown value %q", c.Transport)
	}
	if c.WindowTTLRange.MinSeconds <= 0 || c.WindowTTLRange.MaxSeconds < c.WindowTTLRange.MinSeconds {
		return fmt.Errorf("window_ttl_range: need 0 < min_seconds <= max_seconds, got %d..%d",
			c.WindowTTLRange.MinSeconds, c.WindowTTLRange.MaxSeconds)
	}
	if c.Retry.BaseMS <= 0 || c.Retry.CapMS < c.Retry.BaseMS {
		return fmt.Errorf("retry: need 0 < base_ms <= cap_ms, got %d..%d", c.Retry.BaseMS, c.Retry.CapMS)
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if c.CircuitBreaker.CooldownSeconds <= 0 {
		return fmt.Errorf("circuit_breaker.cooldown_seconds must be positive")
	}
	if c.RewardDecay <= 0 || c.RewardDecay >= 1 {
		return fmt.Errorf("reward_decay must be in (0,1), got %v", c.RewardDecay)
	}
	if c.Spawner.MinTTLSeconds <= 0 || c.Spawner.MaxTTLSeconds < c.Spawner.MinTTLSeconds {
		return fmt.Errorf("spawner: need 0 < min_ttl_seconds <= max_ttl_seconds, got %d..%d",
			c.Spawner.MinTTLSeconds, c.Spawner.MaxTTLSeconds)
	}
	switch c.Spawner.Launcher {
	case LauncherNoop, LauncherProcess:
	case LauncherDocker:
		if c.Spawner.DockerImage == "" {
			return fmt.Errorf("spawner.launcher docker requires spawner.docker_image")
		}
	default:
		return fmt.Errorf("spawner.launcher: unknown value %q", c.Spawner.Launcher)
	}
	if c.ScannerIntervalSeconds <= 0 {
		return fmt.Errorf("scanner_interval_seconds must be positive")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if c.PheromoneTTLSeconds <= 0 {
		return fmt.Errorf("pheromone_ttl_seconds must be positive")
	}
	if c.Scanner.CPUThresholdPercent <= 0 || c.Scanner.CPUThresholdPercent > 100 {
		return fmt.Errorf("scanner.cpu_threshold_percent must be in (0,100], got %v", c.Scanner.CPUThresholdPercent)
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers: entry without id")
		}
		if seen[p.ID] {
			return fmt.Errorf("providers: duplicate id %q", p.ID)
		}
		seen[p.ID] = true
		switch p.Kind {
		case ProviderKindEcho:
		case ProviderKindHTTP:
			u, err := url.Parse(p.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("providers: %s has invalid url %q", p.ID, p.URL)
			}
		default:
			return fmt.Errorf("providers: %s has unknown kind %q", p.ID, p.Kind)
		}
		if len(p.Capabilities) == 0 {
			return fmt.Errorf("providers: %s declares no capabilities", p.ID)
		}
	}

	for _, r := range c.Routes {
		if r.IntentType == "" {
			return fmt.Errorf("routes: entry without intent_type")
		}
		if !slices.Contains(policy.KnownTargets, r.Target) {
			return fmt.Errorf("routes: %s has unknown target %q", r.IntentType, r.Target)
		}
		if r.Schema != "" && !json.Valid([]byte(r.Schema)) {
			return fmt.Errorf("routes: %s schema is not valid JSON", r.IntentType)
		}
	}
	return nil
}

// Policy returns the policy data the effective configuration selects.
func (c Config) Policy() policy.Policy {
	mode, err := policy.ParseMode(c.PolicyMode)
	if err != nil {
		mode = policy.ModeSoloMadre
	}
	return policy.Policy{Mode: mode, AlwaysAllow: c.AlwaysAllow}
}

// Fingerprint returns a stable hash of the effective config. Secrets are
// excluded from the hashed form.
func (c Config) Fingerprint() string {
	b, err := json.Marshal(c)
	if err != nil {
		return "cfg-unknown"
	}
	return "cfg-" + shared.BytesHash(b)[:16]
}

func (c Config) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}

func (c Config) IdempotencyWindow() time.Duration {
	return time.Duration(c.IdempotencyWindowSeconds) * time.Second
}

func (c Config) ScannerInterval() time.Duration {
	return time.Duration(c.ScannerIntervalSeconds) * time.Second
}

func (c Config) PheromoneTTL() time.Duration {
	return time.Duration(c.PheromoneTTLSeconds) * time.Second
}

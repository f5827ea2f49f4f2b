package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/basket/vx11/internal/audit"
	"github.com/basket/vx11/internal/bus"
	"github.com/basket/vx11/internal/config"
	"github.com/basket/vx11/internal/gateway"
	"github.com/basket/vx11/internal/orchestrator"
	vxotel "github.com/basket/vx11/internal/otel"
	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/policy"
	"github.com/basket/vx11/internal/router"
	"github.com/basket/vx11/internal/scanner"
	"github.com/basket/vx11/internal/spawner"
	"github.com/basket/vx11/internal/telemetry"
)

// Startup reason codes reported with a failed serve.
const (
	reasonConfig    = "config_invalid"
	reasonLogging   = "logging_init_failed"
	reasonTelemetry = "telemetry_init_failed"
	reasonStore     = "store_open_failed"
	reasonLauncher  = "launcher_init_failed"
	reasonWiring    = "component_init_failed"
	reasonRecover   = "recovery_failed"
	reasonBind      = "bind_failed"
)

const (
	providerHealthInterval = 15 * time.Second
	shutdownTimeout        = 10 * time.Second
)

func serveCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run every control plane component",
		Long: `serve starts the gateway, orchestrator, router, spawner and scanner in one
process, each on its own bind address. With transport "http" the gateway
reaches the orchestrator and the orchestrator reaches the router over their
HTTP APIs; with "local" they call each other directly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, quiet)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "write logs to the log file only")
	return cmd
}

// startupError carries the reason code of a failed start.
type startupError struct {
	reason string
	err    error
}

func (e *startupError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func startupFailure(logger *slog.Logger, reason string, err error) error {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reason, "error", err)
	}
	return &startupError{reason: reason, err: err}
}

func runServe(ctx context.Context, quiet bool) error {
	cfg, err := config.Load(homeDir())
	if err != nil {
		return startupFailure(nil, reasonConfig, err)
	}
	// The fingerprint covers the file and environment only, so a --log-level
	// flag does not read as drift.
	fingerprint := cfg.Fingerprint()
	if lvl := strings.TrimSpace(viper.GetString("log-level")); lvl != "" {
		cfg.LogLevel = lvl
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return startupFailure(nil, reasonLogging, err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	cp, err := newControlPlane(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cp.Close()
	cp.SetFingerprint(fingerprint)

	listeners, err := cp.Listen()
	if err != nil {
		return err
	}
	servers := cp.Serve(listeners)

	if err := cp.Recover(ctx); err != nil {
		shutdownServers(logger, servers)
		return err
	}
	if err := cp.Start(ctx); err != nil {
		shutdownServers(logger, servers)
		return err
	}
	cp.WatchConfig(ctx)

	logger.Info("control plane started",
		"version", Version,
		"home", cfg.HomeDir,
		"transport", cfg.Transport,
		"policy_mode", cp.policy.Mode(),
		"config_fingerprint", fingerprint,
		"gateway", cfg.Bind.Gateway,
	)

	<-ctx.Done()
	logger.Info("shutdown requested")
	shutdownServers(logger, servers)
	return nil
}

// controlPlane holds every component of a running serve.
type controlPlane struct {
	cfg    config.Config
	logger *slog.Logger

	telemetry *vxotel.Provider
	metrics   *vxotel.Metrics
	bus       *bus.Bus
	store     *persistence.Store
	audit     *audit.Recorder
	policy    *policy.LivePolicy
	router    *router.Router
	launcher  spawner.Launcher
	spawner   *spawner.Spawner
	orch      *orchestrator.Orchestrator
	swarm     *scanner.Swarm
	routes    *gateway.RouteTable
	gateway   *gateway.Server

	running atomic.Value
	wg      sync.WaitGroup
	closers []func() error
}

func newControlPlane(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *controlPlane, err error) {
	cp := &controlPlane{cfg: cfg, logger: logger}
	cp.running.Store(cfg.Fingerprint())
	defer func() {
		if err != nil {
			cp.Close()
		}
	}()

	cp.telemetry, err = vxotel.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, startupFailure(logger, reasonTelemetry, err)
	}
	cp.closers = append(cp.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return cp.telemetry.Shutdown(sctx)
	})
	cp.metrics, err = vxotel.NewMetrics(cp.telemetry.Meter)
	if err != nil {
		return nil, startupFailure(logger, reasonTelemetry, err)
	}

	cp.bus = bus.New()
	cp.store, err = persistence.Open(config.DBPath(cfg.HomeDir), cp.bus)
	if err != nil {
		return nil, startupFailure(logger, reasonStore, err)
	}
	cp.closers = append(cp.closers, cp.store.Close)
	cp.audit, err = audit.Open(cfg.HomeDir, cp.store, logger)
	if err != nil {
		return nil, startupFailure(logger, reasonStore, err)
	}
	cp.closers = append(cp.closers, cp.audit.Close)

	cp.policy = policy.NewLivePolicy(cfg.Policy(), config.PolicyPath(cfg.HomeDir))
	windows := func(ctx context.Context) ([]policy.Window, error) {
		ws, err := cp.store.ListOpenWindows(ctx)
		if err != nil {
			return nil, err
		}
		return orchestrator.PolicyWindows(ws), nil
	}

	cp.router = router.New(router.Config{
		Decay: cfg.RewardDecay,
		Breaker: router.BreakerConfig{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			Cooldown:         seconds(cfg.CircuitBreaker.CooldownSeconds),
			MaxCooldown:      seconds(cfg.CircuitBreaker.MaxCooldownSeconds),
			HalfOpenProbes:   cfg.CircuitBreaker.HalfOpenProbeCount,
		},
		CallTimeout: cfg.StepTimeout(),
	}, router.Options{
		Store:   cp.store,
		Bus:     cp.bus,
		Logger:  logger,
		Tracer:  cp.telemetry.Tracer,
		Metrics: cp.metrics,
		Policy:  cp.policy,
		Windows: windows,
	})
	if err := registerProviders(ctx, cp.router, cfg, logger); err != nil {
		return nil, startupFailure(logger, reasonWiring, err)
	}

	var closeLauncher func() error
	cp.launcher, closeLauncher, err = buildLauncher(cfg.Spawner)
	if err != nil {
		return nil, startupFailure(logger, reasonLauncher, err)
	}
	if closeLauncher != nil {
		cp.closers = append(cp.closers, closeLauncher)
	}
	secret := cfg.Spawner.CallbackSecret
	if secret == "" {
		secret, err = ephemeralSecret()
		if err != nil {
			return nil, startupFailure(logger, reasonWiring, err)
		}
		logger.Warn("spawner callback_secret not set; using an ephemeral secret, daughters will not survive a restart")
	}
	cp.spawner = spawner.New(spawner.Config{
		MinTTL:            seconds(cfg.Spawner.MinTTLSeconds),
		MaxTTL:            seconds(cfg.Spawner.MaxTTLSeconds),
		HeartbeatInterval: seconds(cfg.Spawner.HeartbeatIntervalSeconds),
		HeartbeatMiss:     seconds(cfg.Spawner.HeartbeatMissThresholdSeconds),
		CallbackSecret:    secret,
		PublicURL:         baseURL(cfg.Bind.Spawner),
	}, spawner.Options{
		Store:    cp.store,
		Launcher: cp.launcher,
		Bus:      cp.bus,
		Logger:   logger,
		Tracer:   cp.telemetry.Tracer,
		Metrics:  cp.metrics,
		Policy:   cp.policy,
		Windows:  windows,
	})

	var executor orchestrator.ProviderExecutor = cp.router
	if cfg.Transport == config.TransportHTTP {
		executor = &router.Client{BaseURL: baseURL(cfg.Bind.Router), HTTP: &http.Client{Timeout: cfg.StepTimeout() + 5*time.Second}}
	}
	cp.orch = orchestrator.New(orchestrator.Config{
		WindowMinTTL: seconds(cfg.WindowTTLRange.MinSeconds),
		WindowMaxTTL: seconds(cfg.WindowTTLRange.MaxSeconds),
		StepTimeout:  cfg.StepTimeout(),
		Retry: orchestrator.Backoff{
			Base:        millis(cfg.Retry.BaseMS),
			Cap:         millis(cfg.Retry.CapMS),
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
	}, orchestrator.Options{
		Store:   cp.store,
		Router:  executor,
		Spawner: cp.spawner,
		Bus:     cp.bus,
		Logger:  logger,
		Tracer:  cp.telemetry.Tracer,
		Metrics: cp.metrics,
	})
	cp.closers = append(cp.closers, func() error { cp.orch.Close(); return nil })

	sampler := scanner.NewProcStatSampler()
	cp.swarm = scanner.New(scanner.Config{
		Interval:       cfg.ScannerInterval(),
		PheromoneTTL:   cfg.PheromoneTTL(),
		CPUThreshold:   cfg.Scanner.CPUThresholdPercent,
		ErrorThreshold: cfg.Scanner.ErrorRecurrentThreshold,
	}, scanner.Options{
		Store:   cp.store,
		Audit:   cp.audit,
		Sampler: sampler,
		Logger:  logger,
		Tracer:  cp.telemetry.Tracer,
		Metrics: cp.metrics,
	})
	for _, sc := range cp.swarm.Defaults(sampler, cp.fingerprints) {
		if err := cp.swarm.Register(sc, 0); err != nil {
			return nil, startupFailure(logger, reasonWiring, err)
		}
	}

	routes, err := buildRoutes(cfg.Routes)
	if err != nil {
		return nil, startupFailure(logger, reasonConfig, err)
	}
	cp.routes, err = gateway.NewRouteTable(routes)
	if err != nil {
		return nil, startupFailure(logger, reasonConfig, err)
	}
	fwd := gateway.LocalForwarder(cp.orch)
	if cfg.Transport == config.TransportHTTP {
		fwd = gateway.HTTPForwarder(baseURL(cfg.Bind.Orchestrator), &http.Client{Timeout: 30 * time.Second})
	}
	cp.gateway, err = gateway.New(gateway.Config{
		AuthMode:           cfg.AuthMode,
		DevMode:            cfg.DevMode,
		Tokens:             cfg.AuthTokens,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		IdempotencyWindow:  cfg.IdempotencyWindow(),
		AllowOrigins:       cfg.AllowOrigins,
	}, gateway.Options{
		Store:     cp.store,
		Forwarder: fwd,
		Policy:    cp.policy,
		Routes:    cp.routes,
		Audit:     cp.audit,
		Bus:       cp.bus,
		Logger:    logger,
		Tracer:    cp.telemetry.Tracer,
		Metrics:   cp.metrics,
	})
	if err != nil {
		return nil, startupFailure(logger, reasonWiring, err)
	}
	return cp, nil
}

// SetFingerprint records the fingerprint of the config the process runs
// with. The drift scanner compares it with the file on disk.
func (cp *controlPlane) SetFingerprint(fp string) {
	cp.running.Store(fp)
	cp.gateway.SetConfigFingerprint(fp)
}

func (cp *controlPlane) fingerprints() (running, onDisk string, err error) {
	running, _ = cp.running.Load().(string)
	disk, err := config.Load(cp.cfg.HomeDir)
	if err != nil {
		return running, "", err
	}
	return running, disk.Fingerprint(), nil
}

type component struct {
	name    string
	addr    string
	handler http.Handler
}

func (cp *controlPlane) components() []component {
	return []component{
		{name: policy.TargetGateway, addr: cp.cfg.Bind.Gateway, handler: cp.gateway.Handler()},
		{name: policy.TargetOrchestrator, addr: cp.cfg.Bind.Orchestrator, handler: cp.orch.Handler()},
		{name: policy.TargetRouter, addr: cp.cfg.Bind.Router, handler: cp.router.Handler()},
		{name: policy.TargetSpawner, addr: cp.cfg.Bind.Spawner, handler: cp.spawner.Handler()},
		{name: policy.TargetScanner, addr: cp.cfg.Bind.Scanner, handler: cp.swarm.Handler()},
	}
}

type boundListener struct {
	component
	ln net.Listener
}

// Listen binds every component address before anything is served so a busy
// port fails the start instead of leaving a partial control plane.
func (cp *controlPlane) Listen() ([]boundListener, error) {
	var out []boundListener
	for _, c := range cp.components() {
		ln, err := net.Listen("tcp", c.addr)
		if err != nil {
			for _, b := range out {
				_ = b.ln.Close()
			}
			if isAddrInUse(err) {
				err = fmt.Errorf("%s: %w. %s", c.name, err, portOccupantHint(c.addr))
			} else {
				err = fmt.Errorf("%s: %w", c.name, err)
			}
			return nil, startupFailure(cp.logger, reasonBind, err)
		}
		out = append(out, boundListener{component: c, ln: ln})
	}
	return out, nil
}

func (cp *controlPlane) Serve(listeners []boundListener) []*http.Server {
	servers := make([]*http.Server, 0, len(listeners))
	for _, b := range listeners {
		srv := &http.Server{
			Handler:           b.handler,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(cp.logger.Handler(), slog.LevelWarn),
		}
		servers = append(servers, srv)
		go func(name string, ln net.Listener) {
			cp.logger.Info("component listening", "module", name, "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				cp.logger.Error("component server stopped", "module", name, "error", err)
			}
		}(b.name, b.ln)
	}
	return servers
}

func shutdownServers(logger *slog.Logger, servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("server shutdown", "error", err)
			}
		}(srv)
	}
	wg.Wait()
}

// Recover reconciles daughters first so that resumed plans find their
// daughters in a settled state.
func (cp *controlPlane) Recover(ctx context.Context) error {
	daughters, err := cp.spawner.Recover(ctx)
	if err != nil {
		return startupFailure(cp.logger, reasonRecover, err)
	}
	plans, err := cp.orch.Recover(ctx)
	if err != nil {
		return startupFailure(cp.logger, reasonRecover, err)
	}
	if daughters > 0 || plans > 0 {
		cp.logger.Info("recovered state", "daughters_timed_out", daughters, "plans_failed", plans)
	}
	return nil
}

// Start launches the background loops. They stop when ctx is done; Close
// waits for them.
func (cp *controlPlane) Start(ctx context.Context) error {
	if err := cp.swarm.Start(ctx); err != nil {
		return startupFailure(cp.logger, reasonWiring, err)
	}
	cp.closers = append(cp.closers, func() error { cp.swarm.Stop(); return nil })
	cp.gateway.Start(ctx)

	cp.wg.Add(3)
	go func() {
		defer cp.wg.Done()
		cp.orch.Run(ctx)
	}()
	go func() {
		defer cp.wg.Done()
		cp.spawner.Run(ctx)
	}()
	go func() {
		defer cp.wg.Done()
		cp.checkProviders(ctx)
	}()
	return nil
}

func (cp *controlPlane) checkProviders(ctx context.Context) {
	cp.router.CheckHealth(ctx)
	ticker := time.NewTicker(providerHealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cp.router.CheckHealth(ctx)
		}
	}
}

// WatchConfig applies edits to config.yaml and policy.yaml while running.
// A watcher that cannot start only costs hot reload.
func (cp *controlPlane) WatchConfig(ctx context.Context) {
	w := config.NewWatcher(cp.cfg.HomeDir, cp.logger)
	if err := w.Start(ctx); err != nil {
		cp.logger.Warn("config watcher unavailable; edits need a restart", "error", err)
		return
	}
	cp.wg.Add(1)
	go func() {
		defer cp.wg.Done()
		for ev := range w.Events() {
			cp.reload(ctx, ev)
		}
	}()
}

func (cp *controlPlane) reload(ctx context.Context, ev config.ReloadEvent) {
	switch ev.File() {
	case config.FilePolicy:
		cp.reloadPolicy(ctx)
	case config.FileConfig:
		cp.reloadConfig(ctx)
	}
}

func (cp *controlPlane) reloadPolicy(ctx context.Context) {
	path := config.PolicyPath(cp.cfg.HomeDir)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		// Without policy.yaml the mode comes from config.yaml again.
		cfg, err := config.Load(cp.cfg.HomeDir)
		if err != nil {
			cp.logger.Warn("policy reload failed; keeping current policy", "error", err)
			return
		}
		cp.policy.Reload(cfg.Policy())
	} else if err := policy.ReloadFromFile(cp.policy, path); err != nil {
		cp.logger.Warn("policy reload failed; keeping current policy", "error", err)
		return
	}
	cp.logger.Info("policy reloaded", "mode", cp.policy.Mode(), "policy_version", cp.policy.PolicyVersion())
	cp.recordReload(ctx, persistence.AuditPolicyReloaded, map[string]any{
		"mode":           string(cp.policy.Mode()),
		"policy_version": cp.policy.PolicyVersion(),
	})
}

// reloadConfig applies the parts of config.yaml that can change without a
// restart: the route table and, when policy.yaml is absent, the policy.
func (cp *controlPlane) reloadConfig(ctx context.Context) {
	cfg, err := config.Load(cp.cfg.HomeDir)
	if err != nil {
		cp.logger.Warn("config reload failed; keeping running config", "error", err)
		return
	}
	routes, err := buildRoutes(cfg.Routes)
	if err == nil {
		err = cp.routes.Replace(routes)
	}
	if err != nil {
		cp.logger.Warn("route reload failed; keeping current routes", "error", err)
		return
	}
	if !cfg.PolicyFromFile {
		cp.policy.Reload(cfg.Policy())
	}
	fp := cfg.Fingerprint()
	cp.SetFingerprint(fp)
	cp.logger.Info("config reloaded", "config_fingerprint", fp, "routes", len(routes))
	cp.recordReload(ctx, persistence.AuditConfigReloaded, map[string]any{
		"config_fingerprint": fp,
		"routes":             len(routes),
		"policy_mode":        string(cp.policy.Mode()),
	})
}

func (cp *controlPlane) recordReload(ctx context.Context, kind string, details map[string]any) {
	if _, err := cp.audit.Record(ctx, kind, "config", cp.cfg.HomeDir, details); err != nil {
		cp.logger.Warn("audit append failed", "kind", kind, "error", err)
	}
}

// Close stops the background loops and releases resources in reverse order
// of acquisition.
func (cp *controlPlane) Close() {
	cp.wg.Wait()
	for i := len(cp.closers) - 1; i >= 0; i-- {
		if err := cp.closers[i](); err != nil {
			cp.logger.Warn("close failed", "error", err)
		}
	}
	cp.closers = nil
}

// registerProviders registers the configured providers. In dev mode with
// none configured the starter echo providers are used.
func registerProviders(ctx context.Context, r *router.Router, cfg config.Config, logger *slog.Logger) error {
	providers := cfg.Providers
	if len(providers) == 0 && cfg.DevMode {
		providers = config.StarterProviders()
		logger.Info("no providers configured; registering dev echo providers", "count", len(providers))
	}
	for _, pc := range providers {
		var p router.Provider
		switch pc.Kind {
		case config.ProviderKindEcho:
			p = router.EchoProvider(pc.ID, pc.Capabilities...)
		default:
			p = &router.HTTPProvider{
				ProviderID:  pc.ID,
				BaseURL:     pc.URL,
				Caps:        pc.Capabilities,
				CallTimeout: seconds(pc.TimeoutSeconds),
			}
		}
		if err := r.Register(ctx, p); err != nil {
			return fmt.Errorf("register provider %s: %w", pc.ID, err)
		}
	}
	return nil
}

// buildLauncher returns the configured launcher and, for docker, a func
// that closes its client.
func buildLauncher(sc config.SpawnerConfig) (spawner.Launcher, func() error, error) {
	commands := make(map[string][]string, len(sc.Commands))
	for taskType, command := range sc.Commands {
		if fields := strings.Fields(command); len(fields) > 0 {
			commands[taskType] = fields
		}
	}
	switch sc.Launcher {
	case config.LauncherProcess:
		return spawner.NewProcessLauncher(commands), nil, nil
	case config.LauncherDocker:
		l, err := spawner.NewDockerLauncher(sc.DockerImage, sc.DockerNetwork, sc.DockerMemoryMB, commands)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	default:
		return spawner.NewNoopLauncher(), nil, nil
	}
}

// buildRoutes overlays the configured routes on the built-in table by
// intent type.
func buildRoutes(overrides []config.RouteConfig) ([]gateway.Route, error) {
	routes := gateway.DefaultRoutes()
	index := make(map[string]int, len(routes))
	for i, r := range routes {
		index[r.IntentType] = i
	}
	for _, rc := range overrides {
		r := gateway.Route{IntentType: rc.IntentType, Target: rc.Target, Executor: rc.Executor}
		if s := strings.TrimSpace(rc.Schema); s != "" {
			if !json.Valid([]byte(s)) {
				return nil, fmt.Errorf("route %s: schema is not valid JSON", rc.IntentType)
			}
			r.Schema = json.RawMessage(s)
		}
		if i, ok := index[rc.IntentType]; ok {
			if r.Schema == nil {
				r.Schema = routes[i].Schema
			}
			routes[i] = r
			continue
		}
		index[rc.IntentType] = len(routes)
		routes = append(routes, r)
	}
	return routes, nil
}

func ephemeralSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

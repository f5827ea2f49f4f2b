package spawner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// ErrUnknownHandle means the launcher has no record of the handle, e.g. it
// was created by a previous process.
var ErrUnknownHandle = errors.New("unknown daughter handle")

// LaunchSpec is everything a worker needs to run one task and report back.
type LaunchSpec struct {
	DaughterID   string
	TaskType     string
	Payload      json.RawMessage
	TTL          time.Duration
	CallbackURL  string
	HeartbeatURL string
	KeyHex       string
}

// Env renders the launch request as the worker environment.
func (s LaunchSpec) Env() []string {
	payload := string(s.Payload)
	if payload == "" {
		payload = "null"
	}
	return []string{
		"VX11_DAUGHTER_ID=" + s.DaughterID,
		"VX11_TASK_TYPE=" + s.TaskType,
		"VX11_PAYLOAD=" + payload,
		"VX11_TTL_SECONDS=" + strconv.Itoa(int(s.TTL/time.Second)),
		"VX11_CALLBACK_URL=" + s.CallbackURL,
		"VX11_HEARTBEAT_URL=" + s.HeartbeatURL,
		"VX11_DAUGHTER_KEY=" + s.KeyHex,
	}
}

// Launcher starts and stops the resources behind daughters.
type Launcher interface {
	Name() string
	Launch(ctx context.Context, spec LaunchSpec) (handle string, err error)
	// Probe reports whether the worker behind handle is still running.
	Probe(ctx context.Context, handle string) (bool, error)
	// Terminate releases the handle. Unknown handles are not an error.
	Terminate(ctx context.Context, handle string) error
}

// NoopLauncher runs nothing. Daughters it launches are expected to be
// driven by an external worker through heartbeats and callbacks.
type NoopLauncher struct {
	mu    sync.Mutex
	alive map[string]bool
}

func NewNoopLauncher() *NoopLauncher {
	return &NoopLauncher{alive: make(map[string]bool)}
}

func (l *NoopLauncher) Name() string { return "noop" }

func (l *NoopLauncher) Launch(_ context.Context, spec LaunchSpec) (string, error) {
	h := "noop:" + spec.DaughterID
	l.mu.Lock()
	l.alive[h] = true
	l.mu.Unlock()
	return h, nil
}

func (l *NoopLauncher) Probe(_ context.Context, handle string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	alive, ok := l.alive[handle]
	if !ok {
		return false, ErrUnknownHandle
	}
	return alive, nil
}

// Kill marks handle as dead without releasing it, simulating a crashed worker.
func (l *NoopLauncher) Kill(handle string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.alive[handle]; ok {
		l.alive[handle] = false
	}
}

func (l *NoopLauncher) Terminate(_ context.Context, handle string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.alive, handle)
	return nil
}

// Live returns the number of handles not yet terminated.
func (l *NoopLauncher) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.alive)
}

type proc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// ProcessLauncher runs each daughter as a local child process. Commands maps
// task type to argv; "*" is the fallback.
type ProcessLauncher struct {
	Commands map[string][]string

	mu    sync.Mutex
	procs map[string]*proc
}

func NewProcessLauncher(commands map[string][]string) *ProcessLauncher {
	return &ProcessLauncher{Commands: commands, procs: make(map[string]*proc)}
}

func (l *ProcessLauncher) Name() string { return "process" }

func (l *ProcessLauncher) Launch(_ context.Context, spec LaunchSpec) (string, error) {
	argv, ok := l.Commands[spec.TaskType]
	if !ok {
		argv, ok = l.Commands["*"]
	}
	if !ok || len(argv) == 0 {
		return "", fmt.Errorf("no command configured for task type %q", spec.TaskType)
	}
	// The process outlives the request that created it; the monitor loop
	// enforces the TTL.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), spec.Env()...)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start daughter process: %w", err)
	}
	p := &proc{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	handle := "pid:" + strconv.Itoa(cmd.Process.Pid)
	l.mu.Lock()
	l.procs[handle] = p
	l.mu.Unlock()
	return handle, nil
}

func (l *ProcessLauncher) Probe(_ context.Context, handle string) (bool, error) {
	l.mu.Lock()
	p, ok := l.procs[handle]
	l.mu.Unlock()
	if !ok {
		return false, ErrUnknownHandle
	}
	select {
	case <-p.done:
		return false, nil
	default:
		return true, nil
	}
}

func (l *ProcessLauncher) Terminate(ctx context.Context, handle string) error {
	l.mu.Lock()
	p, ok := l.procs[handle]
	delete(l.procs, handle)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", handle, err)
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

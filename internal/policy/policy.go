// Package policy is the authoritative reachability predicate for control
// plane targets. Evaluation is pure: callers supply the active windows and
// the current time.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects how wide the allow-set is.
type Mode string

const (
	ModeSoloMadre  Mode = "solo_madre"
	ModeWindowOnly Mode = "window_only"
	ModeOpenAll    Mode = "open_all"
)

// Targets that can receive traffic.
const (
	TargetGateway      = "gateway"
	TargetOrchestrator = "orchestrator"
	TargetRouter       = "router"
	TargetSpawner      = "spawner"
	TargetScanner      = "scanner"
)

// KnownTargets lists every routable target.
var KnownTargets = []string{TargetGateway, TargetOrchestrator, TargetRouter, TargetSpawner, TargetScanner}

// ParseMode validates a policy mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSoloMadre, ModeWindowOnly, ModeOpenAll:
		return m, nil
	case "":
		return ModeSoloMadre, nil
	default:
		return "", fmt.Errorf("unknown policy mode %q", s)
	}
}

// baseAllowed returns the targets a mode admits without any window.
func baseAllowed(mode Mode) []string {
	switch mode {
	case ModeWindowOnly:
		return []string{TargetGateway, TargetOrchestrator, TargetScanner}
	case ModeOpenAll:
		return KnownTargets
	default:
		return []string{TargetGateway, TargetOrchestrator}
	}
}

// Window is the policy's view of an execution window.
type Window struct {
	WindowID string
	Target   string
	Open     bool // state == OPEN
	ClosesAt time.Time
}

// IsAllowed reports whether target may receive traffic at now.
func IsAllowed(target string, mode Mode, windows []Window, now time.Time) bool {
	if slices.Contains(baseAllowed(mode), target) {
		return true
	}
	for _, w := range windows {
		if w.Target == target && w.Open && w.ClosesAt.After(now) {
			return true
		}
	}
	return false
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed       bool
	Target        string
	Mode          Mode
	PolicyVersion string
	Reason        string
	WindowID      string // the window that granted access, or the one that lapsed
	RetryAfter    time.Duration
}

// Evaluate is IsAllowed with an explanation for rejections.
func Evaluate(target string, mode Mode, windows []Window, now time.Time) Decision {
	d := Decision{Target: target, Mode: mode}
	if slices.Contains(baseAllowed(mode), target) {
		d.Allowed = true
		d.Reason = "base_allow"
		return d
	}
	var lapsed *Window
	for i, w := range windows {
		if w.Target != target {
			continue
		}
		if w.Open && w.ClosesAt.After(now) {
			d.Allowed = true
			d.Reason = "window_open"
			d.WindowID = w.WindowID
			return d
		}
		if lapsed == nil || w.ClosesAt.After(lapsed.ClosesAt) {
			lapsed = &windows[i]
		}
	}
	if lapsed != nil {
		d.Reason = fmt.Sprintf("window %s for %s lapsed at %s", lapsed.WindowID, target, lapsed.ClosesAt.UTC().Format(time.RFC3339))
		d.WindowID = lapsed.WindowID
		d.RetryAfter = LapsedWindowRetryAfter
	} else {
		d.Reason = fmt.Sprintf("target %s is off under policy %s", target, mode)
	}
	return d
}

// LapsedWindowRetryAfter is the hint returned when the target's window has
// just lapsed. The plan holding it reopens the window on its next attempt.
const LapsedWindowRetryAfter = 2 * time.Second

// Policy is the serializable policy data (policy.yaml).
type Policy struct {
	Mode Mode `yaml:"mode"`
	// AlwaysAllow widens the base allow-set of the selected mode.
	AlwaysAllow []string `yaml:"always_allow,omitempty"`
}

func Default() Policy {
	return Policy{Mode: ModeSoloMadre}
}

// Load reads policy.yaml. A missing or empty file yields Default.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p *Policy) validate() error {
	mode, err := ParseMode(string(p.Mode))
	if err != nil {
		return err
	}
	p.Mode = mode
	for _, t := range p.AlwaysAllow {
		if !slices.Contains(KnownTargets, t) {
			return fmt.Errorf("unknown target %q in always_allow", t)
		}
	}
	return nil
}

// Evaluate applies the policy's mode and AlwaysAllow list.
func (p Policy) Evaluate(target string, windows []Window, now time.Time) Decision {
	if slices.Contains(p.AlwaysAllow, target) {
		return Decision{Allowed: true, Target: target, Mode: p.Mode, PolicyVersion: policyVersionFor(p), Reason: "always_allow"}
	}
	d := Evaluate(target, p.Mode, windows, now)
	d.PolicyVersion = policyVersionFor(p)
	return d
}

// Checker is the interface consumers use to gate traffic.
type Checker interface {
	Evaluate(target string, windows []Window, now time.Time) Decision
	Mode() Mode
	PolicyVersion() string
}

// LivePolicy wraps a Policy with thread-safe reload.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // file path for persistence; empty = no persistence
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	if initial.Mode == "" {
		initial.Mode = ModeSoloMadre
	}
	return &LivePolicy{data: initial, path: path}
}

func (lp *LivePolicy) Evaluate(target string, windows []Window, now time.Time) Decision {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Evaluate(target, windows, now)
}

func (lp *LivePolicy) Mode() Mode {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Mode
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// SetMode switches the mode at runtime and persists the change.
func (lp *LivePolicy) SetMode(mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.data.Mode == mode {
		return nil
	}
	lp.data.Mode = mode
	return lp.persist()
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.AlwaysAllow = append([]string(nil), lp.data.AlwaysAllow...)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses
// and validates. On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte("mode=" + string(p.Mode) + "|"))
	for _, v := range p.AlwaysAllow {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}

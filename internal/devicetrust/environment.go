package devicetrust

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Threat names reported by the environment checks.
const (
	ThreatDeveloperMode = "developer_mode"
	ThreatUSBDebugging  = "usb_debugging"
	ThreatEmulator      = "emulator"
	ThreatRooted        = "rooted_device"
)

// BuildInfo is the build and runtime description of a client install.
type BuildInfo struct {
	DebugBuild   bool       `json:"debugBuild"`
	DevClient    bool       `json:"devClient"`
	Model        string     `json:"model"`
	Manufacturer string     `json:"manufacturer"`
	Fingerprint  string     `json:"fingerprint"`
	Device       DeviceInfo `json:"device"`
}

// Prober reports whether a normally restricted path is writable.
type Prober interface {
	Writable(path string) bool
}

// FSProber probes the local filesystem by creating and removing a file.
type FSProber struct{}

func (FSProber) Writable(path string) bool {
	f, err := os.CreateTemp(path, ".probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

// ReportedPaths is a Prober backed by the writable paths a client reported
// from its own probe.
type ReportedPaths []string

func (r ReportedPaths) Writable(path string) bool {
	return slices.Contains(r, path)
}

// EnvironmentState is the result of the static checks.
type EnvironmentState struct {
	DeveloperMode bool      `json:"isDeveloperMode"`
	USBDebugging  bool      `json:"isUSBDebugging"`
	Emulator      bool      `json:"isEmulator"`
	Rooted        bool      `json:"isRooted"`
	Threats       []string  `json:"threats"`
	Model         string    `json:"deviceModel"`
	Manufacturer  string    `json:"deviceManufacturer"`
	CheckedAt     time.Time `json:"timestamp"`
}

// Safe reports whether no threat was found.
func (s EnvironmentState) Safe() bool { return len(s.Threats) == 0 }

// EnvironmentChecker runs the static checks. The part derived from the
// build description is cached per distinct BuildInfo until Clear; the
// writable-path probe belongs to one install and runs on every call.
type EnvironmentChecker struct {
	policy *Policy
	logger *slog.Logger
	clock  clock.Clock

	mu    sync.Mutex
	cache map[BuildInfo]*envEntry
}

type envEntry struct {
	once  sync.Once
	state EnvironmentState
}

// NewEnvironmentChecker creates a checker using p, or the defaults when p is nil.
func NewEnvironmentChecker(p *Policy, logger *slog.Logger) *EnvironmentChecker {
	if p == nil {
		p = DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EnvironmentChecker{
		policy: p,
		logger: logger,
		clock:  clock.New(),
		cache:  make(map[BuildInfo]*envEntry),
	}
}

// WithClock sets the clock used to stamp results.
func (c *EnvironmentChecker) WithClock(clk clock.Clock) *EnvironmentChecker {
	c.clock = clk
	return c
}

// Check evaluates build and probes the restricted paths through prober.
// Concurrent first calls for the same build evaluate it once.
func (c *EnvironmentChecker) Check(ctx context.Context, build BuildInfo, prober Prober) EnvironmentState {
	c.mu.Lock()
	e, ok := c.cache[build]
	if !ok {
		e = &envEntry{}
		c.cache[build] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		e.state = c.evaluate(ctx, build)
	})

	st := e.state
	st.Threats = slices.Clone(e.state.Threats)
	if !st.Rooted && c.probe(prober) {
		st.Rooted = true
		st.Threats = append(st.Threats, ThreatRooted)
		c.detected(ctx, ThreatRooted, build)
	}
	return st
}

// Clear drops every cached result.
func (c *EnvironmentChecker) Clear() {
	c.mu.Lock()
	c.cache = make(map[BuildInfo]*envEntry)
	c.mu.Unlock()
}

func (c *EnvironmentChecker) evaluate(ctx context.Context, build BuildInfo) EnvironmentState {
	st := EnvironmentState{
		DeveloperMode: build.DebugBuild || build.DevClient,
		USBDebugging:  build.DebugBuild || build.DevClient,
		Model:         build.Model,
		Manufacturer:  build.Manufacturer,
		CheckedAt:     c.clock.Now().UTC(),
	}
	if build.Device != (DeviceInfo{}) {
		st.Emulator, _ = c.policy.CheckDevice(build.Device)
	}
	st.Rooted = c.rootedBuild(build)

	checks := []struct {
		threat   string
		detected bool
	}{
		{ThreatDeveloperMode, st.DeveloperMode},
		{ThreatUSBDebugging, st.USBDebugging},
		{ThreatEmulator, st.Emulator},
		{ThreatRooted, st.Rooted},
	}
	for _, ch := range checks {
		if ch.detected {
			st.Threats = append(st.Threats, ch.threat)
			c.detected(ctx, ch.threat, build)
			continue
		}
		c.logger.DebugContext(ctx, "security check passed", "check", ch.threat)
	}
	return st
}

func (c *EnvironmentChecker) detected(ctx context.Context, threat string, build BuildInfo) {
	environmentThreats.WithLabelValues(threat).Inc()
	c.logger.WarnContext(ctx, "security threat detected",
		"threat", threat,
		"model", build.Model,
		"manufacturer", build.Manufacturer,
	)
}

// rootedBuild applies the custom-ROM and signing-key rules.
func (c *EnvironmentChecker) rootedBuild(build BuildInfo) bool {
	model := strings.ToLower(build.Model)
	manufacturer := strings.ToLower(build.Manufacturer)
	if _, ok := containsAny(c.policy.CustomROMFragments, model, manufacturer); ok {
		return true
	}
	_, ok := containsAny(c.policy.ReleaseKeyMarkers, strings.ToLower(build.Fingerprint))
	return ok
}

func (c *EnvironmentChecker) probe(prober Prober) bool {
	if prober == nil {
		return false
	}
	return slices.ContainsFunc(c.policy.RootProbePaths, prober.Writable)
}

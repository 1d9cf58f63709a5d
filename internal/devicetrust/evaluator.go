package devicetrust

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// State is a phase of the evaluation state machine.
type State int32

const (
	StateIdle State = iota
	StateSamplingPrimary
	StateSamplingFallback
	StateAnalysis
	StateDecision
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSamplingPrimary:
		return "sampling_primary"
	case StateSamplingFallback:
		return "sampling_fallback"
	case StateAnalysis:
		return "analysis"
	case StateDecision:
		return "decision"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sampling schedule.
const (
	SampleInterval  = 500 * time.Millisecond
	NoDataAfter     = 2 * time.Second
	PrimaryTimeout  = 8 * time.Second
	FallbackTimeout = 5 * time.Second
	FallbackSamples = 3
)

// Evaluator runs the emulator-detection state machine. One evaluation may
// be active at a time; each produces at most one verdict.
type Evaluator struct {
	primary  Sensor
	fallback Sensor
	clock    clock.Clock
	logger   *slog.Logger
	policy   *Policy

	mu     sync.Mutex
	active *activation
}

// NewEvaluator creates an evaluator sampling primary first and fallback
// when primary yields nothing. Either sensor may be nil.
func NewEvaluator(primary, fallback Sensor) *Evaluator {
	return &Evaluator{
		primary:  primary,
		fallback: fallback,
		clock:    clock.New(),
		logger:   slog.Default(),
		policy:   DefaultPolicy(),
	}
}

// WithClock overrides the time source.
func (e *Evaluator) WithClock(c clock.Clock) *Evaluator {
	e.clock = c
	return e
}

// WithLogger sets the logger.
func (e *Evaluator) WithLogger(l *slog.Logger) *Evaluator {
	e.logger = l
	return e
}

// WithPolicy overrides the device-info lists.
func (e *Evaluator) WithPolicy(p *Policy) *Evaluator {
	if p != nil {
		e.policy = p
	}
	return e
}

// State returns the phase of the current evaluation, or StateIdle.
func (e *Evaluator) State() State {
	e.mu.Lock()
	a := e.active
	e.mu.Unlock()
	if a == nil {
		return StateIdle
	}
	return a.load()
}

// Start begins an evaluation. onVerdict is called exactly once unless the
// evaluation is stopped first. Cancelling ctx behaves like Stop.
func (e *Evaluator) Start(ctx context.Context, info DeviceInfo, onVerdict func(Verdict)) error {
	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	a := &activation{
		e:         e,
		info:      info,
		onVerdict: onVerdict,
		done:      make(chan struct{}),
	}
	a.state.Store(int32(StateSamplingPrimary))
	e.active = a
	e.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			a.stop()
		case <-a.done:
		}
	}()

	a.startPrimary()
	return nil
}

// Stop abandons the current evaluation without a verdict. Subscriptions
// are released and timers cancelled. Stop is safe to call at any time.
func (e *Evaluator) Stop() {
	e.mu.Lock()
	a := e.active
	e.mu.Unlock()
	if a != nil {
		a.stop()
	}
}

func (e *Evaluator) release(a *activation) {
	e.mu.Lock()
	if e.active == a {
		e.active = nil
	}
	e.mu.Unlock()
}

// activation is one run of the state machine. Every terminal transition
// goes through a compare-and-set on state, so timers and sensor callbacks
// that lose the race become no-ops.
type activation struct {
	e         *Evaluator
	info      DeviceInfo
	onVerdict func(Verdict)
	state     atomic.Int32
	done      chan struct{}
	doneOnce  sync.Once

	mu          sync.Mutex
	samples     []Sample
	primarySub  *onceSubscription
	fallbackSub *onceSubscription
	timers      []*clock.Timer
}

func (a *activation) load() State { return State(a.state.Load()) }

// transition moves to next if the current state is one of from.
func (a *activation) transition(next State, from ...State) bool {
	for {
		cur := a.state.Load()
		ok := false
		for _, f := range from {
			if cur == int32(f) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
		if a.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

func (a *activation) after(d time.Duration, fn func()) {
	t := a.e.clock.AfterFunc(d, fn)
	a.mu.Lock()
	a.timers = append(a.timers, t)
	a.mu.Unlock()
}

func (a *activation) sampleCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.samples)
}

func (a *activation) startPrimary() {
	log := a.e.logger
	if a.e.primary == nil {
		log.Warn("primary motion sensor unavailable", "error", ErrSensorUnavailable)
		a.enterFallback()
		return
	}

	sub, err := a.e.primary.Subscribe(SampleInterval, a.onPrimarySample)
	if err != nil {
		log.Warn("primary motion sensor subscription failed", "sensor", a.e.primary.Kind(), "error", err)
		a.enterFallback()
		return
	}
	a.mu.Lock()
	a.primarySub = guard(sub)
	a.mu.Unlock()
	if a.load() != StateSamplingPrimary {
		// Lost a race with Stop or context cancellation.
		a.primarySub.Remove()
		return
	}

	a.after(NoDataAfter, func() {
		if a.load() == StateSamplingPrimary && a.sampleCount() == 0 {
			log.Info("no primary sensor data, switching to fallback", "error", ErrSensorNoData)
			a.enterFallback()
		}
	})
	a.after(PrimaryTimeout, func() {
		a.analyze(MethodPrimaryTimeout, StateSamplingPrimary)
	})
}

func (a *activation) onPrimarySample(s Sample) {
	a.mu.Lock()
	if a.load() != StateSamplingPrimary {
		a.mu.Unlock()
		return
	}
	a.samples = append(a.samples, s)
	ready := len(a.samples) >= earlyExitSamples && hasMovement(a.samples)
	a.mu.Unlock()

	if ready {
		a.analyze(MethodEarlyExit, StateSamplingPrimary)
	}
}

func (a *activation) enterFallback() {
	if !a.transition(StateSamplingFallback, StateSamplingPrimary) {
		return
	}
	a.mu.Lock()
	sub, timers := a.primarySub, a.timers
	a.timers = nil
	a.mu.Unlock()
	sub.Remove()
	stopAll(timers)

	if a.e.fallback == nil {
		a.e.logger.Warn("fallback motion sensor unavailable", "error", ErrSensorUnavailable)
		a.analyze(MethodNoSensorData, StateSamplingFallback)
		return
	}

	// The timeout is armed before subscribing so it covers samples that
	// arrive during Subscribe.
	a.after(FallbackTimeout, func() {
		a.analyze(MethodFallbackTimeout, StateSamplingFallback)
	})
	fsub, err := a.e.fallback.Subscribe(SampleInterval, a.onFallbackSample)
	if err != nil {
		a.e.logger.Warn("fallback motion sensor subscription failed", "sensor", a.e.fallback.Kind(), "error", err)
		a.analyze(MethodNoSensorData, StateSamplingFallback)
		return
	}
	a.mu.Lock()
	a.fallbackSub = guard(fsub)
	a.mu.Unlock()
	if a.load() != StateSamplingFallback {
		a.fallbackSub.Remove()
	}
}

func (a *activation) onFallbackSample(s Sample) {
	a.mu.Lock()
	if a.load() != StateSamplingFallback {
		a.mu.Unlock()
		return
	}
	a.samples = append(a.samples, s)
	full := len(a.samples) >= FallbackSamples
	a.mu.Unlock()

	if full {
		a.analyze(MethodFallback, StateSamplingFallback)
	}
}

// teardown releases every subscription and timer. Safe to repeat.
func (a *activation) teardown() []Sample {
	a.mu.Lock()
	primary, fallback, timers := a.primarySub, a.fallbackSub, a.timers
	samples := a.samples
	a.timers, a.samples = nil, nil
	a.mu.Unlock()

	primary.Remove()
	fallback.Remove()
	stopAll(timers)

	a.doneOnce.Do(func() { close(a.done) })
	return samples
}

func (a *activation) analyze(method string, from State) {
	if !a.transition(StateAnalysis, from) {
		return
	}
	samples := a.teardown()

	v := a.e.policy.decide(a.info, samples, method)
	v.DecidedAt = a.e.clock.Now()

	a.state.Store(int32(StateDecision))
	a.e.release(a)
	verdictsTotal.WithLabelValues(v.Method, boolLabel(v.IsEmulator)).Inc()

	level := slog.LevelInfo
	if v.IsEmulator {
		level = slog.LevelWarn
	}
	a.e.logger.Log(context.Background(), level, "device trust verdict",
		"emulator", v.IsEmulator,
		"method", v.Method,
		"reason", v.Reason,
		"samples", v.SampleCount,
	)

	if a.onVerdict != nil {
		a.onVerdict(v)
	}
}

func (a *activation) stop() {
	if !a.transition(StateStopped, StateSamplingPrimary, StateSamplingFallback) {
		return
	}
	a.teardown()
	a.e.release(a)
	a.e.logger.Debug("device trust evaluation stopped")
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func stopAll(timers []*clock.Timer) {
	for _, t := range timers {
		t.Stop()
	}
}

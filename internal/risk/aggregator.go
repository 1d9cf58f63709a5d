package risk

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/suraksha/internal/idgen"
)

// FlowState is the state of the transfer escalation flow.
type FlowState string

const (
	FlowNormal             FlowState = "normal"
	FlowSecondaryChallenge FlowState = "secondary_challenge"
	FlowSuccess            FlowState = "success"
	FlowBlocked            FlowState = "blocked"
)

const signalBuffer = 32

// Aggregator owns the check state and transfer flow of one login session.
type Aggregator struct {
	sessionID string
	store     Store
	events    EventEmitter
	logger    *slog.Logger
	answer    string

	mu      sync.Mutex
	checks  CheckState
	epoch   uint64
	flow    FlowState
	signals chan Signal
}

// NewAggregator creates an aggregator with every check false.
func NewAggregator(sessionID string, store Store) *Aggregator {
	return &Aggregator{
		sessionID: sessionID,
		store:     store,
		logger:    slog.Default(),
		epoch:     1,
		flow:      FlowNormal,
		signals:   make(chan Signal, signalBuffer),
	}
}

// WithEvents sets the realtime event emitter.
func (a *Aggregator) WithEvents(e EventEmitter) *Aggregator {
	a.events = e
	return a
}

// WithLogger sets the logger.
func (a *Aggregator) WithLogger(l *slog.Logger) *Aggregator {
	a.logger = l.With("session", a.sessionID)
	return a
}

// WithSecondaryAnswer sets the expected secondary challenge answer.
func (a *Aggregator) WithSecondaryAnswer(answer string) *Aggregator {
	a.answer = normalizeAnswer(answer)
	return a
}

// SessionID returns the login session this aggregator belongs to.
func (a *Aggregator) SessionID() string { return a.sessionID }

// Epoch returns the current session epoch. Asynchronous flows capture it
// when they start and stamp their signal with it.
func (a *Aggregator) Epoch() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}

// Signals returns the channel consumed by Run.
func (a *Aggregator) Signals() chan<- Signal { return a.signals }

// Run applies signals from the channel until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-a.signals:
			a.Apply(sig)
		}
	}
}

// Publish queues a signal for Run, giving up when ctx is done. Flows that
// answer a request use Apply so the next request sees the result.
func (a *Aggregator) Publish(ctx context.Context, sig Signal) error {
	select {
	case a.signals <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply records a signal synchronously. Signals stamped with an epoch
// other than the current one are dropped and false is returned.
func (a *Aggregator) Apply(sig Signal) bool {
	if !sig.Check.valid() {
		a.logger.Warn("ignoring signal for unknown check", "check", sig.Check)
		return false
	}

	a.mu.Lock()
	if sig.Epoch != 0 && sig.Epoch != a.epoch {
		current := a.epoch
		a.mu.Unlock()
		staleSignalsTotal.WithLabelValues(string(sig.Check)).Inc()
		a.logger.Info("dropping stale security signal",
			"check", sig.Check,
			"signal_epoch", sig.Epoch,
			"current_epoch", current,
		)
		return false
	}
	a.checks.Set(sig.Check, sig.Passed)
	a.mu.Unlock()

	signalsTotal.WithLabelValues(string(sig.Check), passLabel(sig.Passed)).Inc()
	a.logger.Debug("security check updated", "check", sig.Check, "passed", sig.Passed)
	return true
}

// Checks returns a copy of the check state.
func (a *Aggregator) Checks() CheckState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checks
}

// Flow returns the transfer flow state.
func (a *Aggregator) Flow() FlowState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flow
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	SessionID       string     `json:"sessionId"`
	Checks          CheckState `json:"checks"`
	Confidence      float64    `json:"confidence"`
	NeedsEscalation bool       `json:"needsEscalation"`
	FailedCritical  []Check    `json:"failedCritical"`
	Flow            FlowState  `json:"flow"`
	Epoch           uint64     `json:"epoch"`
}

// Snapshot returns the current state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		SessionID:       a.sessionID,
		Checks:          a.checks,
		Confidence:      a.checks.Confidence(),
		NeedsEscalation: a.checks.NeedsEscalation(),
		FailedCritical:  a.checks.FailedCritical(),
		Flow:            a.flow,
		Epoch:           a.epoch,
	}
}

// BeginTransfer evaluates the checks once the transfer PIN has been
// accepted. It moves Normal or Success to Success when no escalation is
// needed, and to SecondaryChallenge otherwise.
func (a *Aggregator) BeginTransfer(ctx context.Context) (*Assessment, error) {
	a.mu.Lock()
	switch a.flow {
	case FlowBlocked:
		a.mu.Unlock()
		return nil, ErrBlocked
	case FlowSecondaryChallenge:
		a.mu.Unlock()
		return nil, ErrInvalidTransition
	}

	decision, reason := DecisionAllow, ""
	if a.checks.NeedsEscalation() {
		decision, reason = DecisionEscalate, escalationReason(a.checks)
		a.flow = FlowSecondaryChallenge
	} else {
		a.flow = FlowSuccess
	}
	assessment := a.assessLocked(decision, reason)
	a.mu.Unlock()

	a.record(ctx, assessment)
	if decision == DecisionEscalate && a.events != nil {
		a.events.EmitEscalation(a.sessionID, assessment)
	}
	return assessment, nil
}

// AnswerSecondary checks the secondary challenge answer. The comparison
// ignores case and surrounding whitespace and runs in constant time.
func (a *Aggregator) AnswerSecondary(ctx context.Context, answer string) (FlowState, error) {
	a.mu.Lock()
	switch a.flow {
	case FlowBlocked:
		a.mu.Unlock()
		return FlowBlocked, ErrBlocked
	case FlowSecondaryChallenge:
	default:
		flow := a.flow
		a.mu.Unlock()
		return flow, ErrInvalidTransition
	}

	given := normalizeAnswer(answer)
	correct := a.answer != "" && subtle.ConstantTimeCompare([]byte(given), []byte(a.answer)) == 1

	var assessment *Assessment
	if correct {
		a.flow = FlowSuccess
		assessment = a.assessLocked(DecisionAllow, "secondary challenge passed")
	} else {
		a.flow = FlowBlocked
		assessment = a.assessLocked(DecisionBlock, "secondary challenge failed")
	}
	flow := a.flow
	a.mu.Unlock()

	a.record(ctx, assessment)
	if !correct {
		a.blocked(assessment.Reason)
	}
	return flow, nil
}

// Dismiss abandons the secondary challenge, which blocks the session.
func (a *Aggregator) Dismiss(ctx context.Context) error {
	a.mu.Lock()
	switch a.flow {
	case FlowBlocked:
		a.mu.Unlock()
		return ErrBlocked
	case FlowSecondaryChallenge:
	default:
		a.mu.Unlock()
		return ErrInvalidTransition
	}
	a.flow = FlowBlocked
	assessment := a.assessLocked(DecisionBlock, "secondary challenge dismissed")
	a.mu.Unlock()

	a.record(ctx, assessment)
	a.blocked(assessment.Reason)
	return nil
}

// Reset clears every check, returns the flow to Normal and advances the
// epoch so results from flows started earlier are discarded.
func (a *Aggregator) Reset() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checks = CheckState{}
	a.flow = FlowNormal
	a.epoch++
	a.logger.Info("security state reset", "epoch", a.epoch)
	return a.epoch
}

// assessLocked builds an assessment. Caller must hold a.mu.
func (a *Aggregator) assessLocked(decision Decision, reason string) *Assessment {
	factors := make(map[string]float64, len(Checks))
	for _, c := range Checks {
		if a.checks.Get(c) {
			factors[string(c)] = Weights[c]
		} else {
			factors[string(c)] = 0
		}
	}
	return &Assessment{
		ID:          idgen.WithPrefix("risk_"),
		SessionID:   a.sessionID,
		Confidence:  math.Round(a.checks.Confidence()*1000) / 1000,
		Checks:      a.checks,
		Factors:     factors,
		Decision:    decision,
		Reason:      reason,
		Epoch:       a.epoch,
		EvaluatedAt: time.Now(),
	}
}

func (a *Aggregator) record(ctx context.Context, assessment *Assessment) {
	decisionsTotal.WithLabelValues(string(assessment.Decision)).Inc()
	a.logger.InfoContext(ctx, "risk decision",
		"decision", assessment.Decision,
		"confidence", assessment.Confidence,
		"reason", assessment.Reason,
	)

	// Persist asynchronously (best-effort audit trail)
	if a.store != nil {
		go func() {
			if err := a.store.Record(context.Background(), assessment); err != nil {
				a.logger.Warn("failed to record risk assessment", "error", err)
			}
		}()
	}
}

func (a *Aggregator) blocked(reason string) {
	a.logger.Warn("session blocked", "reason", reason)
	if a.events != nil {
		a.events.EmitBlocked(a.sessionID, reason)
	}
}

func escalationReason(s CheckState) string {
	failed := s.FailedCritical()
	if len(failed) >= EscalationCriticalFailures {
		names := make([]string, len(failed))
		for i, c := range failed {
			names[i] = string(c)
		}
		return "critical checks failed: " + strings.Join(names, ", ")
	}
	return "confidence below threshold"
}

func normalizeAnswer(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (c Check) valid() bool {
	_, ok := Weights[c]
	return ok
}

func passLabel(passed bool) string {
	if passed {
		return "pass"
	}
	return "fail"
}

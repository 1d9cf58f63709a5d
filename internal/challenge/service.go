// Package challenge runs one PIN or CAPTCHA attempt from open to submit:
// it collects raw events into a biometrics session, extracts the feature
// vector, stores the telemetry record, asks the authentication backend
// for a verdict and reports PIN outcomes to the login session's risk
// aggregator.
//
// Authentication is fail-open. When the backend is unreachable or answers
// badly the outcome falls back to whether the typed text matched the
// challenge, and the flow continues on local signals.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mbd888/suraksha/internal/authclient"
	"github.com/mbd888/suraksha/internal/biometrics"
	"github.com/mbd888/suraksha/internal/dataset"
	"github.com/mbd888/suraksha/internal/idgen"
	"github.com/mbd888/suraksha/internal/risk"
	"github.com/mbd888/suraksha/internal/telemetry"
	"github.com/mbd888/suraksha/internal/traces"
	"github.com/mbd888/suraksha/internal/validation"
)

var (
	ErrNotFound         = errors.New("challenge not found")
	ErrInvalidChallenge = errors.New("invalid challenge")
)

const (
	captchaMinLen = 5
	captchaMaxLen = 7

	// DefaultIdleTTL is how long an untouched open challenge survives.
	DefaultIdleTTL = 10 * time.Minute
)

// Backend is the part of the authentication backend the service uses.
// *authclient.Client satisfies it.
type Backend interface {
	Authenticate(ctx context.Context, kind biometrics.Kind, rec telemetry.Record) (*authclient.AuthResult, error)
	CheckTwoFactor(ctx context.Context, choice int) (*authclient.CheckResult, error)
	CheckWifiSafety(ctx context.Context, choice int) (*authclient.CheckResult, error)
	CheckNavigationMethod(ctx context.Context, method string) (*authclient.CheckResult, error)
	CheckFirstAction(ctx context.Context, action string, pressed bool) (*authclient.CheckResult, error)
}

// Opened describes a freshly opened challenge. The challenge text is only
// returned for CAPTCHA; the expected PIN never leaves the service.
type Opened struct {
	ID        string          `json:"id"`
	Kind      biometrics.Kind `json:"kind"`
	Challenge string          `json:"challenge,omitempty"`
	OpenedAt  time.Time       `json:"openedAt"`
}

// Submission carries what the client sends when the user presses submit.
type Submission struct {
	Submitted    string
	LoginSession string // optional; PIN outcomes are reported to it
	Username     string
	Device       biometrics.DeviceMetrics
}

// Outcome is the result of a submitted challenge.
type Outcome struct {
	ChallengeID   string                    `json:"challengeId"`
	Kind          biometrics.Kind           `json:"kind"`
	Authenticated bool                      `json:"authenticated"`
	IsCorrect     bool                      `json:"isCorrect"`
	Fallback      bool                      `json:"fallback"`
	Confidence    float64                   `json:"confidence,omitempty"`
	Threshold     float64                   `json:"threshold,omitempty"`
	ModelType     string                    `json:"modelType,omitempty"`
	DatasetID     string                    `json:"datasetId,omitempty"`
	Features      *biometrics.FeatureVector `json:"features"`
}

type attempt struct {
	mu       sync.Mutex
	session  *biometrics.Session
	lastSeen time.Time
}

// Service owns the open challenges.
type Service struct {
	extractor *biometrics.Extractor
	store     dataset.Store
	backend   Backend
	risk      *risk.Manager
	clock     clock.Clock
	logger    *slog.Logger
	idleTTL   time.Duration

	mu   sync.Mutex
	open map[string]*attempt
}

// NewService creates a challenge service. store and riskManager may be nil.
func NewService(extractor *biometrics.Extractor, store dataset.Store, backend Backend, riskManager *risk.Manager) *Service {
	return &Service{
		extractor: extractor,
		store:     store,
		backend:   backend,
		risk:      riskManager,
		clock:     clock.New(),
		logger:    slog.Default(),
		idleTTL:   DefaultIdleTTL,
		open:      make(map[string]*attempt),
	}
}

// WithClock replaces the wall clock, for tests.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithIdleTTL sets how long an untouched challenge stays open.
func (s *Service) WithIdleTTL(d time.Duration) *Service {
	s.idleTTL = d
	return s
}

// Open starts a challenge. An empty CAPTCHA challenge is generated; a PIN
// challenge must carry the expected PIN.
func (s *Service) Open(kind biometrics.Kind, text string) (*Opened, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidChallenge, kind)
	}
	if text == "" && kind == biometrics.KindCaptcha {
		text = idgen.Code(captchaMinLen, captchaMaxLen)
	}
	if text == "" || !validation.IsValidChallenge(text) {
		return nil, fmt.Errorf("%w: challenge text", ErrInvalidChallenge)
	}

	now := s.clock.Now()
	id := idgen.WithPrefix("ch_")
	a := &attempt{session: biometrics.NewSession(id, kind, text), lastSeen: now}

	s.mu.Lock()
	s.open[id] = a
	n := len(s.open)
	s.mu.Unlock()

	openChallenges.Set(float64(n))
	s.logger.Debug("challenge opened", "challenge", id, "kind", kind)

	out := &Opened{ID: id, Kind: kind, OpenedAt: now}
	if kind == biometrics.KindCaptcha {
		out.Challenge = text
	}
	return out, nil
}

// RecordInput forwards an input change. A zero at uses the service clock.
func (s *Service) RecordInput(id, text string, at time.Time) error {
	return s.with(id, func(sess *biometrics.Session, now time.Time) error {
		if at.IsZero() {
			at = now
		}
		return sess.RecordInput(text, at)
	})
}

// RecordTouch forwards a touch edge. A zero ev.At uses the service clock.
func (s *Service) RecordTouch(id string, ev biometrics.TouchEvent) error {
	return s.with(id, func(sess *biometrics.Session, now time.Time) error {
		if ev.At.IsZero() {
			ev.At = now
		}
		return sess.RecordTouch(ev)
	})
}

// Reset clears the events of an open challenge, keeping its text.
func (s *Service) Reset(id string) error {
	return s.with(id, func(sess *biometrics.Session, _ time.Time) error {
		return sess.Reset()
	})
}

// Submit finishes a challenge. The challenge is closed whether or not the
// backend answers; only an empty session leaves it open.
func (s *Service) Submit(ctx context.Context, id string, sub Submission) (*Outcome, error) {
	a, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}

	// Capture the login epoch before any slow work so a logout during the
	// backend call discards this result.
	var agg *risk.Aggregator
	var epoch uint64
	if s.risk != nil && sub.LoginSession != "" && a.session.Kind == biometrics.KindPin {
		agg = s.risk.Get(sub.LoginSession)
		epoch = agg.Epoch()
	}

	ctx, span := traces.StartSpan(ctx, "challenge.Submit",
		traces.ChallengeID(id), traces.ChallengeKind(string(a.session.Kind)))
	defer span.End()

	a.mu.Lock()
	vector, err := s.extractor.ExtractFor(a.session, sub.Submitted, s.clock.Now(), sub.Device)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.remove(id)

	out := &Outcome{
		ChallengeID: id,
		Kind:        vector.Kind,
		IsCorrect:   vector.IsCorrect,
		Features:    vector,
	}
	rec := telemetry.NewRecord(sub.Username, vector, sub.Device)

	if s.store != nil {
		entry := dataset.NewEntry(rec)
		if err := s.store.Add(ctx, entry); err != nil {
			s.logger.Warn("failed to store dataset entry", "challenge", id, "error", err)
		} else {
			out.DatasetID = entry.ID
		}
	}

	res, err := s.authenticate(ctx, vector.Kind, rec)
	if err != nil {
		// fail-open: proceed on the local comparison
		out.Authenticated = vector.IsCorrect
		out.Fallback = true
		fallbacksTotal.WithLabelValues("authenticate").Inc()
		traces.FailOpen(span, err)
		s.logger.Warn("backend authentication unavailable, using local result",
			"challenge", id, "kind", vector.Kind, "error", err)
	} else {
		out.Authenticated = res.Authenticated
		out.Confidence = res.Confidence
		out.Threshold = res.Threshold
		out.ModelType = res.ModelType
	}
	submissionsTotal.WithLabelValues(string(vector.Kind), outcomeLabel(out)).Inc()

	// Applied before returning so the client's next transfer sees it.
	if agg != nil && !agg.Apply(risk.PinResult(out.Authenticated).At(epoch)) {
		s.logger.Info("PIN result discarded after logout", "challenge", id, "session", sub.LoginSession)
	}

	s.logger.Info("challenge submitted",
		"challenge", id,
		"kind", vector.Kind,
		"authenticated", out.Authenticated,
		"fallback", out.Fallback,
	)
	return out, nil
}

func (s *Service) authenticate(ctx context.Context, kind biometrics.Kind, rec telemetry.Record) (*authclient.AuthResult, error) {
	if s.backend == nil {
		return nil, authclient.ErrNetworkUnreachable
	}
	return s.backend.Authenticate(ctx, kind, rec)
}

// Len returns the number of open challenges.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// Run evicts idle challenges until ctx is done. Call in a goroutine.
func (s *Service) Run(ctx context.Context) {
	interval := max(s.idleTTL/4, time.Second)
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep closes challenges untouched for longer than the idle TTL and
// returns how many were closed.
func (s *Service) Sweep() int {
	cutoff := s.clock.Now().Add(-s.idleTTL)

	s.mu.Lock()
	var expired []string
	for id, a := range s.open {
		a.mu.Lock()
		if a.lastSeen.Before(cutoff) {
			expired = append(expired, id)
		}
		a.mu.Unlock()
	}
	for _, id := range expired {
		delete(s.open, id)
	}
	n := len(s.open)
	s.mu.Unlock()

	openChallenges.Set(float64(n))
	if len(expired) > 0 {
		s.logger.Debug("expired idle challenges", "count", len(expired))
	}
	return len(expired)
}

func (s *Service) lookup(id string) (*attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.open[id]
	return a, ok
}

func (s *Service) remove(id string) {
	s.mu.Lock()
	delete(s.open, id)
	n := len(s.open)
	s.mu.Unlock()
	openChallenges.Set(float64(n))
}

// with runs fn on the session of an open challenge while holding its lock.
func (s *Service) with(id string, fn func(*biometrics.Session, time.Time) error) error {
	a, ok := s.lookup(id)
	if !ok {
		return ErrNotFound
	}
	now := s.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSeen = now
	return fn(a.session, now)
}

func outcomeLabel(o *Outcome) string {
	switch {
	case o.Fallback:
		return "fallback"
	case o.Authenticated:
		return "authenticated"
	default:
		return "rejected"
	}
}

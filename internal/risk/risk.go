// Package risk aggregates the independent security checks of a login
// session into a weighted confidence score and drives the escalation flow
// for sensitive actions such as funds transfers.
//
// Five boolean checks carry fixed weights summing to 100. A transfer is
// escalated to a secondary challenge when at least two of the three
// critical checks (PIN, two-factor, Wi-Fi safety) failed or the confidence
// drops below 50. A wrong secondary answer blocks the session until it is
// explicitly reset.
package risk

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBlocked           = errors.New("session is blocked")
	ErrInvalidTransition = errors.New("invalid transfer flow transition")
	ErrUnknownCheck      = errors.New("unknown security check")
	ErrSessionNotFound   = errors.New("login session not found")
)

// Check names one security check.
type Check string

const (
	CheckPin         Check = "pinAuthentication"
	CheckTwoFactor   Check = "twoFactorAuthentication"
	CheckWifi        Check = "wifiSafetyCheck"
	CheckFirstAction Check = "firstActionSuccessful"
	CheckNavigation  Check = "navigationMethodSuccessful"
)

// Checks lists every check in weight order.
var Checks = []Check{CheckPin, CheckTwoFactor, CheckWifi, CheckFirstAction, CheckNavigation}

// Weights of each check. They sum to 100.
var Weights = map[Check]float64{
	CheckPin:         30,
	CheckTwoFactor:   25,
	CheckWifi:        20,
	CheckFirstAction: 15,
	CheckNavigation:  10,
}

const (
	// EscalationConfidence is the confidence below which a transfer is escalated.
	EscalationConfidence = 50
	// EscalationCriticalFailures is how many failed critical checks force escalation.
	EscalationCriticalFailures = 2
)

// ParseCheck accepts a check name.
func ParseCheck(s string) (Check, error) {
	for _, c := range Checks {
		if string(c) == s {
			return c, nil
		}
	}
	return "", ErrUnknownCheck
}

// Critical reports whether c is one of the critical checks.
func (c Check) Critical() bool {
	return c == CheckPin || c == CheckTwoFactor || c == CheckWifi
}

// CheckState is the set of security check outcomes of one login session.
// Every check starts false.
type CheckState struct {
	PinAuthentication          bool `json:"pinAuthentication"`
	TwoFactorAuthentication    bool `json:"twoFactorAuthentication"`
	WifiSafetyCheck            bool `json:"wifiSafetyCheck"`
	FirstActionSuccessful      bool `json:"firstActionSuccessful"`
	NavigationMethodSuccessful bool `json:"navigationMethodSuccessful"`
}

// Get returns the outcome of c.
func (s CheckState) Get(c Check) bool {
	switch c {
	case CheckPin:
		return s.PinAuthentication
	case CheckTwoFactor:
		return s.TwoFactorAuthentication
	case CheckWifi:
		return s.WifiSafetyCheck
	case CheckFirstAction:
		return s.FirstActionSuccessful
	case CheckNavigation:
		return s.NavigationMethodSuccessful
	}
	return false
}

// Set records the outcome of c.
func (s *CheckState) Set(c Check, passed bool) {
	switch c {
	case CheckPin:
		s.PinAuthentication = passed
	case CheckTwoFactor:
		s.TwoFactorAuthentication = passed
	case CheckWifi:
		s.WifiSafetyCheck = passed
	case CheckFirstAction:
		s.FirstActionSuccessful = passed
	case CheckNavigation:
		s.NavigationMethodSuccessful = passed
	}
}

// Confidence is the weighted percentage of passed checks, 0 to 100.
func (s CheckState) Confidence() float64 {
	var earned, total float64
	for _, c := range Checks {
		total += Weights[c]
		if s.Get(c) {
			earned += Weights[c]
		}
	}
	return 100 * earned / total
}

// FailedCritical returns the critical checks that have not passed.
func (s CheckState) FailedCritical() []Check {
	var failed []Check
	for _, c := range Checks {
		if c.Critical() && !s.Get(c) {
			failed = append(failed, c)
		}
	}
	return failed
}

// NeedsEscalation reports whether a sensitive action requires a secondary
// challenge.
func (s CheckState) NeedsEscalation() bool {
	return len(s.FailedCritical()) >= EscalationCriticalFailures || s.Confidence() < EscalationConfidence
}

// Decision is the outcome of an escalation evaluation.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionEscalate Decision = "escalate"
	DecisionBlock    Decision = "block"
)

// Assessment records one escalation decision for audit.
type Assessment struct {
	ID          string             `json:"id"`
	SessionID   string             `json:"sessionId"`
	Confidence  float64            `json:"confidence"`
	Checks      CheckState         `json:"checks"`
	Factors     map[string]float64 `json:"factors"`
	Decision    Decision           `json:"decision"`
	Reason      string             `json:"reason,omitempty"`
	Epoch       uint64             `json:"epoch"`
	EvaluatedAt time.Time          `json:"evaluatedAt"`
}

// Store persists assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, assessment *Assessment) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*Assessment, error)
}

// EventEmitter receives flow transitions for realtime alerts.
type EventEmitter interface {
	EmitEscalation(sessionID string, assessment *Assessment)
	EmitBlocked(sessionID, reason string)
}

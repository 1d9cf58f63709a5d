// Package biometrics turns the raw key and touch events of one PIN or
// CAPTCHA attempt into the fixed-shape feature vector consumed by the
// keystroke authentication backend.
//
// Timing values are milliseconds. Dispersion metrics ("entropy",
// "variance") are population standard deviations, not Shannon entropy.
package biometrics

import (
	"errors"
	"math"
	"time"
)

// ErrInvalidSessionState is returned when features are requested from an
// empty session, or when a consumed session is touched again.
var ErrInvalidSessionState = errors.New("invalid challenge session state")

// Kind distinguishes the two challenge surfaces.
type Kind string

const (
	KindPin     Kind = "pin"
	KindCaptcha Kind = "captcha"
)

// Valid reports whether k is a known challenge kind.
func (k Kind) Valid() bool {
	return k == KindPin || k == KindCaptcha
}

// Measurement is a value the platform may or may not have reported.
// Missing values stay missing instead of being replaced by plausible noise.
type Measurement struct {
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

// Measured wraps a reported value.
func Measured(v float64) Measurement { return Measurement{Value: v, Valid: true} }

// Missing marks a value the platform did not report.
func Missing() Measurement { return Measurement{} }

// positive reports whether m carries a usable, strictly positive value.
func (m Measurement) positive() bool { return m.Valid && m.Value > 0 }

// KeyEvent is one character entered or removed.
type KeyEvent struct {
	At              time.Time `json:"at"`
	Char            string    `json:"char"`
	Position        int       `json:"position"`
	InputLength     int       `json:"inputLength"`
	IsBackspace     bool      `json:"isBackspace"`
	InterKeyPauseMs float64   `json:"interKeyPauseMs"`
}

// TouchPhase is the edge of a touch.
type TouchPhase string

const (
	TouchStart TouchPhase = "start"
	TouchEnd   TouchPhase = "end"
)

// TouchEvent is one touch-start or touch-end on the input surface.
type TouchEvent struct {
	Phase           TouchPhase  `json:"phase"`
	X               Measurement `json:"x"`
	Y               Measurement `json:"y"`
	Pressure        Measurement `json:"pressure"`
	MajorAxisRadius Measurement `json:"majorAxisRadius"`
	MinorAxisRadius Measurement `json:"minorAxisRadius"`
	At              time.Time   `json:"at"`
	DwellMs         float64     `json:"dwellMs,omitempty"` // end events only
}

// TouchArea approximates the contact ellipse, π·major·minor.
func (t TouchEvent) TouchArea() Measurement {
	if !t.MajorAxisRadius.Valid || !t.MinorAxisRadius.Valid {
		return Missing()
	}
	return Measured(math.Pi * t.MajorAxisRadius.Value * t.MinorAxisRadius.Value)
}

// ErrorRecoveryEvent records a backspace correction.
type ErrorRecoveryEvent struct {
	At             time.Time `json:"at"`
	DeletedChar    string    `json:"deletedChar"`
	Position       int       `json:"position"`
	RecoveryTimeMs float64   `json:"recoveryTimeMs"`
}

// DeviceMetrics describes the screen the challenge was typed on.
type DeviceMetrics struct {
	Platform     string  `json:"platform"`
	ScreenWidth  float64 `json:"screenWidth"`
	ScreenHeight float64 `json:"screenHeight"`
	PixelRatio   float64 `json:"pixelRatio"`
}

// Names of averages that fell back to a constant because no valid event
// carried the measurement.
const (
	FallbackTouchArea = "avgTouchArea"
	FallbackPressure  = "avgPressure"
	FallbackCoordX    = "avgCoordX"
	FallbackCoordY    = "avgCoordY"
)

// Fallback constants used when a touch measurement is absent from every event.
var (
	DefaultTouchArea = math.Pi * 12 * 10
	DefaultPressure  = 0.4
	DefaultCoordY    = 300.0
)

// FeatureVector is the immutable snapshot computed once at submission.
type FeatureVector struct {
	Kind      Kind      `json:"kind"`
	Challenge string    `json:"challenge"`
	Submitted string    `json:"submitted"`
	IsCorrect bool      `json:"isCorrect"`
	Timestamp time.Time `json:"timestamp"`

	TotalTimeSec   float64 `json:"totalTime"`
	WPM            float64 `json:"wpm"`
	BackspaceCount int     `json:"backspaceCount"`

	AvgFlightTime        float64 `json:"avgFlightTime"`
	AvgDwellTime         float64 `json:"avgDwellTime"`
	AvgInterKeyPause     float64 `json:"avgInterKeyPause"`
	SessionEntropy       float64 `json:"sessionEntropy"`
	KeyDwellVariance     float64 `json:"keyDwellVariance"`
	InterKeyVariance     float64 `json:"interKeyVariance"`
	PressureVariance     float64 `json:"pressureVariance"`
	TouchAreaVariance    float64 `json:"touchAreaVariance"`
	AvgTouchArea         float64 `json:"avgTouchArea"`
	AvgPressure          float64 `json:"avgPressure"`
	AvgCoordX            float64 `json:"avgCoordX"`
	AvgCoordY            float64 `json:"avgCoordY"`
	AvgErrorRecoveryTime float64 `json:"avgErrorRecoveryTime"`
	CharacterCount       int     `json:"characterCount"`

	FlightTimes         []float64 `json:"flightTimes"`
	DwellTimes          []float64 `json:"dwellTimes"`
	InterKeyPauses      []float64 `json:"interKeyPauses"`
	TypingPatternVector []float64 `json:"typingPatternVector"`

	KeyTimingsCount    int `json:"keyTimingsCount"`
	TouchEventsCount   int `json:"touchEventsCount"`
	ErrorRecoveryCount int `json:"errorRecoveryCount"`

	// Fallbacks lists the averages that carry a constant instead of signal.
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// HasFallback reports whether the named average was filled with a constant.
func (v *FeatureVector) HasFallback(name string) bool {
	for _, f := range v.Fallbacks {
		if f == name {
			return true
		}
	}
	return false
}

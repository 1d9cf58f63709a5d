package biometrics

import (
	"time"
)

// Bounds restricts which dwell and inter-key pause samples count as
// genuine. Both ranges are exclusive. A zero max disables that bound.
type Bounds struct {
	MaxDwellMs float64
	MaxPauseMs float64
}

// DefaultBounds discards dwell times outside (0, 2000) ms and pauses
// outside (0, 3000) ms.
var DefaultBounds = Bounds{MaxDwellMs: 2000, MaxPauseMs: 3000}

func (b Bounds) dwellOK(ms float64) bool {
	if b.MaxDwellMs == 0 {
		return true
	}
	return ms > 0 && ms < b.MaxDwellMs
}

func (b Bounds) pauseOK(ms float64) bool {
	if b.MaxPauseMs == 0 {
		return true
	}
	return ms > 0 && ms < b.MaxPauseMs
}

// DefaultScreenWidth is used for the X fallback when the device did not
// report its width.
const DefaultScreenWidth = 390.0

// Extractor computes feature vectors. The same bounds policy applies to
// every challenge kind.
type Extractor struct {
	bounds Bounds
}

// NewExtractor creates an extractor that filters with b.
func NewExtractor(b Bounds) *Extractor {
	return &Extractor{bounds: b}
}

// Bounds returns the active filtering policy.
func (e *Extractor) Bounds() Bounds { return e.bounds }

// Extract computes the feature vector of s, assuming the default screen width.
func (e *Extractor) Extract(s *Session, submitted string, now time.Time) (*FeatureVector, error) {
	return e.ExtractFor(s, submitted, now, DeviceMetrics{ScreenWidth: DefaultScreenWidth})
}

// ExtractFor computes the feature vector of s and marks it consumed.
// device is only consulted for the X coordinate fallback.
func (e *Extractor) ExtractFor(s *Session, submitted string, now time.Time, device DeviceMetrics) (*FeatureVector, error) {
	if s == nil || s.consumed || s.Empty() {
		return nil, ErrInvalidSessionState
	}

	v := &FeatureVector{
		Kind:           s.Kind,
		Challenge:      s.Challenge,
		Submitted:      submitted,
		IsCorrect:      submitted == s.Challenge,
		Timestamp:      now,
		BackspaceCount: s.backspaces,
		CharacterCount: len([]rune(submitted)),
	}

	v.TotalTimeSec = now.Sub(s.start).Seconds()
	if v.TotalTimeSec < 0 {
		v.TotalTimeSec = 0
	}
	if v.TotalTimeSec > 0 {
		v.WPM = (float64(v.CharacterCount) / 5) / v.TotalTimeSec * 60
	}

	v.FlightTimes = flightTimes(s.keys)
	v.DwellTimes, v.InterKeyPauses = e.touchTimings(s.touches)
	v.TypingPatternVector = append([]float64{}, v.FlightTimes...)

	v.AvgFlightTime = Mean(v.FlightTimes)
	v.AvgDwellTime = Mean(v.DwellTimes)
	v.AvgInterKeyPause = Mean(v.InterKeyPauses)
	v.SessionEntropy = Dispersion(v.FlightTimes)
	v.KeyDwellVariance = Dispersion(v.DwellTimes)
	v.InterKeyVariance = Dispersion(v.InterKeyPauses)

	var areas, pressures, xs, ys []float64
	for _, t := range s.touches {
		if a := t.TouchArea(); a.positive() {
			areas = append(areas, a.Value)
		}
		if t.Pressure.positive() {
			pressures = append(pressures, t.Pressure.Value)
		}
		if t.X.positive() {
			xs = append(xs, t.X.Value)
		}
		if t.Y.positive() {
			ys = append(ys, t.Y.Value)
		}
	}
	v.PressureVariance = Dispersion(pressures)
	v.TouchAreaVariance = Dispersion(areas)

	width := device.ScreenWidth
	if width <= 0 {
		width = DefaultScreenWidth
	}
	v.AvgTouchArea = v.meanOr(areas, DefaultTouchArea, FallbackTouchArea)
	v.AvgPressure = v.meanOr(pressures, DefaultPressure, FallbackPressure)
	v.AvgCoordX = v.meanOr(xs, width/2, FallbackCoordX)
	v.AvgCoordY = v.meanOr(ys, DefaultCoordY, FallbackCoordY)

	recovery := make([]float64, 0, len(s.recoveries))
	for _, r := range s.recoveries {
		recovery = append(recovery, r.RecoveryTimeMs)
	}
	v.AvgErrorRecoveryTime = Mean(recovery)

	v.KeyTimingsCount = len(s.keys)
	v.TouchEventsCount = len(s.touches)
	v.ErrorRecoveryCount = len(s.recoveries)

	s.consumed = true
	return v, nil
}

func (v *FeatureVector) meanOr(xs []float64, fallback float64, name string) float64 {
	if len(xs) == 0 {
		v.Fallbacks = append(v.Fallbacks, name)
		return fallback
	}
	return Mean(xs)
}

func flightTimes(keys []KeyEvent) []float64 {
	out := make([]float64, 0, max(len(keys)-1, 0))
	for i := 1; i < len(keys); i++ {
		out = append(out, millis(keys[i].At.Sub(keys[i-1].At)))
	}
	return out
}

// touchTimings pairs starts and ends by their index in the filtered
// sub-lists, not by pointer identity.
func (e *Extractor) touchTimings(touches []TouchEvent) (dwell, pauses []float64) {
	var starts, ends []TouchEvent
	for _, t := range touches {
		switch t.Phase {
		case TouchStart:
			starts = append(starts, t)
		case TouchEnd:
			ends = append(ends, t)
		}
	}

	n := min(len(starts), len(ends))
	dwell = make([]float64, 0, n)
	pauses = make([]float64, 0, max(n-1, 0))
	for i := 0; i < n; i++ {
		d := millis(ends[i].At.Sub(starts[i].At))
		if e.bounds.dwellOK(d) {
			dwell = append(dwell, d)
		}
		if i == 0 {
			continue
		}
		p := millis(starts[i].At.Sub(ends[i-1].At))
		if e.bounds.pauseOK(p) {
			pauses = append(pauses, p)
		}
	}
	return dwell, pauses
}

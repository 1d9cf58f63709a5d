package biometrics

import (
	"time"
)

// Session is the raw event record of one PIN or CAPTCHA attempt.
//
// A session receives events from a single input surface; it is not safe
// for concurrent mutation. Callers that share a session across goroutines
// (see challenge.Service) serialize access themselves.
type Session struct {
	ID        string
	Kind      Kind
	Challenge string

	started        bool
	start          time.Time
	input          string
	keys           []KeyEvent
	touches        []TouchEvent
	lastTouchStart *time.Time
	backspaces     int
	recoveries     []ErrorRecoveryEvent
	lastKeyRelease *time.Time
	consumed       bool
}

// NewSession opens an empty session for the given challenge.
func NewSession(id string, kind Kind, challenge string) *Session {
	return &Session{ID: id, Kind: kind, Challenge: challenge}
}

// RecordInput handles an input-change callback carrying the full current
// text. Shrinking text is treated as a backspace correction.
func (s *Session) RecordInput(text string, at time.Time) error {
	if s.consumed {
		return ErrInvalidSessionState
	}
	if !s.started {
		s.started = true
		s.start = at
	}

	prev := []rune(s.input)
	cur := []rune(text)

	var sinceRelease float64
	if s.lastKeyRelease != nil {
		sinceRelease = millis(at.Sub(*s.lastKeyRelease))
	}

	backspace := len(cur) < len(prev)
	if backspace {
		s.backspaces++
		s.recoveries = append(s.recoveries, ErrorRecoveryEvent{
			At:             at,
			DeletedChar:    string(prev[len(cur)]),
			Position:       len(cur),
			RecoveryTimeMs: sinceRelease,
		})
	}

	char, pos := "", len(cur)
	if !backspace && len(cur) > 0 {
		char, pos = string(cur[len(cur)-1]), len(cur)-1
	}
	s.keys = append(s.keys, KeyEvent{
		At:              at,
		Char:            char,
		Position:        pos,
		InputLength:     len(cur),
		IsBackspace:     backspace,
		InterKeyPauseMs: sinceRelease,
	})

	release := at
	s.lastKeyRelease = &release
	s.input = text
	return nil
}

// RecordTouch appends a touch edge. End events are given a dwell time
// against the most recent start.
func (s *Session) RecordTouch(ev TouchEvent) error {
	if s.consumed {
		return ErrInvalidSessionState
	}
	switch ev.Phase {
	case TouchStart:
		at := ev.At
		s.lastTouchStart = &at
	case TouchEnd:
		if s.lastTouchStart != nil && ev.DwellMs == 0 {
			ev.DwellMs = millis(ev.At.Sub(*s.lastTouchStart))
		}
	}
	s.touches = append(s.touches, ev)
	return nil
}

// Reset clears every recorded event, as when the input is cleared or a
// new challenge is generated. A consumed session cannot be reset.
func (s *Session) Reset() error {
	if s.consumed {
		return ErrInvalidSessionState
	}
	s.started = false
	s.start = time.Time{}
	s.input = ""
	s.keys = nil
	s.touches = nil
	s.lastTouchStart = nil
	s.backspaces = 0
	s.recoveries = nil
	s.lastKeyRelease = nil
	return nil
}

// Input returns the current text.
func (s *Session) Input() string { return s.input }

// Empty reports whether no key event has been recorded.
func (s *Session) Empty() bool { return len(s.keys) == 0 }

// Consumed reports whether features were already extracted.
func (s *Session) Consumed() bool { return s.consumed }

// StartedAt returns the time of the first input change.
func (s *Session) StartedAt() time.Time { return s.start }

// Keys returns a copy of the key events.
func (s *Session) Keys() []KeyEvent {
	return append([]KeyEvent(nil), s.keys...)
}

// Touches returns a copy of the touch events.
func (s *Session) Touches() []TouchEvent {
	return append([]TouchEvent(nil), s.touches...)
}

// Recoveries returns a copy of the error-recovery events.
func (s *Session) Recoveries() []ErrorRecoveryEvent {
	return append([]ErrorRecoveryEvent(nil), s.recoveries...)
}

// BackspaceCount returns the number of backspace corrections.
func (s *Session) BackspaceCount() int { return s.backspaces }

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

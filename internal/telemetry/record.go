// Package telemetry encodes feature vectors into the fixed 33-field record
// shared by the authentication backend and the local dataset.
//
// Field order is a wire contract. Changing FieldNames breaks the backend.
package telemetry

import (
	"strings"
	"time"

	"github.com/mbd888/suraksha/internal/biometrics"
)

// Default usernames sent when the caller does not identify the user.
const (
	CaptchaUser = "CaptchaUser"
	PinUser     = "PinUser"
)

// MaskedChallenge replaces the PIN itself in every PIN record.
const MaskedChallenge = "******"

// FieldCount is the number of fields in an encoded record.
const FieldCount = 33

// FieldNames lists the record fields in wire order.
var FieldNames = [FieldCount]string{
	"username",
	"captcha",
	"userInput",
	"isCorrect",
	"timestamp",
	"totalTime",
	"wpm",
	"backspaceCount",
	"avgFlightTime",
	"avgDwellTime",
	"avgInterKeyPause",
	"sessionEntropy",
	"keyDwellVariance",
	"interKeyVariance",
	"pressureVariance",
	"touchAreaVariance",
	"avgTouchArea",
	"avgPressure",
	"avgCoordX",
	"avgCoordY",
	"avgErrorRecoveryTime",
	"characterCount",
	"flightTimesArray",
	"dwellTimesArray",
	"interKeyPausesArray",
	"typingPatternVector",
	"keyTimingsCount",
	"touchEventsCount",
	"errorRecoveryCount",
	"devicePlatform",
	"deviceScreenWidth",
	"deviceScreenHeight",
	"devicePixelRatio",
}

// Record is one telemetry row.
type Record struct {
	Username  string    `json:"username"`
	Captcha   string    `json:"captcha"`
	UserInput string    `json:"userInput"`
	IsCorrect bool      `json:"isCorrect"`
	Timestamp time.Time `json:"timestamp"`

	TotalTime      float64 `json:"totalTime"`
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

	DevicePlatform     string  `json:"devicePlatform"`
	DeviceScreenWidth  float64 `json:"deviceScreenWidth"`
	DeviceScreenHeight float64 `json:"deviceScreenHeight"`
	DevicePixelRatio   float64 `json:"devicePixelRatio"`
}

// NewRecord builds a record from a feature vector. PIN vectors never carry
// the digits: the challenge is replaced by MaskedChallenge and the input by
// one asterisk per character.
func NewRecord(username string, v *biometrics.FeatureVector, device biometrics.DeviceMetrics) Record {
	if username == "" {
		username = CaptchaUser
		if v.Kind == biometrics.KindPin {
			username = PinUser
		}
	}
	challenge, input := v.Challenge, v.Submitted
	if v.Kind == biometrics.KindPin {
		challenge = MaskedChallenge
		input = strings.Repeat("*", v.CharacterCount)
	}
	platform := device.Platform
	if platform == "" {
		platform = "unknown"
	}
	ratio := device.PixelRatio
	if ratio == 0 {
		ratio = 1
	}

	return Record{
		Username:             username,
		Captcha:              challenge,
		UserInput:            input,
		IsCorrect:            v.IsCorrect,
		Timestamp:            v.Timestamp.UTC(),
		TotalTime:            v.TotalTimeSec,
		WPM:                  v.WPM,
		BackspaceCount:       v.BackspaceCount,
		AvgFlightTime:        v.AvgFlightTime,
		AvgDwellTime:         v.AvgDwellTime,
		AvgInterKeyPause:     v.AvgInterKeyPause,
		SessionEntropy:       v.SessionEntropy,
		KeyDwellVariance:     v.KeyDwellVariance,
		InterKeyVariance:     v.InterKeyVariance,
		PressureVariance:     v.PressureVariance,
		TouchAreaVariance:    v.TouchAreaVariance,
		AvgTouchArea:         v.AvgTouchArea,
		AvgPressure:          v.AvgPressure,
		AvgCoordX:            v.AvgCoordX,
		AvgCoordY:            v.AvgCoordY,
		AvgErrorRecoveryTime: v.AvgErrorRecoveryTime,
		CharacterCount:       v.CharacterCount,
		FlightTimes:          append([]float64{}, v.FlightTimes...),
		DwellTimes:           append([]float64{}, v.DwellTimes...),
		InterKeyPauses:       append([]float64{}, v.InterKeyPauses...),
		TypingPatternVector:  append([]float64{}, v.TypingPatternVector...),
		KeyTimingsCount:      v.KeyTimingsCount,
		TouchEventsCount:     v.TouchEventsCount,
		ErrorRecoveryCount:   v.ErrorRecoveryCount,
		DevicePlatform:       platform,
		DeviceScreenWidth:    device.ScreenWidth,
		DeviceScreenHeight:   device.ScreenHeight,
		DevicePixelRatio:     ratio,
	}
}

// Kind infers the challenge kind from a record.
func (r Record) Kind() biometrics.Kind {
	if r.Captcha == MaskedChallenge || r.Username == PinUser {
		return biometrics.KindPin
	}
	return biometrics.KindCaptcha
}

package telemetry

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/suraksha/internal/biometrics"
)

func sampleVector(kind biometrics.Kind) *biometrics.FeatureVector {
	return &biometrics.FeatureVector{
		Kind:                kind,
		Challenge:           "aB3xZ",
		Submitted:           "aB3xZ",
		IsCorrect:           true,
		Timestamp:           time.Date(2026, 3, 1, 10, 0, 0, 123_000_000, time.UTC),
		TotalTimeSec:        4.25,
		WPM:                 14.117647,
		CharacterCount:      5,
		AvgFlightTime:       28.75,
		SessionEntropy:      16.75,
		AvgPressure:         0.4,
		FlightTimes:         []float64{12, 45.5},
		DwellTimes:          []float64{},
		InterKeyPauses:      []float64{100.25},
		TypingPatternVector: []float64{12, 45.5},
		KeyTimingsCount:     3,
		TouchEventsCount:    4,
	}
}

func TestFieldNamesOrder(t *testing.T) {
	assert.Equal(t, 33, FieldCount)
	assert.Equal(t, "username", FieldNames[0])
	assert.Equal(t, "avgErrorRecoveryTime", FieldNames[20])
	assert.Equal(t, "flightTimesArray", FieldNames[22])
	assert.Equal(t, "devicePixelRatio", FieldNames[32])
}

func TestEncodeListLiteral(t *testing.T) {
	assert.Equal(t, "[12;45.5]", FormatList([]float64{12.0, 45.5}))
	assert.Equal(t, "[]", FormatList(nil))

	rec := NewRecord("", sampleVector(biometrics.KindCaptcha), biometrics.DeviceMetrics{Platform: "ios", ScreenWidth: 390, ScreenHeight: 844, PixelRatio: 3})
	fields := rec.Fields()
	require.Len(t, fields, FieldCount)

	assert.Equal(t, `"CaptchaUser"`, fields[0])
	assert.Equal(t, `"aB3xZ"`, fields[1])
	assert.Equal(t, "true", fields[3])
	assert.Equal(t, `"2026-03-01T10:00:00.123Z"`, fields[4])
	assert.Equal(t, "4.250", fields[5])
	assert.Equal(t, "14.12", fields[6])
	assert.Equal(t, "28.750", fields[8])
	assert.Equal(t, "0.400", fields[17])
	assert.Equal(t, `"[12;45.5]"`, fields[22])
	assert.Equal(t, `"[]"`, fields[23])
	assert.Equal(t, `"ios"`, fields[29])
	assert.Equal(t, "390", fields[30])
	assert.Equal(t, "3", fields[32])
}

func TestPinRecordIsMasked(t *testing.T) {
	v := sampleVector(biometrics.KindPin)
	v.Challenge, v.Submitted, v.CharacterCount = "4821", "4821", 4

	rec := NewRecord("", v, biometrics.DeviceMetrics{})
	assert.Equal(t, PinUser, rec.Username)
	assert.Equal(t, "******", rec.Captcha)
	assert.Equal(t, "****", rec.UserInput)
	assert.Equal(t, "unknown", rec.DevicePlatform)
	assert.Equal(t, 1.0, rec.DevicePixelRatio)
	assert.NotContains(t, rec.Encode(), "4821")
	assert.Equal(t, biometrics.KindPin, rec.Kind())
}

func TestDecodeReproducesFields(t *testing.T) {
	rec := NewRecord("alice", sampleVector(biometrics.KindCaptcha), biometrics.DeviceMetrics{Platform: "android", ScreenWidth: 411.5, ScreenHeight: 891, PixelRatio: 2.625})
	line := rec.Encode()

	got, err := Decode(line)
	require.NoError(t, err)

	assert.Equal(t, rec.Fields(), got.Fields())
	assert.Equal(t, []float64{12, 45.5}, got.FlightTimes)
	assert.Empty(t, got.DwellTimes)
	assert.Equal(t, "alice", got.Username)
	assert.True(t, got.Timestamp.Equal(rec.Timestamp))
	assert.Equal(t, biometrics.KindCaptcha, got.Kind())
}

func TestDecodeWrongFieldCount(t *testing.T) {
	_, err := Decode(`"a","b",true`)
	if !errors.Is(err, ErrFieldCount) {
		t.Fatalf("expected ErrFieldCount, got %v", err)
	}

	line := NewRecord("", sampleVector(biometrics.KindCaptcha), biometrics.DeviceMetrics{}).Encode()
	_, err = Decode(line + ",1")
	assert.ErrorIs(t, err, ErrFieldCount)
}

func TestDecodeMalformedField(t *testing.T) {
	fields := NewRecord("", sampleVector(biometrics.KindCaptcha), biometrics.DeviceMetrics{}).Fields()
	fields[7] = "seven"
	_, err := Decode(strings.Join(fields, ","))
	assert.ErrorIs(t, err, ErrBadField)
	assert.Contains(t, err.Error(), "backspaceCount")

	_, err = ParseList("12;4")
	assert.ErrorIs(t, err, ErrBadField)
}

func TestQuotedStringsSurviveDecode(t *testing.T) {
	v := sampleVector(biometrics.KindCaptcha)
	v.Submitted = `a"b,c`
	rec := NewRecord("", v, biometrics.DeviceMetrics{})

	got, err := Decode(rec.Encode())
	require.NoError(t, err)
	assert.Equal(t, `a"b,c`, got.UserInput)
}

func TestWriteTable(t *testing.T) {
	recs := []Record{
		NewRecord("", sampleVector(biometrics.KindCaptcha), biometrics.DeviceMetrics{}),
		NewRecord("", sampleVector(biometrics.KindCaptcha), biometrics.DeviceMetrics{}),
	}
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, recs))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(FieldNames[:], ","), lines[0])
	for _, l := range lines[1:] {
		_, err := Decode(l)
		assert.NoError(t, err)
	}
}

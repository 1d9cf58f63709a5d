package telemetry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is ISO-8601 UTC with milliseconds.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	ErrFieldCount = errors.New("telemetry: wrong number of fields")
	ErrBadField   = errors.New("telemetry: malformed field")
)

// Fields returns the encoded fields in wire order.
func (r Record) Fields() []string {
	return []string{
		quote(r.Username),
		quote(r.Captcha),
		quote(r.UserInput),
		strconv.FormatBool(r.IsCorrect),
		quote(r.Timestamp.UTC().Format(TimestampLayout)),
		fixed(r.TotalTime, 3),
		fixed(r.WPM, 2),
		strconv.Itoa(r.BackspaceCount),
		fixed(r.AvgFlightTime, 3),
		fixed(r.AvgDwellTime, 3),
		fixed(r.AvgInterKeyPause, 3),
		fixed(r.SessionEntropy, 3),
		fixed(r.KeyDwellVariance, 3),
		fixed(r.InterKeyVariance, 3),
		fixed(r.PressureVariance, 3),
		fixed(r.TouchAreaVariance, 3),
		fixed(r.AvgTouchArea, 3),
		fixed(r.AvgPressure, 3),
		fixed(r.AvgCoordX, 3),
		fixed(r.AvgCoordY, 3),
		fixed(r.AvgErrorRecoveryTime, 3),
		strconv.Itoa(r.CharacterCount),
		quote(FormatList(r.FlightTimes)),
		quote(FormatList(r.DwellTimes)),
		quote(FormatList(r.InterKeyPauses)),
		quote(FormatList(r.TypingPatternVector)),
		strconv.Itoa(r.KeyTimingsCount),
		strconv.Itoa(r.TouchEventsCount),
		strconv.Itoa(r.ErrorRecoveryCount),
		quote(r.DevicePlatform),
		shortest(r.DeviceScreenWidth),
		shortest(r.DeviceScreenHeight),
		shortest(r.DevicePixelRatio),
	}
}

// Encode returns the record as one comma-separated line without a newline.
func (r Record) Encode() string {
	return strings.Join(r.Fields(), ",")
}

// FormatList renders xs as "[v1;v2]" with shortest float formatting.
func FormatList(xs []float64) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = shortest(x)
	}
	return "[" + strings.Join(parts, ";") + "]"
}

// ParseList is the inverse of FormatList.
func ParseList(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("%w: list %q", ErrBadField, s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return []float64{}, nil
	}
	parts := strings.Split(body, ";")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: list element %q", ErrBadField, p)
		}
		out = append(out, f)
	}
	return out, nil
}

// Decode parses one encoded record line.
func Decode(line string) (Record, error) {
	cr := csv.NewReader(strings.NewReader(line))
	cr.FieldsPerRecord = -1
	fields, err := cr.Read()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrBadField, err)
	}
	return FromFields(fields)
}

// FromFields builds a record from already-split, unquoted fields.
func FromFields(f []string) (Record, error) {
	if len(f) != FieldCount {
		return Record{}, fmt.Errorf("%w: got %d, want %d", ErrFieldCount, len(f), FieldCount)
	}

	p := fieldParser{fields: f}
	r := Record{
		Username:  f[0],
		Captcha:   f[1],
		UserInput: f[2],
	}
	r.IsCorrect = p.boolean(3)
	r.Timestamp = p.timestamp(4)
	r.TotalTime = p.decimal(5)
	r.WPM = p.decimal(6)
	r.BackspaceCount = p.integer(7)
	r.AvgFlightTime = p.decimal(8)
	r.AvgDwellTime = p.decimal(9)
	r.AvgInterKeyPause = p.decimal(10)
	r.SessionEntropy = p.decimal(11)
	r.KeyDwellVariance = p.decimal(12)
	r.InterKeyVariance = p.decimal(13)
	r.PressureVariance = p.decimal(14)
	r.TouchAreaVariance = p.decimal(15)
	r.AvgTouchArea = p.decimal(16)
	r.AvgPressure = p.decimal(17)
	r.AvgCoordX = p.decimal(18)
	r.AvgCoordY = p.decimal(19)
	r.AvgErrorRecoveryTime = p.decimal(20)
	r.CharacterCount = p.integer(21)
	r.FlightTimes = p.list(22)
	r.DwellTimes = p.list(23)
	r.InterKeyPauses = p.list(24)
	r.TypingPatternVector = p.list(25)
	r.KeyTimingsCount = p.integer(26)
	r.TouchEventsCount = p.integer(27)
	r.ErrorRecoveryCount = p.integer(28)
	r.DevicePlatform = f[29]
	r.DeviceScreenWidth = p.decimal(30)
	r.DeviceScreenHeight = p.decimal(31)
	r.DevicePixelRatio = p.decimal(32)

	if p.err != nil {
		return Record{}, p.err
	}
	return r, nil
}

// WriteTable writes a header row followed by one row per record.
func WriteTable(w io.Writer, records []Record) error {
	if _, err := io.WriteString(w, strings.Join(FieldNames[:], ",")+"\n"); err != nil {
		return err
	}
	for _, r := range records {
		if _, err := io.WriteString(w, r.Encode()+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// fieldParser keeps the first error so FromFields reads straight through.
type fieldParser struct {
	fields []string
	err    error
}

func (p *fieldParser) fail(i int, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s: %v", ErrBadField, FieldNames[i], err)
	}
}

func (p *fieldParser) decimal(i int) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(p.fields[i]), 64)
	if err != nil {
		p.fail(i, err)
	}
	return v
}

func (p *fieldParser) integer(i int) int {
	v, err := strconv.Atoi(strings.TrimSpace(p.fields[i]))
	if err != nil {
		p.fail(i, err)
	}
	return v
}

func (p *fieldParser) boolean(i int) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(p.fields[i]))
	if err != nil {
		p.fail(i, err)
	}
	return v
}

func (p *fieldParser) timestamp(i int) time.Time {
	v, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(p.fields[i]))
	if err != nil {
		p.fail(i, err)
	}
	return v.UTC()
}

func (p *fieldParser) list(i int) []float64 {
	v, err := ParseList(p.fields[i])
	if err != nil {
		p.fail(i, err)
	}
	return v
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func fixed(f float64, prec int) string {
	return strconv.FormatFloat(f, 'f', prec, 64)
}

func shortest(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

package devicetrust

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// Sensor thresholds. A real handset at rest still shows measurable noise;
// emulators report exact zeros or near-constant values.
const (
	MovementThreshold = 0.001

	flatVariance     = 1e-6
	flatMagnitude    = 5e-4
	silentAbsSum     = 1e-5
	silentMagnitude  = 1e-4
	earlyExitSamples = 5
)

// SensorStats summarizes a sample window.
type SensorStats struct {
	Variance     float64 `json:"variance"`
	MaxMagnitude float64 `json:"maxMagnitude"`
	MeanAbsSum   float64 `json:"meanAbsSum"`
}

// Analyze computes the population variance over every axis value, the
// largest magnitude and the mean of |x|+|y|+|z|.
func Analyze(samples []Sample) SensorStats {
	if len(samples) == 0 {
		return SensorStats{}
	}
	values := make([]float64, 0, len(samples)*3)
	var st SensorStats
	var absSum float64
	for _, s := range samples {
		values = append(values, s.X, s.Y, s.Z)
		st.MaxMagnitude = math.Max(st.MaxMagnitude, s.Magnitude())
		absSum += math.Abs(s.X) + math.Abs(s.Y) + math.Abs(s.Z)
	}
	st.MeanAbsSum = absSum / float64(len(samples))

	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		st.Variance += (v - mean) * (v - mean)
	}
	st.Variance /= float64(len(values))
	return st
}

// LooksEmulated applies the flat-signal rule.
func (s SensorStats) LooksEmulated() bool {
	return (s.Variance < flatVariance && s.MaxMagnitude < flatMagnitude) ||
		(s.MeanAbsSum < silentAbsSum && s.MaxMagnitude < silentMagnitude)
}

func hasMovement(samples []Sample) bool {
	return slices.ContainsFunc(samples, func(s Sample) bool {
		return s.Magnitude() > MovementThreshold
	})
}

// CheckDevice applies the static device-info rules. The reason names the
// rule that fired.
func (p *Policy) CheckDevice(info DeviceInfo) (bool, string) {
	if !info.IsPhysicalDevice {
		return true, "device reports non-physical"
	}
	model := strings.ToLower(info.Model)
	brand := strings.ToLower(info.Brand)
	manufacturer := strings.ToLower(info.Manufacturer)
	name := strings.ToLower(info.DeviceName)

	if tok, ok := containsAny(p.EmulatorIndicators, model, brand, manufacturer, name); ok {
		return true, fmt.Sprintf("indicator %q in device info", tok)
	}
	if slices.Contains(p.GenericBrands, brand) || slices.Contains(p.GenericBrands, manufacturer) {
		return true, "generic brand or manufacturer"
	}
	if manufacturer == "google" && strings.Contains(model, "sdk") {
		return true, "google sdk build"
	}
	// an empty device type means the client did not report one
	if strings.EqualFold(info.DeviceType, "unknown") {
		return true, "unknown device type"
	}
	return false, ""
}

// decide combines device info and sensor evidence into a verdict.
func (p *Policy) decide(info DeviceInfo, samples []Sample, method string) Verdict {
	v := Verdict{Method: method, SampleCount: len(samples)}
	byInfo, infoReason := p.CheckDevice(info)
	v.ByDeviceInfo = byInfo

	if len(samples) == 0 {
		v.IsEmulator = true
		v.Method = MethodNoSensorData
		v.Reason = "no sensor data collected"
		if byInfo {
			v.Reason += "; " + infoReason
		}
		return v
	}

	v.Stats = Analyze(samples)
	v.BySensor = v.Stats.LooksEmulated()
	v.IsEmulator = byInfo || v.BySensor

	var reasons []string
	if byInfo {
		reasons = append(reasons, infoReason)
	}
	if v.BySensor {
		reasons = append(reasons, fmt.Sprintf("flat sensor signal (variance=%.3g, maxMagnitude=%.3g)", v.Stats.Variance, v.Stats.MaxMagnitude))
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "device info and sensor signal consistent with real hardware")
	}
	v.Reason = strings.Join(reasons, "; ")
	return v
}

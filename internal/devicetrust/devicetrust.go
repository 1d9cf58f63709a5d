// Package devicetrust decides whether the client is running on a real
// handset or an emulator, from motion-sensor samples and static device
// attributes, and inspects the runtime for developer mode, USB debugging
// and root access.
package devicetrust

import (
	"errors"
	"math"
	"sync"
	"time"
)

var (
	ErrSensorUnavailable = errors.New("sensor unavailable")
	ErrSensorNoData      = errors.New("sensor produced no data")
	ErrAlreadyRunning    = errors.New("trust evaluation already running")
)

// SensorKind names a class of motion sensor.
type SensorKind string

const (
	Gyroscope     SensorKind = "gyroscope"
	Accelerometer SensorKind = "accelerometer"
)

// Sample is one 3-axis reading.
type Sample struct {
	X  float64   `json:"x"`
	Y  float64   `json:"y"`
	Z  float64   `json:"z"`
	At time.Time `json:"at"`
}

// Magnitude is the Euclidean norm of the reading.
func (s Sample) Magnitude() float64 {
	return math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
}

// Subscription is a live sensor listener.
type Subscription interface {
	Remove()
}

// Sensor delivers samples at a requested interval until the subscription
// is removed. Implementations may call fn from any goroutine.
type Sensor interface {
	Kind() SensorKind
	Subscribe(interval time.Duration, fn func(Sample)) (Subscription, error)
}

// onceSubscription makes Remove idempotent whatever the underlying sensor does.
type onceSubscription struct {
	once sync.Once
	sub  Subscription
}

func guard(sub Subscription) *onceSubscription {
	return &onceSubscription{sub: sub}
}

func (o *onceSubscription) Remove() {
	if o == nil {
		return
	}
	o.once.Do(func() {
		if o.sub != nil {
			o.sub.Remove()
		}
	})
}

// DeviceInfo is the static description the platform reports.
type DeviceInfo struct {
	IsPhysicalDevice bool   `json:"isPhysicalDevice"`
	Model            string `json:"model"`
	Brand            string `json:"brand"`
	Manufacturer     string `json:"manufacturer"`
	DeviceName       string `json:"deviceName"`
	DeviceType       string `json:"deviceType"`
}

// Verdict methods.
const (
	MethodEarlyExit       = "gyroscope_early_exit"
	MethodPrimaryTimeout  = "gyroscope_timeout"
	MethodFallback        = "accelerometer"
	MethodFallbackTimeout = "accelerometer_timeout"
	MethodNoSensorData    = "no_sensor_data"
)

// Verdict is the terminal trust decision of one evaluation.
type Verdict struct {
	IsEmulator   bool        `json:"isEmulator"`
	Method       string      `json:"method"`
	Reason       string      `json:"reason"`
	SampleCount  int         `json:"sampleCount"`
	Stats        SensorStats `json:"stats"`
	ByDeviceInfo bool        `json:"byDeviceInfo"`
	BySensor     bool        `json:"bySensor"`
	DecidedAt    time.Time   `json:"decidedAt"`
}

// Wire names of a verdict, as the backend's emulator-detection endpoint
// expects them.
const (
	ResultRealDevice = "real_device"
	ResultEmulator   = "emulator_detected"
)

// Result is the wire name of the verdict.
func (v Verdict) Result() string {
	if v.IsEmulator {
		return ResultEmulator
	}
	return ResultRealDevice
}

package devicetrust

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var realDevice = DeviceInfo{
	IsPhysicalDevice: true,
	Model:            "Pixel 8",
	Brand:            "google",
	Manufacturer:     "Google",
	DeviceName:       "shiba",
	DeviceType:       "phone",
}

type harness struct {
	gyro     *StreamSensor
	accel    *StreamSensor
	mock     *clock.Mock
	ev       *Evaluator
	verdicts chan Verdict
	calls    atomic.Int32
}

func newHarness() *harness {
	h := &harness{
		gyro:     NewStreamSensor(Gyroscope),
		accel:    NewStreamSensor(Accelerometer),
		mock:     clock.NewMock(),
		verdicts: make(chan Verdict, 4),
	}
	h.ev = NewEvaluator(h.gyro, h.accel).WithClock(h.mock)
	return h
}

func (h *harness) onVerdict(v Verdict) {
	h.calls.Add(1)
	h.verdicts <- v
}

func (h *harness) start(t *testing.T, info DeviceInfo) {
	t.Helper()
	require.NoError(t, h.ev.Start(context.Background(), info, h.onVerdict))
}

func (h *harness) await(t *testing.T) Verdict {
	t.Helper()
	select {
	case v := <-h.verdicts:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no verdict")
		return Verdict{}
	}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ev.State() == want }, time.Second, time.Millisecond)
}

// waitFallback blocks until the fallback sensor is subscribed, which also
// means its timeout is armed.
func (h *harness) waitFallback(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.accel.Subscribers() == 1 }, time.Second, time.Millisecond)
}

func noisy(i int) Sample {
	f := float64(i+1) * 0.004
	return Sample{X: f, Y: -f / 2, Z: 0.001}
}

func TestEarlyExitOnMovement(t *testing.T) {
	h := newHarness()
	h.start(t, realDevice)
	assert.Equal(t, StateSamplingPrimary, h.ev.State())
	assert.Equal(t, 1, h.gyro.Subscribers())

	for i := 0; i < 5; i++ {
		h.gyro.Push(noisy(i))
	}
	v := h.await(t)

	assert.False(t, v.IsEmulator)
	assert.Equal(t, MethodEarlyExit, v.Method)
	assert.Equal(t, 5, v.SampleCount)
	assert.Equal(t, 0, h.gyro.Subscribers())
	assert.Equal(t, StateIdle, h.ev.State())
}

func TestNoEarlyExitWithoutMovement(t *testing.T) {
	h := newHarness()
	h.start(t, realDevice)

	for i := 0; i < 6; i++ {
		h.gyro.Push(Sample{})
	}
	assert.Equal(t, StateSamplingPrimary, h.ev.State())

	h.mock.Add(PrimaryTimeout)
	v := h.await(t)

	assert.True(t, v.IsEmulator)
	assert.True(t, v.BySensor)
	assert.False(t, v.ByDeviceInfo)
	assert.Equal(t, MethodPrimaryTimeout, v.Method)
	assert.Equal(t, 6, v.SampleCount)
}

func TestNonPhysicalDeviceIsEmulatorRegardlessOfSamples(t *testing.T) {
	h := newHarness()
	info := realDevice
	info.IsPhysicalDevice = false
	h.start(t, info)

	for i := 0; i < 5; i++ {
		h.gyro.Push(noisy(i))
	}
	v := h.await(t)

	assert.True(t, v.IsEmulator)
	assert.True(t, v.ByDeviceInfo)
	assert.False(t, v.BySensor)
	assert.Contains(t, v.Reason, "non-physical")
}

func TestNoDataSwitchesToFallback(t *testing.T) {
	h := newHarness()
	h.start(t, realDevice)

	h.mock.Add(NoDataAfter)
	h.waitFallback(t)
	assert.Equal(t, StateSamplingFallback, h.ev.State())
	assert.Equal(t, 0, h.gyro.Subscribers())

	// Late gyroscope data is ignored once the fallback is running.
	h.gyro.Push(noisy(0))

	for i := 0; i < FallbackSamples; i++ {
		h.accel.Push(Sample{X: 0.1 * float64(i), Y: 9.81, Z: 0.2})
	}
	v := h.await(t)

	assert.False(t, v.IsEmulator)
	assert.Equal(t, MethodFallback, v.Method)
	assert.Equal(t, FallbackSamples, v.SampleCount)
	assert.Equal(t, 0, h.accel.Subscribers())
}

func TestNoSensorDataFailsClosed(t *testing.T) {
	h := newHarness()
	h.start(t, realDevice)

	h.mock.Add(NoDataAfter)
	h.waitFallback(t)
	h.mock.Add(FallbackTimeout)
	v := h.await(t)

	assert.True(t, v.IsEmulator)
	assert.Equal(t, MethodNoSensorData, v.Method)
	assert.Zero(t, v.SampleCount)
}

func TestFallbackTimeoutWithPartialSamples(t *testing.T) {
	h := newHarness()
	h.gyro.SetUnavailable()
	h.start(t, realDevice)
	assert.Equal(t, StateSamplingFallback, h.ev.State())

	h.accel.Push(Sample{X: 0.3, Y: 9.7, Z: 0.1})
	h.mock.Add(FallbackTimeout)
	v := h.await(t)

	assert.False(t, v.IsEmulator)
	assert.Equal(t, MethodFallbackTimeout, v.Method)
	assert.Equal(t, 1, v.SampleCount)
}

func TestBothSensorsUnavailable(t *testing.T) {
	h := newHarness()
	h.gyro.SetUnavailable()
	h.accel.SetUnavailable()
	h.start(t, realDevice)

	v := h.await(t)
	assert.True(t, v.IsEmulator)
	assert.Equal(t, MethodNoSensorData, v.Method)
}

func TestAtMostOneVerdict(t *testing.T) {
	h := newHarness()
	h.start(t, realDevice)

	for i := 0; i < 5; i++ {
		h.gyro.Push(noisy(i))
	}
	h.await(t)

	h.mock.Add(PrimaryTimeout + FallbackTimeout)
	h.gyro.Push(noisy(7))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), h.calls.Load())
}

func TestStartWhileRunning(t *testing.T) {
	h := newHarness()
	h.start(t, realDevice)
	err := h.ev.Start(context.Background(), realDevice, h.onVerdict)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStopProducesNoVerdict(t *testing.T) {
	h := newHarness()
	h.start(t, realDevice)
	h.gyro.Push(noisy(0))

	h.ev.Stop()
	h.ev.Stop()
	assert.Equal(t, StateIdle, h.ev.State())
	assert.Equal(t, 0, h.gyro.Subscribers())

	h.mock.Add(PrimaryTimeout + FallbackTimeout)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.calls.Load())

	// A fresh evaluation may start after Stop.
	h.start(t, realDevice)
	for i := 0; i < 5; i++ {
		h.gyro.Push(noisy(i))
	}
	assert.Equal(t, MethodEarlyExit, h.await(t).Method)
}

func TestContextCancelStops(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.ev.Start(ctx, realDevice, h.onVerdict))

	cancel()
	h.waitState(t, StateIdle)
	assert.Equal(t, 0, h.gyro.Subscribers())

	h.mock.Add(PrimaryTimeout)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.calls.Load())
}

func TestVerdictMetric(t *testing.T) {
	verdictsTotal.Reset()
	h := newHarness()
	h.gyro.SetUnavailable()
	h.accel.SetUnavailable()
	h.start(t, realDevice)
	h.await(t)

	m := &dto.Metric{}
	counter, err := verdictsTotal.GetMetricWithLabelValues(MethodNoSensorData, "true")
	require.NoError(t, err)
	require.NoError(t, counter.Write(m))
	assert.Equal(t, 1.0, m.Counter.GetValue())
}

type countingSub struct{ removed atomic.Int32 }

func (c *countingSub) Remove() { c.removed.Add(1) }

func TestGuardedRemoveIsIdempotent(t *testing.T) {
	inner := &countingSub{}
	g := guard(inner)
	g.Remove()
	g.Remove()
	g.Remove()
	assert.Equal(t, int32(1), inner.removed.Load())

	var nilGuard *onceSubscription
	nilGuard.Remove()
}

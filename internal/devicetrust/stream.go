package devicetrust

import (
	"sync"
	"time"
)

// StreamSensor is a Sensor fed by samples pushed from elsewhere, such as a
// client streaming readings over a WebSocket.
type StreamSensor struct {
	kind SensorKind

	mu          sync.Mutex
	subs        map[int]func(Sample)
	next        int
	unavailable bool
}

// NewStreamSensor creates a pushable sensor of the given kind.
func NewStreamSensor(kind SensorKind) *StreamSensor {
	return &StreamSensor{kind: kind, subs: make(map[int]func(Sample))}
}

func (s *StreamSensor) Kind() SensorKind { return s.kind }

// SetUnavailable makes later Subscribe calls fail, as on hardware without
// the sensor.
func (s *StreamSensor) SetUnavailable() {
	s.mu.Lock()
	s.unavailable = true
	s.mu.Unlock()
}

// Subscribe registers fn. The interval is advisory; the pushing side
// controls the rate.
func (s *StreamSensor) Subscribe(_ time.Duration, fn func(Sample)) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, ErrSensorUnavailable
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	return &streamSubscription{s: s, id: id}, nil
}

// Push delivers a sample to every subscriber.
func (s *StreamSensor) Push(sample Sample) {
	s.mu.Lock()
	fns := make([]func(Sample), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(sample)
	}
}

// Subscribers returns the number of live subscriptions.
func (s *StreamSensor) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

type streamSubscription struct {
	s  *StreamSensor
	id int
}

func (sub *streamSubscription) Remove() {
	sub.s.mu.Lock()
	delete(sub.s.subs, sub.id)
	sub.s.mu.Unlock()
}

// Package health provides a registry of named subsystem health checkers.
//
// Critical checkers decide readiness. Optional checkers are reported but
// only degrade the overall status; the auth backend is one, since
// authentication fails open when it is down.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds each checker run.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Report is the aggregate of one CheckAll run.
type Report struct {
	Ready    bool     `json:"ready"`    // every critical checker healthy
	Degraded bool     `json:"degraded"` // some optional checker unhealthy
	Statuses []Status `json:"checks"`
}

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-checker timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a named critical health checker.
func (r *Registry) Register(name string, check Checker) {
	r.add(name, true, check)
}

// RegisterOptional adds a checker whose failure only degrades health.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(name, false, check)
}

func (r *Registry) add(name string, critical bool, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate report. Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses := make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			st := nc.check(cctx)
			st.Name = nc.name
			st.Critical = nc.critical
			statuses[i] = st
		})
	}
	wg.Wait()

	rep := Report{Ready: true, Statuses: statuses}
	for _, st := range statuses {
		switch {
		case st.Healthy:
		case st.Critical:
			rep.Ready = false
		default:
			rep.Degraded = true
		}
	}
	return rep
}

// Pinger is anything that can verify its connection, such as *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingChecker reports healthy when p answers a ping.
func PingChecker(p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: "unreachable"}
		}
		return Status{Healthy: true}
	}
}

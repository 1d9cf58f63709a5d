package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestRegistryEmpty(t *testing.T) {
	rep := NewRegistry().CheckAll(context.Background())
	if !rep.Ready || rep.Degraded {
		t.Fatalf("empty registry should be ready, got %+v", rep)
	}
	if len(rep.Statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(rep.Statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", PingChecker(fakePinger{}))
	r.RegisterOptional("auth_backend", func(_ context.Context) Status {
		return Status{Healthy: true, Detail: "ok"}
	})

	rep := r.CheckAll(context.Background())
	if !rep.Ready || rep.Degraded {
		t.Fatalf("all-healthy registry should report ready, got %+v", rep)
	}
	if rep.Statuses[0].Name != "database" || !rep.Statuses[0].Critical {
		t.Fatalf("unexpected first status %+v", rep.Statuses[0])
	}
	if rep.Statuses[1].Name != "auth_backend" || rep.Statuses[1].Critical {
		t.Fatalf("unexpected second status %+v", rep.Statuses[1])
	}
}

func TestRegistryCriticalUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", PingChecker(fakePinger{err: errors.New("dial tcp: refused")}))

	rep := r.CheckAll(context.Background())
	if rep.Ready {
		t.Fatal("registry with failing critical checker should not be ready")
	}
	if rep.Statuses[0].Detail != "unreachable" {
		t.Fatalf("raw error leaked into detail: %q", rep.Statuses[0].Detail)
	}
}

func TestRegistryOptionalUnhealthyDegrades(t *testing.T) {
	r := NewRegistry()
	r.Register("database", PingChecker(fakePinger{}))
	r.RegisterOptional("auth_backend", func(_ context.Context) Status {
		return Status{Healthy: false, Detail: "unreachable"}
	})

	rep := r.CheckAll(context.Background())
	if !rep.Ready {
		t.Fatal("optional failure must not affect readiness")
	}
	if !rep.Degraded {
		t.Fatal("optional failure should degrade")
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Healthy: false, Detail: "timeout"}
	})

	start := time.Now()
	rep := r.CheckAll(context.Background())
	if rep.Ready {
		t.Fatal("timed out checker should be unhealthy")
	}
	if time.Since(start) > time.Second {
		t.Fatal("checker was not bounded by the timeout")
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for range 10 {
		wg.Go(func() {
			r.Register("checker", func(_ context.Context) Status {
				return Status{Healthy: true}
			})
		})
	}
	for range 10 {
		wg.Go(func() {
			r.CheckAll(context.Background())
		})
	}

	wg.Wait()
}

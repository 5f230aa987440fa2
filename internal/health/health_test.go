package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryReportsFailuresInOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) error { return nil })
	r.Register("redis", func(context.Context) error { return errors.New("connection refused") })
	r.Register("amqp", func(context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with a failing probe should report unhealthy")
	}
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	want := []string{"database", "redis", "amqp"}
	for i, s := range statuses {
		if s.Name != want[i] {
			t.Errorf("statuses[%d].Name = %q, want %q", i, s.Name, want[i])
		}
	}
	if statuses[1].Healthy || statuses[1].Detail != "connection refused" {
		t.Errorf("unexpected redis status %+v", statuses[1])
	}
	if !statuses[0].Healthy || statuses[0].Detail != "" {
		t.Errorf("unexpected database status %+v", statuses[0])
	}
}

func TestProbeRunsWithDeadline(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("a probe that times out is unhealthy")
	}
	if statuses[0].Detail != context.DeadlineExceeded.Error() {
		t.Errorf("detail = %q", statuses[0].Detail)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("CheckAll took %s, timeout not applied", elapsed)
	}
}

func TestProbesRunConcurrently(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	for _, name := range []string{"a", "b"} {
		r.Register(name, func(ctx context.Context) error {
			started.Done()
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	go func() {
		started.Wait()
		close(release)
	}()

	if healthy, statuses := r.CheckAll(context.Background()); !healthy {
		t.Fatalf("both probes should pass once both started: %+v", statuses)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("probe", func(context.Context) error { return nil })
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}

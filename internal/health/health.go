// Package health runs the named dependency probes (database, seen-event
// cache, usage stream) behind /health and the readiness probe.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 2 * time.Second

// maxConcurrent caps how many probes run at once.
const maxConcurrent = 4

// Probe reports a dependency as unhealthy by returning an error. Probes that
// talk over the network must honour ctx.
type Probe func(ctx context.Context) error

// Status is the outcome of one probe.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Registry holds the probes in registration order.
type Registry struct {
	mu      sync.RWMutex
	timeout time.Duration
	probes  []namedProbe
}

type namedProbe struct {
	name  string
	probe Probe
}

// NewRegistry creates an empty registry using DefaultTimeout.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-probe timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a probe.
func (r *Registry) Register(name string, probe Probe) {
	r.mu.Lock()
	r.probes = append(r.probes, namedProbe{name: name, probe: probe})
	r.mu.Unlock()
}

// CheckAll runs every probe concurrently, each under its own timeout, and
// reports whether all passed. Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	probes := make([]namedProbe, len(r.probes))
	copy(probes, r.probes)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(probes))
	var g errgroup.Group
	g.SetLimit(maxConcurrent)
	for i, p := range probes {
		g.Go(func() error {
			statuses[i] = run(ctx, p, timeout)
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func run(ctx context.Context, p namedProbe, timeout time.Duration) Status {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := p.probe(ctx)
	st := Status{Name: p.name, Healthy: err == nil, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		st.Detail = err.Error()
	}
	return st
}

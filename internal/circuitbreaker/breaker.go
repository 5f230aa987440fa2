// Package circuitbreaker guards calls to external dependencies (the completion
// service, the workflow executor) with a per-key closed → open → half-open
// breaker, so a failing backend is skipped instead of stalling every message.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/chatgate/internal/logging"
)

const (
	DefaultThreshold  = 5
	DefaultOpenPeriod = 30 * time.Second
)

// ErrOpen is returned by Execute when the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State is where a key's circuit sits.
type State int

const (
	StateClosed   State = iota // requests flow through
	StateOpen                  // requests are rejected
	StateHalfOpen              // one probe in flight
)

var stateNames = [...]string{"closed", "open", "half_open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatgate",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chatgate",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state per key (0 closed, 1 open, 2 half-open).",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitions, stateGauge)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker keeps one circuit per key. A key trips open after threshold
// consecutive failures; once openPeriod has passed a single probe is let
// through and its result decides whether the circuit closes again.
type Breaker struct {
	mu         sync.Mutex
	circuits   map[string]*circuit
	threshold  int
	openPeriod time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a breaker. Non-positive arguments fall back to the defaults.
func New(threshold int, openPeriod time.Duration, logger *slog.Logger) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if openPeriod <= 0 {
		openPeriod = DefaultOpenPeriod
	}
	return &Breaker{
		circuits:   make(map[string]*circuit),
		threshold:  threshold,
		openPeriod: openPeriod,
		now:        time.Now,
		logger:     logging.OrDefault(logger),
	}
}

// Execute runs fn unless the circuit for key is open. A non-nil error from fn
// counts as a failure, except context cancellation by the caller. A cancelled
// half-open probe still counts so the key cannot stay half-open forever.
func (b *Breaker) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess(key)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil && b.State(key) != StateHalfOpen:
		// caller went away; says nothing about the backend
	default:
		b.RecordFailure(key)
	}
	return err
}

// Allow reports whether a call to key may proceed, moving an expired open
// circuit to half-open.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.openPeriod {
			return false
		}
		b.move(key, c, StateHalfOpen)
		return true
	default:
		return false
	}
}

// RecordSuccess clears the failure streak and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.circuits[key]; c != nil {
		c.failures = 0
		b.move(key, c, StateClosed)
	}
}

// RecordFailure extends the failure streak. The circuit opens at the
// threshold, or at once when the failure is a half-open probe.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		b.move(key, c, StateOpen)
	}
}

// State returns the current state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}

// OpenKeys lists the keys whose circuit is not closed, sorted.
func (b *Breaker) OpenKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for k, c := range b.circuits {
		if c.state != StateClosed {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Caller must hold b.mu.
func (b *Breaker) move(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitions.WithLabelValues(key, from.String(), to.String()).Inc()
	stateGauge.WithLabelValues(key).Set(float64(to))
	b.logger.Warn("circuit breaker state change", "key", key, "from", from.String(), "to", to.String())
}

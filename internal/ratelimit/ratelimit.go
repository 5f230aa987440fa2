// Package ratelimit throttles the admin API by client IP and inbound chat
// messages by chat id.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Allower admits or rejects one event for key.
type Allower interface {
	Allow(ctx context.Context, key string) bool
}

// Config sets the sustained rate and burst per key.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	// CleanupInterval is how often idle keys are dropped from memory
	CleanupInterval time.Duration
}

// DefaultConfig is used for the admin API.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if c.BurstSize <= 0 {
		c.BurstSize = 1
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	return c
}

func (c Config) perSecond() float64 { return float64(c.RequestsPerMinute) / 60 }

// Limiter keeps an in-process token bucket per key.
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	buckets  map[string]*bucket
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

var _ Allower = (*Limiter)(nil)

type bucket struct {
	tokens float64
	seen   time.Time
}

// New creates a limiter and starts its cleanup goroutine. Call Stop when done.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.evictIdle()
	return l
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow takes a token for key, reporting false when none is left.
func (l *Limiter) Allow(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	burst := float64(l.cfg.BurstSize)
	b := l.buckets[key]
	if b == nil {
		b = &bucket{tokens: burst, seen: now}
		l.buckets[key] = b
	}
	b.tokens = min(burst, b.tokens+now.Sub(b.seen).Seconds()*l.cfg.perSecond())
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// A bucket idle this long has refilled completely and can be forgotten.
func (l *Limiter) idleAfter() time.Duration {
	refill := time.Duration(float64(l.cfg.BurstSize) / l.cfg.perSecond() * float64(time.Second))
	return max(refill, time.Minute)
}

func (l *Limiter) evictIdle() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-l.idleAfter())
			for key, b := range l.buckets {
				if b.seen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Middleware rejects requests once the client IP runs out of tokens.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return Middleware(l, time.Duration(float64(time.Second)/l.cfg.perSecond()))
}

// Middleware rejects requests keyed by client IP once a denies them, advertising retryAfter.
func Middleware(a Allower, retryAfter time.Duration) gin.HandlerFunc {
	secs := max(int(retryAfter.Round(time.Second)/time.Second), 1)
	return func(c *gin.Context) {
		if !a.Allow(c.Request.Context(), c.ClientIP()) {
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

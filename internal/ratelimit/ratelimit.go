// Package ratelimit provides the per-IP request-rate and concurrency
// bounds applied by the ingress middleware chain. It is single-process
// only: entries live in an in-memory map, never a shared cache, matching
// the broker's no-distributed-coordination scope.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds the tunables for a Limiter, sourced from the broker's
// environment configuration.
type Config struct {
	RPM             int
	RPH             int
	MaxConcurrent   int
	CleanupInterval time.Duration
	IdleTimeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
}

// clientState holds the two token buckets (per minute and per hour) and the
// in-flight counter for a single client IP. The buckets refill continuously;
// requests are not counted over a sliding window.
type clientState struct {
	minute     *rate.Limiter
	hour       *rate.Limiter
	inFlight   int
	lastAccess time.Time
	mu         sync.Mutex
}

// Limiter enforces requests-per-minute, requests-per-hour, and a
// concurrent in-flight cap per client IP.
type Limiter struct {
	cfg     Config
	clients sync.Map // string(ip) -> *clientState
}

// New constructs a Limiter and starts its idle-eviction sweep. The sweep
// goroutine runs for the lifetime of the process; there is no Stop because
// the broker never tears down its limiter independently of the process.
func New(cfg Config) *Limiter {
	cfg.applyDefaults()
	l := &Limiter{cfg: cfg}
	go l.evictLoop()
	return l
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed       bool
	RetryAfter    time.Duration
	LimitRPM      int
	LimitRPH      int
	MaxConcurrent int
}

// Allow checks the per-minute and per-hour buckets for ip and reports
// whether the request may proceed. It does not itself acquire the
// concurrency slot; call AcquireConcurrent for that once Allow succeeds.
func (l *Limiter) Allow(ip string) Decision {
	state := l.getOrCreate(ip)
	state.mu.Lock()
	defer state.mu.Unlock()
	state.lastAccess = time.Now()

	decision := Decision{LimitRPM: l.cfg.RPM, LimitRPH: l.cfg.RPH, MaxConcurrent: l.cfg.MaxConcurrent}
	if !state.minute.Allow() {
		decision.Allowed = false
		decision.RetryAfter = time.Minute
		return decision
	}
	if !state.hour.Allow() {
		decision.Allowed = false
		decision.RetryAfter = time.Hour
		return decision
	}
	decision.Allowed = true
	return decision
}

// AcquireConcurrent attempts to reserve one in-flight slot for ip. The
// caller must call Release when the request completes.
func (l *Limiter) AcquireConcurrent(ip string) bool {
	if l.cfg.MaxConcurrent <= 0 {
		return true
	}
	state := l.getOrCreate(ip)
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.inFlight >= l.cfg.MaxConcurrent {
		return false
	}
	state.inFlight++
	return true
}

// Release frees one in-flight slot for ip.
func (l *Limiter) Release(ip string) {
	v, ok := l.clients.Load(ip)
	if !ok {
		return
	}
	state := v.(*clientState)
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.inFlight > 0 {
		state.inFlight--
	}
}

func (l *Limiter) getOrCreate(ip string) *clientState {
	if v, ok := l.clients.Load(ip); ok {
		return v.(*clientState)
	}
	perMinute := rate.Limit(float64(l.cfg.RPM) / 60.0)
	perHour := rate.Limit(float64(l.cfg.RPH) / 3600.0)
	state := &clientState{
		minute:     rate.NewLimiter(perMinute, maxInt(l.cfg.RPM, 1)),
		hour:       rate.NewLimiter(perHour, maxInt(l.cfg.RPH, 1)),
		lastAccess: time.Now(),
	}
	actual, _ := l.clients.LoadOrStore(ip, state)
	return actual.(*clientState)
}

// evictLoop periodically drops idle client entries so the map does not
// grow unbounded under a churn of distinct client IPs.
func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-l.cfg.IdleTimeout)
		l.clients.Range(func(key, value any) bool {
			state := value.(*clientState)
			state.mu.Lock()
			idle := state.lastAccess.Before(cutoff) && state.inFlight == 0
			state.mu.Unlock()
			if idle {
				l.clients.Delete(key)
			}
			return true
		})
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnectionPacer smooths the *rate* of new admissions, independent of the
// concurrent-count Limiter above. It exists to absorb connection-flood
// bursts (many connects/disconnects per second from a single IP) that the
// counting limiter alone wouldn't catch, grounded on
// internal/shared/limits/connection_rate_limiter.go's two-level design.
//
// Defaults are generous enough that ordinary admission traffic is
// unaffected; this is additive robustness, not a replacement for the
// counting Limiter's invariants.
type ConnectionPacer struct {
	mu  sync.Mutex
	ip  map[string]*paceEntry
	ttl time.Duration

	globalRate  float64
	globalBurst int
	ipRate      float64
	ipBurst     int

	global *rate.Limiter
}

type paceEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewConnectionPacer builds a pacer with the given per-IP and global
// sustained-rate/burst parameters.
func NewConnectionPacer(globalRate float64, globalBurst int, ipRate float64, ipBurst int, ttl time.Duration) *ConnectionPacer {
	return &ConnectionPacer{
		ip:          make(map[string]*paceEntry),
		ttl:         ttl,
		globalRate:  globalRate,
		globalBurst: globalBurst,
		ipRate:      ipRate,
		ipBurst:     ipBurst,
		global:      rate.NewLimiter(rate.Limit(globalRate), globalBurst),
	}
}

// Allow reports whether a new connection attempt from ip may proceed.
func (p *ConnectionPacer) Allow(ip string) bool {
	if !p.global.Allow() {
		return false
	}
	return p.ipLimiter(ip).Allow()
}

func (p *ConnectionPacer) ipLimiter(ip string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.ip[ip]; ok {
		e.lastAccess = time.Now()
		return e.limiter
	}
	l := rate.NewLimiter(rate.Limit(p.ipRate), p.ipBurst)
	p.ip[ip] = &paceEntry{limiter: l, lastAccess: time.Now()}
	return l
}

// Cleanup removes IP entries idle for longer than ttl. Callers should run
// this periodically (e.g. from the supervisor) to bound memory.
func (p *ConnectionPacer) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for ip, e := range p.ip {
		if now.Sub(e.lastAccess) > p.ttl {
			delete(p.ip, ip)
		}
	}
}

// Package ratelimit implements the admission layer's per-IP and global
// connection-count gating, plus an optional connection-rate pacer grounded
// on internal/shared/limits/connection_rate_limiter.go.
//
// The counting limiter's ticket/release shape is grounded on the
// semaphore-based internal/shared/limits/resource_guard.go GoroutineLimiter
// (Acquire/Release over a bounded resource), adapted from a single global
// semaphore to a two-level global+per-IP counter pair.
package ratelimit

import (
	"fmt"
	"sync"
)

// LimitError is returned by TryAcquire when admission is refused.
type LimitError struct {
	Reason string
}

func (e *LimitError) Error() string { return e.Reason }

const (
	ReasonGlobal = "global connection limit reached"
	ReasonPerIP  = "per-IP connection limit reached"
	ReasonPaced  = "connection rate exceeded"
)

// Limiter gates new client connections by per-IP and global concurrent
// count.
type Limiter struct {
	mu          sync.Mutex
	globalCount int
	globalLimit int
	perIP       map[string]int
	perIPLimit  int
}

// New creates a Limiter enforcing globalLimit concurrent connections total
// and perIPLimit concurrent connections per client IP.
func New(globalLimit, perIPLimit int) *Limiter {
	return &Limiter{
		globalLimit: globalLimit,
		perIPLimit:  perIPLimit,
		perIP:       make(map[string]int),
	}
}

// Ticket is a scoped admission reservation. Release must be called exactly
// once on every session termination path; it is safe to call more than
// once — only the first call has effect.
type Ticket struct {
	ip      string
	limiter *Limiter
	once    sync.Once
}

// TryAcquire attempts to reserve one connection slot for ip. The global
// limit is checked first, so a simultaneous breach of both limits is
// reported as the global reason.
func (l *Limiter) TryAcquire(ip string) (*Ticket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.globalCount >= l.globalLimit {
		return nil, &LimitError{Reason: ReasonGlobal}
	}
	if l.perIP[ip] >= l.perIPLimit {
		return nil, &LimitError{Reason: ReasonPerIP}
	}

	l.globalCount++
	l.perIP[ip]++
	return &Ticket{ip: ip, limiter: l}, nil
}

// Release decrements exactly the counters its acquire incremented. Safe to
// call from a cancellation path; safe to call more than once.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.limiter.release(t.ip)
	})
}

func (l *Limiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.globalCount--
	if l.globalCount < 0 {
		l.globalCount = 0
	}
	if n := l.perIP[ip] - 1; n > 0 {
		l.perIP[ip] = n
	} else {
		delete(l.perIP, ip)
	}
}

// GlobalCount returns the current global connection count, for tests and
// diagnostics.
func (l *Limiter) GlobalCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalCount
}

// PerIPCount returns the current connection count for ip.
func (l *Limiter) PerIPCount(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perIP[ip]
}

// String renders the reason for diagnostic logging, matching the
// surrounding error-context logging pattern.
func (e *LimitError) String() string { return fmt.Sprintf("rate limit: %s", e.Reason) }

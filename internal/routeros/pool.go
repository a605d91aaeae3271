package routeros

import (
	"context"
	"sync"
	"time"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
)

// Pool hands out leases on per-router connections. Each router has capacity
// one, so two reconciliations against the same device cannot interleave API
// sessions; distinct routers proceed fully in parallel.
type Pool struct {
	dialer       Dialer
	breakerTrips int
	breakerReset time.Duration
	clock        shared.Clock

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	slot    chan struct{}
	breaker *breaker

	mu   sync.Mutex
	idle Conn
}

// PoolConfig tunes the pool. Zero values fall back to defaults.
type PoolConfig struct {
	Dialer       Dialer
	BreakerTrips int
	BreakerReset time.Duration
	Clock        shared.Clock
}

// NewPool constructs a pool around the given dialer.
func NewPool(cfg PoolConfig) *Pool {
	clock := cfg.Clock
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &Pool{
		dialer:       cfg.Dialer,
		breakerTrips: cfg.BreakerTrips,
		breakerReset: cfg.BreakerReset,
		clock:        clock,
		entries:      make(map[string]*poolEntry),
	}
}

func (p *Pool) entry(key string) *poolEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		e = &poolEntry{
			slot:    make(chan struct{}, 1),
			breaker: newBreaker(p.breakerTrips, p.breakerReset, p.clock),
		}
		p.entries[key] = e
	}
	return e
}

// Lease acquires the router's slot and returns a live connection plus a
// release callback. The caller must invoke release exactly once, passing the
// error (if any) from its use of the connection; connection-class errors drop
// the cached conn and feed the breaker.
func (p *Pool) Lease(ctx context.Context, dev Device) (Conn, func(error), error) {
	e := p.entry(dev.Key())

	if !e.breaker.allow() {
		return nil, nil, &shared.ConnectionError{Router: dev.Name, Err: ErrBreakerOpen}
	}

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	e.mu.Lock()
	conn := e.idle
	e.idle = nil
	e.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = p.dialer.Dial(dev)
		if err != nil {
			e.breaker.failure()
			<-e.slot
			return nil, nil, err
		}
	}

	var once sync.Once
	release := func(opErr error) {
		once.Do(func() {
			if shared.IsConnection(opErr) {
				e.breaker.failure()
				_ = conn.Close()
			} else {
				e.breaker.success()
				e.mu.Lock()
				e.idle = conn
				e.mu.Unlock()
			}
			<-e.slot
		})
	}
	return conn, release, nil
}

// Close drops every idle connection. In-flight leases close their own.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		e.mu.Lock()
		if e.idle != nil {
			_ = e.idle.Close()
			e.idle = nil
		}
		e.mu.Unlock()
	}
}

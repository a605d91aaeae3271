package routeros

import (
	"sync"
	"time"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
)

// breaker marks a router temporarily unreachable after N consecutive
// failures instead of letting every sweep re-dial a dead box.
type breaker struct {
	mu          sync.Mutex
	trips       int
	resetAfter  time.Duration
	clock       shared.Clock
	consecutive int
	openedAt    time.Time
}

func newBreaker(trips int, resetAfter time.Duration, clock shared.Clock) *breaker {
	if trips <= 0 {
		trips = 3
	}
	if resetAfter <= 0 {
		resetAfter = 5 * time.Minute
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &breaker{trips: trips, resetAfter: resetAfter, clock: clock}
}

// allow reports whether a new attempt may proceed. An open breaker
// half-opens after the reset window so one probe can close it again.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consecutive < b.trips {
		return true
	}
	if b.clock.Now().Sub(b.openedAt) >= b.resetAfter {
		// Half-open: one attempt through, counted as the deciding probe.
		b.consecutive = b.trips - 1
		return true
	}
	return false
}

func (b *breaker) success() {
	b.mu.Lock()
	b.consecutive = 0
	b.mu.Unlock()
}

func (b *breaker) failure() {
	b.mu.Lock()
	b.consecutive++
	if b.consecutive == b.trips {
		b.openedAt = b.clock.Now()
	}
	b.mu.Unlock()
}

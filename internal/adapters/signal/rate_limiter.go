package signal

import (
	"sync"
	"time"

	"github.com/dkeye/Beacon/internal/domain"
)

// UpdateRateLimiter caps position updates per sender over a sliding
// window. Geolocation watchers can fire far faster than anyone needs to
// see a marker move.
type UpdateRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.Username][]time.Time
	limit    int
	interval time.Duration
}

func NewUpdateRateLimiter(limit int, interval time.Duration) *UpdateRateLimiter {
	return &UpdateRateLimiter{
		history:  make(map[domain.Username][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *UpdateRateLimiter) Allow(name domain.Username) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[name]

	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[name] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[name] = fresh

	return true
}

// Forget drops a sender's window on disconnect so the map does not grow
// with every name that ever connected.
func (rl *UpdateRateLimiter) Forget(name domain.Username) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, name)
}

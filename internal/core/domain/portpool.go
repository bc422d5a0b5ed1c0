package domain

import (
	"sync"
	"time"
)

// cooldownEntry records when a port entered cooldown, so PortPool can
// promote it back to free once the configured cooldown has elapsed.
type cooldownEntry struct {
	port       int
	releasedAt time.Time
}

// PortPool tracks three disjoint sets over [start, end]: free, inUse, and
// cooldown. Their union always equals the configured range. All mutations
// happen under one mutex; critical sections are short (set membership
// only, no I/O), per the concurrency discipline in spec.md §5.
type PortPool struct {
	mu       sync.Mutex
	start    int
	end      int
	cooldown time.Duration

	free     map[int]struct{}
	inUse    map[int]time.Time // port -> createdAt
	cooling  []cooldownEntry
}

// NewPortPool builds a pool spanning [start, end] with the given release
// cooldown. All ports begin in free.
func NewPortPool(start, end int, cooldown time.Duration) *PortPool {
	free := make(map[int]struct{}, end-start+1)
	for p := start; p <= end; p++ {
		free[p] = struct{}{}
	}
	return &PortPool{
		start:    start,
		end:      end,
		cooldown: cooldown,
		free:     free,
		inUse:    make(map[int]time.Time),
	}
}

// Size returns the total number of ports the pool manages.
func (p *PortPool) Size() int {
	return p.end - p.start + 1
}

// Acquire selects the lowest free port not in cooldown, marks it in-use
// with the given createdAt, and returns it. ok is false when no free port
// is available.
func (p *PortPool) Acquire(createdAt time.Time) (port int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lowest := -1
	for candidate := range p.free {
		if lowest == -1 || candidate < lowest {
			lowest = candidate
		}
	}
	if lowest == -1 {
		return 0, false
	}
	delete(p.free, lowest)
	p.inUse[lowest] = createdAt
	return lowest, true
}

// Release moves a port from inUse into cooldown at time `now`. It is a
// no-op if the port was not inUse.
func (p *PortPool) Release(port int, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.inUse[port]; !ok {
		return
	}
	delete(p.inUse, port)
	p.cooling = append(p.cooling, cooldownEntry{port: port, releasedAt: now})
}

// Tick promotes any cooled-down ports back to free. Called periodically by
// the dispatcher's lifecycle ticker rather than from a dedicated goroutine.
func (p *PortPool) Tick(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := p.cooling[:0]
	for _, entry := range p.cooling {
		if now.Sub(entry.releasedAt) >= p.cooldown {
			p.free[entry.port] = struct{}{}
			continue
		}
		remaining = append(remaining, entry)
	}
	p.cooling = remaining
}

// Expired returns the in-use ports whose createdAt is at least maxLifetime
// before `now`. The caller is responsible for mapping
// ports back to jobIDs; this only reports which ports are over budget.
func (p *PortPool) Expired(now time.Time, maxLifetime time.Duration) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []int
	for port, createdAt := range p.inUse {
		if now.Sub(createdAt) >= maxLifetime {
			expired = append(expired, port)
		}
	}
	return expired
}

// Counts returns the current size of each set, for invariant checks and
// metrics.
func (p *PortPool) Counts() (free, inUse, cooling int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), len(p.inUse), len(p.cooling)
}

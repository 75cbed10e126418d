package allocator

import (
	"sync"
	"time"

	"inet.af/netaddr"
)

type quarantineKey struct {
	subnetID int64
	ip       netaddr.IP
}

// Quarantine is a time-bounded exclusion set for declined addresses. It is not persisted.
type Quarantine struct {
	mu    sync.Mutex
	until map[quarantineKey]time.Time
}

// NewQuarantine is
func NewQuarantine() *Quarantine {
	return &Quarantine{until: make(map[quarantineKey]time.Time)}
}

// Add excludes ip of the subnet until the given time.
func (q *Quarantine) Add(subnetID int64, ip netaddr.IP, until time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.until[quarantineKey{subnetID, ip}] = until
}

// Contains reports whether ip is still excluded at now.
func (q *Quarantine) Contains(subnetID int64, ip netaddr.IP, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	until, ok := q.until[quarantineKey{subnetID, ip}]
	return ok && now.Before(until)
}

// Prune forgets exclusions that ended at or before now.
func (q *Quarantine) Prune(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	for k, until := range q.until {
		if !now.Before(until) {
			delete(q.until, k)
			n++
		}
	}
	return n
}

// Len is
func (q *Quarantine) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.until)
}

// Package dhcpdtest provides controllable collaborators for tests of the DHCP core.
package dhcpdtest

import (
	"sync"
	"time"

	"github.com/lovi-cloud/dhcp4d/dhcpd"
)

// Clock is a manually advanced dhcpd.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at start, truncated to whole seconds.
func NewClock(start time.Time) *Clock {
	return &Clock{now: time.Unix(start.Unix(), 0)}
}

// Now is
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var _ dhcpd.Clock = &Clock{}

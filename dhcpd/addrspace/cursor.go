package addrspace

import "inet.af/netaddr"

// Cursor walks merged, ascending, non-overlapping ranges one address at a time.
// A cursor is single use; ask the Space for a new one to restart.
type Cursor struct {
	ranges []netaddr.IPRange
	i      int
	next   netaddr.IP
}

func newCursor(ranges []netaddr.IPRange) *Cursor {
	c := &Cursor{ranges: ranges}
	if len(ranges) > 0 {
		c.next = ranges[0].From()
	}
	return c
}

// Next returns the next address, or false when the sequence is exhausted.
func (c *Cursor) Next() (netaddr.IP, bool) {
	if c.i >= len(c.ranges) {
		return netaddr.IP{}, false
	}
	ip := c.next
	if ip == c.ranges[c.i].To() {
		c.i++
		if c.i < len(c.ranges) {
			c.next = c.ranges[c.i].From()
		}
	} else {
		c.next = ip.Next()
	}
	return ip, true
}

package handshake

import (
	"sync"
	"time"

	"inet.af/netaddr"

	"github.com/lovi-cloud/dhcp4d/types"
)

// Offer is an outstanding OFFER waiting for its REQUEST.
type Offer struct {
	MAC       types.HardwareAddr
	XID       uint32
	SubnetID  int64
	IP        netaddr.IP
	Hostname  string
	OfferedAt time.Time
}

// Offers holds the most recent offer per hardware address.
// Entries older than the timeout are ignored on lookup and removed by Prune.
type Offers struct {
	timeout time.Duration

	mu    sync.Mutex
	byMAC map[string]Offer
}

// NewOffers is
func NewOffers(timeout time.Duration) *Offers {
	return &Offers{
		timeout: timeout,
		byMAC:   make(map[string]Offer),
	}
}

func (o *Offers) expired(offer Offer, now time.Time) bool {
	return !now.Before(offer.OfferedAt.Add(o.timeout))
}

// Put records offer, replacing any older offer to the same hardware address.
func (o *Offers) Put(offer Offer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byMAC[offer.MAC.String()] = offer
}

// Get returns the live offer to mac made in transaction xid.
func (o *Offers) Get(mac types.HardwareAddr, xid uint32, now time.Time) (Offer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	offer, ok := o.byMAC[mac.String()]
	if !ok || offer.XID != xid || o.expired(offer, now) {
		return Offer{}, false
	}
	return offer, true
}

// ForMAC returns the live offer to mac regardless of transaction.
func (o *Offers) ForMAC(mac types.HardwareAddr, now time.Time) (Offer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	offer, ok := o.byMAC[mac.String()]
	if !ok || o.expired(offer, now) {
		return Offer{}, false
	}
	return offer, true
}

// Delete is
func (o *Offers) Delete(mac types.HardwareAddr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.byMAC, mac.String())
}

// HeldByOthers returns a snapshot predicate over the addresses of the subnet
// currently offered to hardware addresses other than mac.
func (o *Offers) HeldByOthers(subnetID int64, mac types.HardwareAddr, now time.Time) func(netaddr.IP) bool {
	self := mac.String()
	held := make(map[netaddr.IP]struct{})

	o.mu.Lock()
	for key, offer := range o.byMAC {
		if key == self || offer.SubnetID != subnetID || o.expired(offer, now) {
			continue
		}
		held[offer.IP] = struct{}{}
	}
	o.mu.Unlock()

	return func(ip netaddr.IP) bool {
		_, ok := held[ip]
		return ok
	}
}

// Prune removes timed out offers and returns how many were removed.
func (o *Offers) Prune(now time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n int
	for key, offer := range o.byMAC {
		if o.expired(offer, now) {
			delete(o.byMAC, key)
			n++
		}
	}
	return n
}

// Len is
func (o *Offers) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.byMAC)
}

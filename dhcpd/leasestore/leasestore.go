// Package leasestore keeps the authoritative in-process view of active leases
// on top of the durable lease repository.
package leasestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"inet.af/netaddr"

	"github.com/lovi-cloud/dhcp4d/datastore"
	"github.com/lovi-cloud/dhcp4d/dhcpd"
	"github.com/lovi-cloud/dhcp4d/types"
)

type macKey struct {
	subnetID int64
	mac      string
}

type ipKey struct {
	subnetID int64
	ip       netaddr.IP
}

// Store indexes active leases by (subnet, MAC) and (subnet, IP).
//
// Mutations are serialized by writeMu and reach memory only after the
// repository accepted them. Reads never wait for a repository round trip.
type Store struct {
	repo   datastore.LeaseRepository
	clock  dhcpd.Clock
	logger *zap.Logger

	writeMu sync.Mutex

	mu    sync.RWMutex
	byMAC map[macKey]*dhcpd.Lease
	byIP  map[ipKey]*dhcpd.Lease
}

// New is
func New(repo datastore.LeaseRepository, clock dhcpd.Clock, logger *zap.Logger) *Store {
	return &Store{
		repo:   repo,
		clock:  clock,
		logger: logger,
		byMAC:  make(map[macKey]*dhcpd.Lease),
		byIP:   make(map[ipKey]*dhcpd.Lease),
	}
}

// Load replaces the index with the active leases of the repository.
func (s *Store) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	leases, err := s.repo.ListActiveLeases(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active leases: %w", err)
	}

	byMAC := make(map[macKey]*dhcpd.Lease, len(leases))
	byIP := make(map[ipKey]*dhcpd.Lease, len(leases))
	for i := range leases {
		l := &leases[i]
		byMAC[keyOfMAC(l.SubnetID, l.MACAddress)] = l
		byIP[keyOfIP(l.SubnetID, l.IPAddress.IP)] = l
	}

	s.mu.Lock()
	s.byMAC = byMAC
	s.byIP = byIP
	s.mu.Unlock()

	s.logger.Info("loaded active leases", zap.Int("count", len(leases)))
	return nil
}

func keyOfMAC(subnetID int64, mac types.HardwareAddr) macKey {
	return macKey{subnetID: subnetID, mac: mac.String()}
}

func keyOfIP(subnetID int64, ip netaddr.IP) ipKey {
	return ipKey{subnetID: subnetID, ip: ip}
}

// ActiveLeaseForMAC returns the unexpired active lease of mac in the subnet.
func (s *Store) ActiveLeaseForMAC(subnetID int64, mac types.HardwareAddr) (*dhcpd.Lease, bool) {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return visible(s.byMAC[keyOfMAC(subnetID, mac)], now)
}

// ActiveLeaseForIP returns the unexpired active lease bound to ip in the subnet.
func (s *Store) ActiveLeaseForIP(subnetID int64, ip netaddr.IP) (*dhcpd.Lease, bool) {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return visible(s.byIP[keyOfIP(subnetID, ip)], now)
}

func visible(l *dhcpd.Lease, now time.Time) (*dhcpd.Lease, bool) {
	if l == nil || l.ExpiredAt(now) {
		return nil, false
	}
	ret := *l
	return &ret, true
}

// LapsedLeaseForMAC returns the lease of mac in the subnet that ended but was not swept yet.
func (s *Store) LapsedLeaseForMAC(subnetID int64, mac types.HardwareAddr) (*dhcpd.Lease, bool) {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	l := s.byMAC[keyOfMAC(subnetID, mac)]
	if l == nil || !l.ExpiredAt(now) {
		return nil, false
	}
	ret := *l
	return &ret, true
}

// Commit grants or renews lease. It fails with datastore.ErrConflict when another
// hardware address holds the IP, or the hardware address holds another IP in the subnet.
// A renewal never moves the lease end backward.
func (s *Store) Commit(ctx context.Context, lease dhcpd.Lease) (*dhcpd.Lease, error) {
	return s.commit(ctx, lease, false)
}

// Replace is Commit for a hardware address that moves to another IP: the lease it
// holds in the subnet is deactivated in the same repository transaction.
func (s *Store) Replace(ctx context.Context, lease dhcpd.Lease) (*dhcpd.Lease, error) {
	return s.commit(ctx, lease, true)
}

func (s *Store) commit(ctx context.Context, lease dhcpd.Lease, supersede bool) (*dhcpd.Lease, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.clock.Now()
	ip := lease.IPAddress.IP

	if holder, ok := s.ActiveLeaseForIP(lease.SubnetID, ip); ok && holder.MACAddress.String() != lease.MACAddress.String() {
		return nil, fmt.Errorf("%w: %s is leased to %s", datastore.ErrConflict, ip, holder.MACAddress)
	}
	current, ok := s.ActiveLeaseForMAC(lease.SubnetID, lease.MACAddress)
	if ok && current.IPAddress.IP != ip && !supersede {
		return nil, fmt.Errorf("%w: %s already holds %s", datastore.ErrConflict, lease.MACAddress, current.IPAddress)
	}

	if ok && current.IPAddress.IP == ip {
		return s.renew(ctx, current, lease)
	}

	var (
		created *dhcpd.Lease
		err     error
	)
	if ok {
		created, err = s.repo.ReplaceLease(ctx, current.ID, lease, now)
	} else {
		created, err = s.repo.InsertLease(ctx, lease, now)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert lease: %w", err)
	}

	s.mu.Lock()
	if ok {
		s.drop(s.byMAC[keyOfMAC(current.SubnetID, current.MACAddress)])
		s.logger.Info("superseded lease", zap.Stringer("mac", current.MACAddress), zap.Stringer("from", current.IPAddress), zap.Stringer("to", created.IPAddress))
	}
	s.drop(s.byIP[keyOfIP(created.SubnetID, ip)])
	s.drop(s.byMAC[keyOfMAC(created.SubnetID, created.MACAddress)])
	s.put(created)
	s.mu.Unlock()

	ret := *created
	return &ret, nil
}

// renew must be called with writeMu held.
func (s *Store) renew(ctx context.Context, current *dhcpd.Lease, lease dhcpd.Lease) (*dhcpd.Lease, error) {
	end := lease.LeaseEnd
	if end.Before(current.LeaseEnd.Time) {
		end = current.LeaseEnd
	}
	hostname := lease.Hostname
	if hostname == "" {
		hostname = current.Hostname
	}
	if err := s.repo.ExtendLease(ctx, current.ID, end.Time, hostname); err != nil {
		return nil, fmt.Errorf("failed to extend lease: %w", err)
	}
	current.LeaseEnd = end
	current.Hostname = hostname

	s.mu.Lock()
	s.put(current)
	s.mu.Unlock()
	ret := *current
	return &ret, nil
}

// put and drop must be called with mu held.
func (s *Store) put(l *dhcpd.Lease) {
	s.byMAC[keyOfMAC(l.SubnetID, l.MACAddress)] = l
	s.byIP[keyOfIP(l.SubnetID, l.IPAddress.IP)] = l
}

func (s *Store) drop(l *dhcpd.Lease) {
	if l == nil {
		return
	}
	mk := keyOfMAC(l.SubnetID, l.MACAddress)
	if cur, ok := s.byMAC[mk]; ok && cur.ID == l.ID {
		delete(s.byMAC, mk)
	}
	ik := keyOfIP(l.SubnetID, l.IPAddress.IP)
	if cur, ok := s.byIP[ik]; ok && cur.ID == l.ID {
		delete(s.byIP, ik)
	}
}

// Release deactivates the active lease of mac in the subnet.
// It returns nil without error when mac holds no lease.
func (s *Store) Release(ctx context.Context, subnetID int64, mac types.HardwareAddr) (*dhcpd.Lease, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	l := s.byMAC[keyOfMAC(subnetID, mac)]
	s.mu.RUnlock()
	return s.deactivate(ctx, l)
}

// Revoke deactivates the active lease bound to ip in the subnet.
func (s *Store) Revoke(ctx context.Context, subnetID int64, ip netaddr.IP) (*dhcpd.Lease, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	l := s.byIP[keyOfIP(subnetID, ip)]
	s.mu.RUnlock()
	return s.deactivate(ctx, l)
}

func (s *Store) deactivate(ctx context.Context, l *dhcpd.Lease) (*dhcpd.Lease, error) {
	if l == nil {
		return nil, nil
	}
	if err := s.repo.DeactivateLeases(ctx, l.ID); err != nil {
		return nil, fmt.Errorf("failed to deactivate lease %d: %w", l.ID, err)
	}

	s.mu.Lock()
	s.drop(l)
	s.mu.Unlock()

	ret := *l
	ret.Active = false
	return &ret, nil
}

// SweepExpired deactivates every lease ending at or before now and returns how many were swept.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var expired []*dhcpd.Lease
	s.mu.RLock()
	for _, l := range s.byMAC {
		if l.ExpiredAt(now) {
			expired = append(expired, l)
		}
	}
	s.mu.RUnlock()
	if len(expired) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(expired))
	for _, l := range expired {
		ids = append(ids, l.ID)
	}
	if err := s.repo.DeactivateLeases(ctx, ids...); err != nil {
		return 0, fmt.Errorf("failed to deactivate expired leases: %w", err)
	}

	s.mu.Lock()
	for _, l := range expired {
		s.drop(l)
	}
	s.mu.Unlock()

	return len(expired), nil
}

// Leases returns the unexpired active leases ordered by subnet and address.
func (s *Store) Leases() []dhcpd.Lease {
	now := s.clock.Now()
	s.mu.RLock()
	ret := make([]dhcpd.Lease, 0, len(s.byIP))
	for _, l := range s.byIP {
		if !l.ExpiredAt(now) {
			ret = append(ret, *l)
		}
	}
	s.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool {
		if ret[i].SubnetID != ret[j].SubnetID {
			return ret[i].SubnetID < ret[j].SubnetID
		}
		return ret[i].IPAddress.Less(ret[j].IPAddress.IP)
	})
	return ret
}

// ActiveCounts returns the number of unexpired active leases per subnet.
func (s *Store) ActiveCounts() map[int64]int {
	now := s.clock.Now()
	ret := make(map[int64]int)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.byIP {
		if !l.ExpiredAt(now) {
			ret[l.SubnetID]++
		}
	}
	return ret
}

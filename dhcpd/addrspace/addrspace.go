// Package addrspace holds the in-memory view of subnets, dynamic ranges and
// static reservations, and answers assignability questions over it.
package addrspace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"inet.af/netaddr"

	"github.com/lovi-cloud/dhcp4d/dhcpd"
	"github.com/lovi-cloud/dhcp4d/types"
)

// ErrInvalidConfig is wrapped by every validation failure of Build.
var ErrInvalidConfig = errors.New("invalid address space configuration")

// Source is the read side of the repository the model is loaded from.
type Source interface {
	ListSubnets(ctx context.Context) ([]dhcpd.Subnet, error)
	ListRanges(ctx context.Context) ([]dhcpd.DynamicRange, error)
	ListStaticReservations(ctx context.Context) ([]dhcpd.StaticReservation, error)
}

type subnetEntry struct {
	subnet dhcpd.Subnet
	// pool is the merged dynamic address set, network, broadcast and gateway removed.
	pool   *netaddr.IPSet
	ranges []netaddr.IPRange
	size   uint64
}

// Space is an immutable, validated address space.
type Space struct {
	subnets     []*subnetEntry
	byID        map[int64]*subnetEntry
	staticByMAC map[string]dhcpd.StaticReservation
	staticByIP  map[netaddr.IP]dhcpd.StaticReservation
}

// Build validates the configuration and indexes it.
func Build(subnets []dhcpd.Subnet, ranges []dhcpd.DynamicRange, reservations []dhcpd.StaticReservation) (*Space, error) {
	s := &Space{
		byID:        make(map[int64]*subnetEntry, len(subnets)),
		staticByMAC: make(map[string]dhcpd.StaticReservation),
		staticByIP:  make(map[netaddr.IP]dhcpd.StaticReservation),
	}

	networks := make(map[netaddr.IPPrefix]int64, len(subnets))
	for _, subnet := range subnets {
		prefix := subnet.Network.IPPrefix
		if !prefix.IsValid() || !prefix.IP().Is4() {
			return nil, fmt.Errorf("%w: subnet %d has no IPv4 network", ErrInvalidConfig, subnet.ID)
		}
		if other, ok := networks[prefix]; ok {
			return nil, fmt.Errorf("%w: network %s is used by subnets %d and %d", ErrInvalidConfig, prefix, other, subnet.ID)
		}
		if _, ok := s.byID[subnet.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate subnet id %d", ErrInvalidConfig, subnet.ID)
		}
		if !subnet.Gateway.IsZero() && !prefix.Contains(subnet.Gateway.IP) {
			return nil, fmt.Errorf("%w: gateway %s is outside %s", ErrInvalidConfig, subnet.Gateway, prefix)
		}
		networks[prefix] = subnet.ID
		entry := &subnetEntry{subnet: subnet}
		s.subnets = append(s.subnets, entry)
		s.byID[subnet.ID] = entry
	}
	sort.Slice(s.subnets, func(i, j int) bool {
		return s.subnets[i].subnet.Network.IP().Less(s.subnets[j].subnet.Network.IP())
	})

	builders := make(map[int64]*netaddr.IPSetBuilder, len(subnets))
	for _, r := range ranges {
		entry, ok := s.byID[r.SubnetID]
		if !ok {
			return nil, fmt.Errorf("%w: range %d references unknown subnet %d", ErrInvalidConfig, r.ID, r.SubnetID)
		}
		prefix := entry.subnet.Network.IPPrefix
		if r.Start.IsZero() || r.End.IsZero() || r.End.Less(r.Start.IP) {
			return nil, fmt.Errorf("%w: range %s-%s is empty", ErrInvalidConfig, r.Start, r.End)
		}
		if !prefix.Contains(r.Start.IP) || !prefix.Contains(r.End.IP) {
			return nil, fmt.Errorf("%w: range %s-%s is outside %s", ErrInvalidConfig, r.Start, r.End, prefix)
		}
		if !r.Enabled {
			continue
		}
		b, ok := builders[r.SubnetID]
		if !ok {
			b = &netaddr.IPSetBuilder{}
			builders[r.SubnetID] = b
		}
		b.AddRange(netaddr.IPRangeFrom(r.Start.IP, r.End.IP))
	}

	for _, entry := range s.subnets {
		b, ok := builders[entry.subnet.ID]
		if !ok {
			b = &netaddr.IPSetBuilder{}
		}
		prefix := entry.subnet.Network.IPPrefix
		if prefix.Bits() < 31 {
			b.Remove(prefix.Range().From())
			b.Remove(prefix.Range().To())
		}
		if !entry.subnet.Gateway.IsZero() {
			b.Remove(entry.subnet.Gateway.IP)
		}
		pool, err := b.IPSet()
		if err != nil {
			return nil, fmt.Errorf("failed to build pool of %s: %w", prefix, err)
		}
		entry.pool = pool
		entry.ranges = pool.Ranges()
		for _, r := range entry.ranges {
			entry.size += rangeSize(r)
		}
	}

	for _, res := range reservations {
		entry, ok := s.byID[res.SubnetID]
		if !ok {
			return nil, fmt.Errorf("%w: reservation %d references unknown subnet %d", ErrInvalidConfig, res.ID, res.SubnetID)
		}
		if len(res.MACAddress) == 0 || res.IPAddress.IsZero() {
			return nil, fmt.Errorf("%w: reservation %d is incomplete", ErrInvalidConfig, res.ID)
		}
		if !entry.subnet.Network.Contains(res.IPAddress.IP) {
			return nil, fmt.Errorf("%w: reservation %s for %s is outside %s", ErrInvalidConfig, res.IPAddress, res.MACAddress, entry.subnet.Network)
		}
		if !res.Enabled {
			continue
		}
		mac := res.MACAddress.String()
		if other, ok := s.staticByMAC[mac]; ok {
			return nil, fmt.Errorf("%w: %s is reserved to both %s and %s", ErrInvalidConfig, mac, other.IPAddress, res.IPAddress)
		}
		if other, ok := s.staticByIP[res.IPAddress.IP]; ok {
			return nil, fmt.Errorf("%w: %s is reserved to both %s and %s", ErrInvalidConfig, res.IPAddress, other.MACAddress, res.MACAddress)
		}
		s.staticByMAC[mac] = res
		s.staticByIP[res.IPAddress.IP] = res
	}

	return s, nil
}

// Subnet returns the subnet with the given id.
func (s *Space) Subnet(id int64) (*dhcpd.Subnet, bool) {
	entry, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	subnet := entry.subnet
	return &subnet, true
}

// Subnets returns all subnets in ascending network order.
func (s *Space) Subnets() []dhcpd.Subnet {
	ret := make([]dhcpd.Subnet, 0, len(s.subnets))
	for _, entry := range s.subnets {
		ret = append(ret, entry.subnet)
	}
	return ret
}

// EnabledSubnets returns the enabled subnets in ascending network order.
func (s *Space) EnabledSubnets() []dhcpd.Subnet {
	var ret []dhcpd.Subnet
	for _, entry := range s.subnets {
		if entry.subnet.Enabled {
			ret = append(ret, entry.subnet)
		}
	}
	return ret
}

// FindSubnetFor returns the enabled subnet whose block contains ip.
func (s *Space) FindSubnetFor(ip netaddr.IP) (*dhcpd.Subnet, bool) {
	if ip.IsZero() {
		return nil, false
	}
	for _, entry := range s.subnets {
		if entry.subnet.Enabled && entry.subnet.Network.Contains(ip) {
			subnet := entry.subnet
			return &subnet, true
		}
	}
	return nil, false
}

// FindStatic returns the enabled reservation of mac.
func (s *Space) FindStatic(mac types.HardwareAddr) (*dhcpd.StaticReservation, bool) {
	res, ok := s.staticByMAC[mac.String()]
	if !ok {
		return nil, false
	}
	return &res, true
}

// ReservedTo returns the hardware address ip is reserved to inside the subnet.
func (s *Space) ReservedTo(subnetID int64, ip netaddr.IP) (types.HardwareAddr, bool) {
	res, ok := s.staticByIP[ip]
	if !ok || res.SubnetID != subnetID {
		return nil, false
	}
	return res.MACAddress, true
}

// InDynamicRange reports whether ip belongs to an enabled dynamic range of the subnet.
func (s *Space) InDynamicRange(subnetID int64, ip netaddr.IP) bool {
	entry, ok := s.byID[subnetID]
	if !ok {
		return false
	}
	return entry.pool.Contains(ip)
}

// Contains reports whether ip lies inside the block of the subnet.
func (s *Space) Contains(subnetID int64, ip netaddr.IP) bool {
	entry, ok := s.byID[subnetID]
	if !ok {
		return false
	}
	return entry.subnet.Network.Contains(ip)
}

// PoolSize returns the number of dynamic addresses of the subnet.
func (s *Space) PoolSize(subnetID int64) uint64 {
	entry, ok := s.byID[subnetID]
	if !ok {
		return 0
	}
	return entry.size
}

// DynamicAddresses returns a fresh cursor over the dynamic addresses of the subnet.
func (s *Space) DynamicAddresses(subnetID int64) *Cursor {
	entry, ok := s.byID[subnetID]
	if !ok {
		return &Cursor{}
	}
	return newCursor(entry.ranges)
}

func rangeSize(r netaddr.IPRange) uint64 {
	from, to := r.From().As4(), r.To().As4()
	return uint64(toUint32(to)) - uint64(toUint32(from)) + 1
}

func toUint32(b [4]byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Model holds the current Space and swaps it atomically on reload.
type Model struct {
	space atomic.Pointer[Space]
}

// NewModel is
func NewModel(space *Space) *Model {
	m := &Model{}
	m.space.Store(space)
	return m
}

// Load builds a model from the repository.
func Load(ctx context.Context, src Source) (*Model, error) {
	space, err := buildFrom(ctx, src)
	if err != nil {
		return nil, err
	}
	return NewModel(space), nil
}

// Space returns the current snapshot.
func (m *Model) Space() *Space {
	return m.space.Load()
}

// Reload rebuilds the space from src. The current space is kept when the new one is invalid.
func (m *Model) Reload(ctx context.Context, src Source) error {
	space, err := buildFrom(ctx, src)
	if err != nil {
		return err
	}
	m.space.Store(space)
	return nil
}

func buildFrom(ctx context.Context, src Source) (*Space, error) {
	subnets, err := src.ListSubnets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list subnets: %w", err)
	}
	ranges, err := src.ListRanges(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ranges: %w", err)
	}
	reservations, err := src.ListStaticReservations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list static reservations: %w", err)
	}
	return Build(subnets, ranges, reservations)
}

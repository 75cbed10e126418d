// Package allocator decides which address a client is offered or confirmed.
// It never writes: only a lease store commit makes an allocation durable.
package allocator

import (
	"errors"
	"fmt"

	"inet.af/netaddr"

	"github.com/lovi-cloud/dhcp4d/dhcpd"
	"github.com/lovi-cloud/dhcp4d/dhcpd/addrspace"
	"github.com/lovi-cloud/dhcp4d/types"
)

var (
	// ErrPoolExhausted is returned when no dynamic address of the subnet is free.
	ErrPoolExhausted = errors.New("address pool exhausted")
	// ErrUnknownSubnet is returned for a subnet that is missing or disabled.
	ErrUnknownSubnet = errors.New("unknown subnet")
)

// Source tells where an allocated address came from.
type Source int

// Sources
const (
	Static Source = iota + 1
	Existing
	Requested
	Dynamic
)

func (s Source) String() string {
	switch s {
	case Static:
		return "static"
	case Existing:
		return "existing"
	case Requested:
		return "requested"
	case Dynamic:
		return "dynamic"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// LeaseView is the read side of the lease store.
type LeaseView interface {
	ActiveLeaseForMAC(subnetID int64, mac types.HardwareAddr) (*dhcpd.Lease, bool)
	ActiveLeaseForIP(subnetID int64, ip netaddr.IP) (*dhcpd.Lease, bool)
}

// Request is
type Request struct {
	SubnetID int64
	MAC      types.HardwareAddr
	// Hint is the address the client asked for, zero when absent.
	Hint netaddr.IP
	// Avoid reports addresses currently offered to other clients. May be nil.
	Avoid func(netaddr.IP) bool
}

// Result is a candidate address. It is not reserved until committed.
type Result struct {
	IP     netaddr.IP
	Source Source
	// Hostname is set for static reservations that carry one.
	Hostname string
}

// Allocator is
type Allocator struct {
	model      *addrspace.Model
	leases     LeaseView
	quarantine *Quarantine
	clock      dhcpd.Clock
}

// New is
func New(model *addrspace.Model, leases LeaseView, quarantine *Quarantine, clock dhcpd.Clock) *Allocator {
	return &Allocator{
		model:      model,
		leases:     leases,
		quarantine: quarantine,
		clock:      clock,
	}
}

// Allocate picks an address for req. Precedence: static reservation, the
// client's current lease, the client's hint, then the first free dynamic address.
func (a *Allocator) Allocate(req Request) (*Result, error) {
	space := a.model.Space()
	now := a.clock.Now()

	subnet, ok := space.Subnet(req.SubnetID)
	if !ok || !subnet.Enabled {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSubnet, req.SubnetID)
	}

	if res, ok := space.FindStatic(req.MAC); ok && res.SubnetID == req.SubnetID {
		return &Result{IP: res.IPAddress.IP, Source: Static, Hostname: res.Hostname}, nil
	}

	if l, ok := a.leases.ActiveLeaseForMAC(req.SubnetID, req.MAC); ok {
		ip := l.IPAddress.IP
		if space.InDynamicRange(req.SubnetID, ip) && !a.reservedToOther(space, req, ip) && !a.quarantine.Contains(req.SubnetID, ip, now) {
			return &Result{IP: ip, Source: Existing}, nil
		}
	}

	if !req.Hint.IsZero() && space.Contains(req.SubnetID, req.Hint) && a.free(space, req, req.Hint) && !avoided(req, req.Hint) {
		return &Result{IP: req.Hint, Source: Requested}, nil
	}

	var fallback netaddr.IP
	cursor := space.DynamicAddresses(req.SubnetID)
	for {
		ip, ok := cursor.Next()
		if !ok {
			break
		}
		if !a.free(space, req, ip) {
			continue
		}
		if avoided(req, ip) {
			if fallback.IsZero() {
				fallback = ip
			}
			continue
		}
		return &Result{IP: ip, Source: Dynamic}, nil
	}
	if !fallback.IsZero() {
		return &Result{IP: fallback, Source: Dynamic}, nil
	}

	return nil, fmt.Errorf("%w: subnet %s", ErrPoolExhausted, subnet.Network)
}

// free reports whether ip is a dynamic address nobody else may claim.
func (a *Allocator) free(space *addrspace.Space, req Request, ip netaddr.IP) bool {
	if !space.InDynamicRange(req.SubnetID, ip) {
		return false
	}
	if _, ok := space.ReservedTo(req.SubnetID, ip); ok {
		return false
	}
	if _, ok := a.leases.ActiveLeaseForIP(req.SubnetID, ip); ok {
		return false
	}
	return !a.quarantine.Contains(req.SubnetID, ip, a.clock.Now())
}

func (a *Allocator) reservedToOther(space *addrspace.Space, req Request, ip netaddr.IP) bool {
	mac, ok := space.ReservedTo(req.SubnetID, ip)
	return ok && mac.String() != req.MAC.String()
}

func avoided(req Request, ip netaddr.IP) bool {
	return req.Avoid != nil && req.Avoid(ip)
}

package dhcpdtest

import (
	"fmt"

	"inet.af/netaddr"

	"github.com/lovi-cloud/dhcp4d/dhcpd"
	"github.com/lovi-cloud/dhcp4d/types"
)

// IP parses an IPv4 address or panics.
func IP(s string) types.IP {
	ip, err := types.ParseIP(s)
	if err != nil {
		panic(err)
	}
	return *ip
}

// Addr parses an IPv4 address into a netaddr.IP or panics.
func Addr(s string) netaddr.IP {
	return IP(s).IP
}

// MAC parses a hardware address or panics.
func MAC(s string) types.HardwareAddr {
	mac, err := types.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return *mac
}

// Prefix parses a CIDR or panics.
func Prefix(s string) types.IPPrefix {
	p, err := types.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return *p
}

// NthMAC returns a distinct locally administered hardware address for n.
func NthMAC(n int) types.HardwareAddr {
	return MAC(fmt.Sprintf("02:00:00:%02x:%02x:%02x", byte(n>>16), byte(n>>8), byte(n)))
}

// Subnet returns an enabled subnet.
func Subnet(id int64, network, gateway string, dns ...string) dhcpd.Subnet {
	var list types.IPList
	for _, s := range dns {
		list = append(list, IP(s))
	}
	return dhcpd.Subnet{
		ID:         id,
		Network:    Prefix(network),
		Gateway:    IP(gateway),
		DNSServers: list,
		Enabled:    true,
	}
}

// Range returns an enabled dynamic range.
func Range(id, subnetID int64, start, end string) dhcpd.DynamicRange {
	return dhcpd.DynamicRange{
		ID:       id,
		SubnetID: subnetID,
		Start:    IP(start),
		End:      IP(end),
		Enabled:  true,
	}
}

// Reservation returns an enabled static reservation.
func Reservation(id, subnetID int64, mac, ip string) dhcpd.StaticReservation {
	return dhcpd.StaticReservation{
		ID:         id,
		SubnetID:   subnetID,
		MACAddress: MAC(mac),
		IPAddress:  IP(ip),
		Enabled:    true,
	}
}

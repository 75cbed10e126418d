package httpd

import (
	"github.com/lovi-cloud/dhcp4d/dhcpd"
)

// SubnetStatus is a subnet with its pool occupancy.
type SubnetStatus struct {
	ID           int64    `json:"id"`
	Network      string   `json:"network"`
	Gateway      string   `json:"gateway,omitempty"`
	DNSServers   []string `json:"dns_servers,omitempty"`
	DomainName   string   `json:"domain_name,omitempty"`
	Enabled      bool     `json:"enabled"`
	PoolSize     uint64   `json:"pool_size"`
	ActiveLeases int      `json:"active_leases"`
}

// NewSubnetStatus is
func NewSubnetStatus(subnet dhcpd.Subnet, poolSize uint64, active int) SubnetStatus {
	s := SubnetStatus{
		ID:           subnet.ID,
		Network:      subnet.Network.String(),
		DomainName:   subnet.DomainName,
		Enabled:      subnet.Enabled,
		PoolSize:     poolSize,
		ActiveLeases: active,
	}
	if !subnet.Gateway.IsZero() {
		s.Gateway = subnet.Gateway.String()
	}
	for _, ip := range subnet.DNSServers {
		s.DNSServers = append(s.DNSServers, ip.String())
	}
	return s
}

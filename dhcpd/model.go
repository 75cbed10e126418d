package dhcpd

import (
	"time"

	"github.com/lovi-cloud/dhcp4d/types"
)

// Subnet is subnet configuration.
type Subnet struct {
	ID         int64          `db:"id"`
	Network    types.IPPrefix `db:"network"`
	Gateway    types.IP       `db:"gateway"`
	DNSServers types.IPList   `db:"dns_servers"`
	DomainName string         `db:"domain_name"`
	Enabled    bool           `db:"enabled"`
}

// DynamicRange is an inclusive interval of addresses eligible for automatic assignment.
type DynamicRange struct {
	ID       int64    `db:"id"`
	SubnetID int64    `db:"subnet_id"`
	Start    types.IP `db:"range_start"`
	End      types.IP `db:"range_end"`
	Enabled  bool     `db:"enabled"`
}

// StaticReservation is a fixed MAC to IP binding.
type StaticReservation struct {
	ID         int64              `db:"id"`
	SubnetID   int64              `db:"subnet_id"`
	MACAddress types.HardwareAddr `db:"mac_address"`
	IPAddress  types.IP           `db:"ip_address"`
	Hostname   string             `db:"hostname"`
	Enabled    bool               `db:"enabled"`
}

// Lease is a time-bounded grant of an address to a hardware address.
type Lease struct {
	ID         int64              `db:"id" json:"id"`
	SubnetID   int64              `db:"subnet_id" json:"subnet_id"`
	MACAddress types.HardwareAddr `db:"mac_address" json:"mac_address"`
	IPAddress  types.IP           `db:"ip_address" json:"ip_address"`
	LeaseStart types.Timestamp    `db:"lease_start" json:"lease_start"`
	LeaseEnd   types.Timestamp    `db:"lease_end" json:"lease_end"`
	Hostname   string             `db:"hostname" json:"hostname,omitempty"`
	Active     bool               `db:"active" json:"active"`
}

// ExpiredAt reports whether the lease is past its end at now.
func (l Lease) ExpiredAt(now time.Time) bool {
	return !l.LeaseEnd.After(now)
}

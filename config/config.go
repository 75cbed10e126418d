package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
	"inet.af/netaddr"

	"github.com/lovi-cloud/dhcp4d/dhcpd"
	"github.com/lovi-cloud/dhcp4d/dhcpd/addrspace"
	"github.com/lovi-cloud/dhcp4d/types"
)

const (
	// DefaultPath is read when no path is given.
	DefaultPath = "/etc/dhcp4d/config.yaml"
	// FallbackPath is read when DefaultPath does not exist.
	FallbackPath = "config.yaml"
	// DefaultDatabasePath is
	DefaultDatabasePath = "/var/lib/dhcp4d/dhcp.db"
)

// Config is dhcp4d config struct.
type Config struct {
	ListenAddresses []string `yaml:"listen_addresses"`
	DatabasePath    string   `yaml:"database_path"`
	// StatusAddress enables the status HTTP server when set.
	StatusAddress string   `yaml:"status_address"`
	DHCP          DHCP     `yaml:"dhcp"`
	Log           Log      `yaml:"log"`
	Subnets       []Subnet `yaml:"subnets"`
}

// DHCP is protocol timing configuration.
type DHCP struct {
	DefaultLeaseTime  Duration  `yaml:"default_lease_time"`
	MaxLeaseTime      Duration  `yaml:"max_lease_time"`
	OfferTimeout      Duration  `yaml:"offer_timeout"`
	SweepInterval     Duration  `yaml:"sweep_interval"`
	DeclineQuarantine Duration  `yaml:"decline_quarantine"`
	ServerIdentifier  *types.IP `yaml:"server_identifier"`
}

// Log is logger configuration.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File switches output to a rotated file.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Subnet is a subnet with its ranges and reservations.
type Subnet struct {
	Network      types.IPPrefix `yaml:"network"`
	Gateway      types.IP       `yaml:"gateway"`
	DNSServers   []types.IP     `yaml:"dns_servers"`
	DomainName   string         `yaml:"domain_name"`
	Enabled      *bool          `yaml:"enabled"`
	Ranges       []Range        `yaml:"ranges"`
	Reservations []Reservation  `yaml:"reservations"`
}

// Range is
type Range struct {
	Start   types.IP `yaml:"start"`
	End     types.IP `yaml:"end"`
	Enabled *bool    `yaml:"enabled"`
}

// Reservation is
type Reservation struct {
	MAC      types.HardwareAddr `yaml:"mac"`
	IP       types.IP           `yaml:"ip"`
	Hostname string             `yaml:"hostname"`
	Enabled  *bool              `yaml:"enabled"`
}

// Duration accepts Go duration strings ("24h") or integer seconds.
type Duration time.Duration

// UnmarshalYAML is
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var seconds int64
	if err := unmarshal(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var buff string
	if err := unmarshal(&buff); err != nil {
		return err
	}
	tmp, err := time.ParseDuration(buff)
	if err != nil {
		return fmt.Errorf("failed to unmarshal Duration: input=%q", buff)
	}
	*d = Duration(tmp)
	return nil
}

// MarshalYAML is
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ResolvePath returns path, or DefaultPath when it exists, or FallbackPath.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return FallbackPath
}

// LoadConfig reads, defaults and validates the file at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a config document, applies defaults and validates it.
func Parse(r io.Reader) (*Config, error) {
	var c Config
	d := yaml.NewDecoder(r)
	d.SetStrict(true)
	if err := d.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if len(c.ListenAddresses) == 0 {
		c.ListenAddresses = []string{"0.0.0.0"}
	}
	if c.DatabasePath == "" {
		c.DatabasePath = DefaultDatabasePath
	}
	if c.DHCP.DefaultLeaseTime == 0 {
		c.DHCP.DefaultLeaseTime = Duration(24 * time.Hour)
	}
	if c.DHCP.MaxLeaseTime == 0 {
		c.DHCP.MaxLeaseTime = Duration(168 * time.Hour)
	}
	if c.DHCP.OfferTimeout == 0 {
		c.DHCP.OfferTimeout = Duration(30 * time.Second)
	}
	if c.DHCP.SweepInterval == 0 {
		c.DHCP.SweepInterval = Duration(time.Minute)
	}
	if c.DHCP.DeclineQuarantine == 0 {
		c.DHCP.DeclineQuarantine = Duration(10 * time.Minute)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
}

// Validate checks c, including the address space its subnets describe.
func (c *Config) Validate() error {
	for _, addr := range c.ListenAddresses {
		ip, err := netaddr.ParseIP(addr)
		if err != nil || !ip.Is4() {
			return fmt.Errorf("invalid listen address %q", addr)
		}
	}

	dhcp := c.DHCP
	if dhcp.DefaultLeaseTime <= 0 || dhcp.MaxLeaseTime <= 0 || dhcp.OfferTimeout <= 0 || dhcp.SweepInterval <= 0 || dhcp.DeclineQuarantine < 0 {
		return fmt.Errorf("dhcp durations must be positive")
	}
	if dhcp.DefaultLeaseTime > dhcp.MaxLeaseTime {
		return fmt.Errorf("default_lease_time %s exceeds max_lease_time %s", dhcp.DefaultLeaseTime.Std(), dhcp.MaxLeaseTime.Std())
	}
	if dhcp.ServerIdentifier != nil && !dhcp.ServerIdentifier.Is4() {
		return fmt.Errorf("invalid server_identifier %s", dhcp.ServerIdentifier)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}

	for i, s := range c.Subnets {
		if !s.Network.IsValid() {
			return fmt.Errorf("subnet %d has no network", i)
		}
		for j, r := range s.Ranges {
			if r.Start.IsZero() || r.End.IsZero() {
				return fmt.Errorf("range %d of subnet %s needs start and end", j, s.Network)
			}
		}
		for j, r := range s.Reservations {
			if len(r.MAC) == 0 || r.IP.IsZero() {
				return fmt.Errorf("reservation %d of subnet %s needs mac and ip", j, s.Network)
			}
		}
	}
	if _, err := c.Space(); err != nil {
		return err
	}
	return nil
}

// Space builds the candidate address space described by the subnets.
func (c *Config) Space() (*addrspace.Space, error) {
	var (
		subnets      []dhcpd.Subnet
		ranges       []dhcpd.DynamicRange
		reservations []dhcpd.StaticReservation
	)
	for i, s := range c.Subnets {
		subnet, rs, res := s.Model(int64(i + 1))
		subnets = append(subnets, subnet)
		ranges = append(ranges, rs...)
		reservations = append(reservations, res...)
	}
	return addrspace.Build(subnets, ranges, reservations)
}

// Model converts s to repository rows under id.
func (s Subnet) Model(id int64) (dhcpd.Subnet, []dhcpd.DynamicRange, []dhcpd.StaticReservation) {
	subnet := dhcpd.Subnet{
		ID:         id,
		Network:    s.Network,
		Gateway:    s.Gateway,
		DNSServers: types.IPList(s.DNSServers),
		DomainName: s.DomainName,
		Enabled:    enabled(s.Enabled),
	}

	ranges := make([]dhcpd.DynamicRange, 0, len(s.Ranges))
	for _, r := range s.Ranges {
		ranges = append(ranges, dhcpd.DynamicRange{
			SubnetID: id,
			Start:    r.Start,
			End:      r.End,
			Enabled:  enabled(r.Enabled),
		})
	}

	reservations := make([]dhcpd.StaticReservation, 0, len(s.Reservations))
	for _, r := range s.Reservations {
		reservations = append(reservations, dhcpd.StaticReservation{
			SubnetID:   id,
			MACAddress: r.MAC,
			IPAddress:  r.IP,
			Hostname:   r.Hostname,
			Enabled:    enabled(r.Enabled),
		})
	}
	return subnet, ranges, reservations
}

func enabled(b *bool) bool {
	return b == nil || *b
}

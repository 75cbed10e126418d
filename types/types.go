package types

import (
	"database/sql/driver"
	"fmt"
	"net"
	"strings"
	"time"

	"inet.af/netaddr"
)

// IPPrefix is netaddr.IPPrefix with the implementation of the Valuer and Scanner interface.
type IPPrefix struct {
	netaddr.IPPrefix
}

// Value implements the database/sql/driver Valuer interface.
func (p IPPrefix) Value() (driver.Value, error) {
	return driver.Value(p.String()), nil
}

// Scan implements the database/sql Scanner interface.
func (p *IPPrefix) Scan(src interface{}) error {
	var prefix *IPPrefix
	var err error
	switch src := src.(type) {
	case string:
		prefix, err = ParseCIDR(src)
	case []uint8:
		prefix, err = ParseCIDR(string(src))
	default:
		return fmt.Errorf("incompatible type for IPPrefix: %T", src)
	}
	if err != nil {
		return err
	}
	*p = *prefix
	return nil
}

// MarshalYAML is
func (p IPPrefix) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

// UnmarshalYAML is
func (p *IPPrefix) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var buff string
	if err := unmarshal(&buff); err != nil {
		return err
	}
	tmp, err := ParseCIDR(buff)
	if err != nil {
		return fmt.Errorf("failed to unmarshal IPPrefix: input=%q", buff)
	}
	*p = *tmp
	return nil
}

// Mask returns the subnet mask of the prefix as an address.
func (p IPPrefix) Mask() netaddr.IP {
	bits := p.Bits()
	var m uint32
	if bits > 0 {
		m = ^uint32(0) << (32 - uint32(bits))
	}
	return netaddr.IPv4(byte(m>>24), byte(m>>16), byte(m>>8), byte(m))
}

// IP is netaddr.IP with the implementation of the Valuer and Scanner interface.
// Only IPv4 addresses are accepted.
type IP struct {
	netaddr.IP
}

// NewIP is
func NewIP(ip netaddr.IP) IP {
	return IP{IP: ip}
}

// Value implements the database/sql/driver Valuer interface.
func (i IP) Value() (driver.Value, error) {
	if i.IsZero() {
		return nil, nil
	}
	return driver.Value(i.String()), nil
}

// Scan implements the database/sql Scanner interface.
func (i *IP) Scan(src interface{}) error {
	var ip *IP
	var err error
	switch src := src.(type) {
	case nil:
		*i = IP{}
		return nil
	case string:
		ip, err = ParseIP(src)
	case []uint8:
		ip, err = ParseIP(string(src))
	default:
		return fmt.Errorf("incompatible type for IP: %T", src)
	}
	if err != nil {
		return err
	}
	*i = *ip
	return nil
}

// MarshalYAML is
func (i IP) MarshalYAML() (interface{}, error) {
	return i.String(), nil
}

// UnmarshalYAML is
func (i *IP) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var buff string
	if err := unmarshal(&buff); err != nil {
		return err
	}
	tmp, err := ParseIP(buff)
	if err != nil {
		return fmt.Errorf("failed to unmarshal IP: input=%q", buff)
	}
	*i = *tmp
	return nil
}

// IPList is an ordered list of addresses stored as a comma separated string.
type IPList []IP

// Value implements the database/sql/driver Valuer interface.
func (l IPList) Value() (driver.Value, error) {
	return driver.Value(l.String()), nil
}

// Scan implements the database/sql Scanner interface.
func (l *IPList) Scan(src interface{}) error {
	var s string
	switch src := src.(type) {
	case nil:
	case string:
		s = src
	case []uint8:
		s = string(src)
	default:
		return fmt.Errorf("incompatible type for IPList: %T", src)
	}
	list, err := ParseIPList(s)
	if err != nil {
		return err
	}
	*l = list
	return nil
}

func (l IPList) String() string {
	words := make([]string, 0, len(l))
	for _, ip := range l {
		words = append(words, ip.String())
	}
	return strings.Join(words, ",")
}

// Addrs returns the list as netaddr values.
func (l IPList) Addrs() []netaddr.IP {
	ret := make([]netaddr.IP, 0, len(l))
	for _, ip := range l {
		ret = append(ret, ip.IP)
	}
	return ret
}

// HardwareAddr is net.HardwareAddr with the implementation of the Valuer and Scanner interface.
type HardwareAddr net.HardwareAddr

// Value implements the database/sql/driver Valuer interface.
func (h HardwareAddr) Value() (driver.Value, error) {
	return driver.Value(h.String()), nil
}

// Scan implements the database/sql Scanner interface.
func (h *HardwareAddr) Scan(src interface{}) error {
	var mac *HardwareAddr
	var err error
	switch src := src.(type) {
	case string:
		mac, err = ParseMAC(src)
	case []uint8:
		mac, err = ParseMAC(string(src))
	default:
		return fmt.Errorf("incompatible type for HardwareAddr: %T", src)
	}
	if err != nil {
		return err
	}
	*h = *mac
	return nil
}

func (h HardwareAddr) String() string {
	return net.HardwareAddr(h).String()
}

// MarshalText implements the encoding.TextMarshaler interface.
func (h HardwareAddr) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// MarshalYAML is
func (h HardwareAddr) MarshalYAML() (interface{}, error) {
	return h.String(), nil
}

// UnmarshalYAML is
func (h *HardwareAddr) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var buff string
	if err := unmarshal(&buff); err != nil {
		return err
	}
	tmp, err := ParseMAC(buff)
	if err != nil {
		return fmt.Errorf("failed to unmarshal HardwareAddr: input=%q", buff)
	}
	*h = *tmp
	return nil
}

// Timestamp is time.Time stored as unix seconds.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to whole seconds.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: time.Unix(t.Unix(), 0)}
}

// Value implements the database/sql/driver Valuer interface.
func (t Timestamp) Value() (driver.Value, error) {
	return driver.Value(t.Unix()), nil
}

// Scan implements the database/sql Scanner interface.
func (t *Timestamp) Scan(src interface{}) error {
	switch src := src.(type) {
	case int64:
		t.Time = time.Unix(src, 0)
	case time.Time:
		t.Time = time.Unix(src.Unix(), 0)
	default:
		return fmt.Errorf("incompatible type for Timestamp: %T", src)
	}
	return nil
}

// ParseCIDR parses an IPv4 prefix and masks its host bits.
func ParseCIDR(s string) (*IPPrefix, error) {
	p, err := netaddr.ParseIPPrefix(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if !p.IP().Is4() {
		return nil, fmt.Errorf("failed to parse IPv4 prefix: input=%q", s)
	}
	return &IPPrefix{IPPrefix: p.Masked()}, nil
}

// ParseIP parses an IPv4 address.
func ParseIP(s string) (*IP, error) {
	i, err := netaddr.ParseIP(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("failed to parse IP: input=%q", s)
	}
	if !i.Is4() {
		return nil, fmt.Errorf("failed to parse IPv4 address: input=%q", s)
	}
	return &IP{IP: i}, nil
}

// ParseIPList parses a comma separated list of IPv4 addresses.
func ParseIPList(s string) (IPList, error) {
	var list IPList
	for _, word := range strings.Split(s, ",") {
		if strings.TrimSpace(word) == "" {
			continue
		}
		ip, err := ParseIP(word)
		if err != nil {
			return nil, err
		}
		list = append(list, *ip)
	}
	return list, nil
}

// ParseMAC is
func ParseMAC(s string) (*HardwareAddr, error) {
	m, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	mac := HardwareAddr(m)
	return &mac, nil
}

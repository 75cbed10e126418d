// Package wire encodes and decodes DHCPv4 messages (RFC 2131, RFC 2132).
package wire

import (
	"fmt"
	"net"
	"time"

	"inet.af/netaddr"
)

// OpCode is the BOOTP op field.
type OpCode uint8

// OpCode values.
const (
	BootRequest OpCode = 1
	BootReply   OpCode = 2
)

// MessageType is the value of option 53.
type MessageType uint8

// MessageType values.
const (
	Discover MessageType = 1
	Offer    MessageType = 2
	Request  MessageType = 3
	Decline  MessageType = 4
	Ack      MessageType = 5
	Nak      MessageType = 6
	Release  MessageType = 7
	Inform   MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case Discover:
		return "DHCPDISCOVER"
	case Offer:
		return "DHCPOFFER"
	case Request:
		return "DHCPREQUEST"
	case Decline:
		return "DHCPDECLINE"
	case Ack:
		return "DHCPACK"
	case Nak:
		return "DHCPNAK"
	case Release:
		return "DHCPRELEASE"
	case Inform:
		return "DHCPINFORM"
	}
	return fmt.Sprintf("DHCP(%d)", uint8(t))
}

// OptionCode is a DHCP option tag.
type OptionCode uint8

// Option codes understood by the codec.
const (
	OptPad              OptionCode = 0
	OptSubnetMask       OptionCode = 1
	OptRouter           OptionCode = 3
	OptDNSServers       OptionCode = 6
	OptHostname         OptionCode = 12
	OptDomainName       OptionCode = 15
	OptRequestedIP      OptionCode = 50
	OptLeaseTime        OptionCode = 51
	OptMessageType      OptionCode = 53
	OptServerIdentifier OptionCode = 54
	OptParameterList    OptionCode = 55
	OptRenewalTime      OptionCode = 58
	OptRebindingTime    OptionCode = 59
	OptEnd              OptionCode = 255
)

// Option is an option the codec does not interpret.
type Option struct {
	Code OptionCode
	Data []byte
}

// FlagBroadcast is the broadcast bit of the flags field.
const FlagBroadcast uint16 = 0x8000

// Message is a decoded DHCP message. Zero addresses are unset.
type Message struct {
	Op           OpCode
	HType        uint8
	HLen         uint8
	Hops         uint8
	XID          uint32
	Secs         uint16
	Flags        uint16
	ClientIP     netaddr.IP
	YourIP       netaddr.IP
	ServerIP     netaddr.IP
	GatewayIP    netaddr.IP
	HardwareAddr net.HardwareAddr
	ServerName   string
	BootFile     string

	Type          MessageType
	SubnetMask    netaddr.IP
	Routers       []netaddr.IP
	DNSServers    []netaddr.IP
	Hostname      string
	DomainName    string
	RequestedIP   netaddr.IP
	LeaseTime     time.Duration
	ServerID      netaddr.IP
	ParameterList []OptionCode
	RenewalTime   time.Duration
	RebindingTime time.Duration
	Unknown       []Option
}

// Broadcast reports whether the client asked for broadcast replies.
func (m *Message) Broadcast() bool {
	return m.Flags&FlagBroadcast != 0
}

package dhcpd

import (
	"context"
	"net"
	"time"

	"inet.af/netaddr"
)

// DHCPd is the interface for dhcp4d to provide the DHCP daemon.
type DHCPd interface {
	Serve(ctx context.Context) error
}

// Interface is the receiving interface context of a packet.
type Interface struct {
	Name  string
	Index int
	Addrs []netaddr.IPPrefix
}

// Packet is a datagram received by a Transport.
type Packet struct {
	Data      []byte
	Source    *net.UDPAddr
	Interface Interface
	// Listener identifies the socket the packet arrived on. Replies leave through it.
	Listener string
}

// Transport moves raw DHCP payloads between the server and the network.
type Transport interface {
	Receive() (*Packet, error)
	Send(data []byte, dst *net.UDPAddr, via *Packet) error
	Close() error
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now is
func (SystemClock) Now() time.Time {
	return time.Now()
}

const (
	// ServerPort is the port the server listens and replies from.
	ServerPort = 67
	// ClientPort is the port replies are addressed to.
	ClientPort = 68
)

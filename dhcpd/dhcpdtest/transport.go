package dhcpdtest

import (
	"fmt"
	"net"
	"sync"

	"github.com/lovi-cloud/dhcp4d/dhcpd"
)

// ErrClosed is returned by Transport after Close. It wraps net.ErrClosed.
var ErrClosed = fmt.Errorf("in-memory transport: %w", net.ErrClosed)

// Sent is a datagram written through Transport.
type Sent struct {
	Data []byte
	Dst  *net.UDPAddr
	Via  *dhcpd.Packet
}

// Transport is an in-memory dhcpd.Transport.
type Transport struct {
	in   chan *dhcpd.Packet
	out  chan Sent
	once sync.Once
	done chan struct{}
}

// NewTransport is
func NewTransport() *Transport {
	return &Transport{
		in:   make(chan *dhcpd.Packet, 64),
		out:  make(chan Sent, 64),
		done: make(chan struct{}),
	}
}

// Inject queues a packet for Receive.
func (t *Transport) Inject(p *dhcpd.Packet) {
	t.in <- p
}

// Sent returns the channel of datagrams written by the server.
func (t *Transport) Sent() <-chan Sent {
	return t.out
}

// Receive is
func (t *Transport) Receive() (*dhcpd.Packet, error) {
	select {
	case p := <-t.in:
		return p, nil
	case <-t.done:
		return nil, ErrClosed
	}
}

// Send is
func (t *Transport) Send(data []byte, dst *net.UDPAddr, via *dhcpd.Packet) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	t.out <- Sent{Data: buf, Dst: dst, Via: via}
	return nil
}

// Close is
func (t *Transport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

var _ dhcpd.Transport = &Transport{}

//go:build !linux

package udptransport

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/lovi-cloud/dhcp4d/dhcpd"
)

// Transport is
type Transport struct{}

// New is
func New(ctx context.Context, addrs []string, port int, logger *zap.Logger) (*Transport, error) {
	return nil, ErrUnsupported
}

// Addrs is
func (t *Transport) Addrs() []string {
	return nil
}

// Receive is
func (t *Transport) Receive() (*dhcpd.Packet, error) {
	return nil, closedError("receive")
}

// Send is
func (t *Transport) Send(data []byte, dst *net.UDPAddr, via *dhcpd.Packet) error {
	return ErrUnsupported
}

// Close is
func (t *Transport) Close() error {
	return nil
}

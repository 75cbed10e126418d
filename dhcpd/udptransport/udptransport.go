// Package udptransport implements dhcpd.Transport over UDP sockets bound to
// the DHCP server port.
package udptransport

import (
	"errors"
	"fmt"
	"net"

	"github.com/lovi-cloud/dhcp4d/dhcpd"
)

// ErrUnsupported is returned by New on platforms without interface-aware sockets.
var ErrUnsupported = errors.New("udp transport is not supported on this platform")

// maxPacketSize bounds a received datagram. DHCP messages fit one Ethernet frame.
const maxPacketSize = 1500

func closedError(op string) error {
	return fmt.Errorf("failed to %s: %w", op, net.ErrClosed)
}

var _ dhcpd.Transport = &Transport{}

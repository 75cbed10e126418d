//go:build linux

package udptransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
	"inet.af/netaddr"

	"github.com/lovi-cloud/dhcp4d/dhcpd"
)

const linkCacheTTL = 30 * time.Second

// Transport is
type Transport struct {
	listeners []*listener
	links     *linkCache
	logger    *zap.Logger

	packets chan *dhcpd.Packet
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

type listener struct {
	addr string
	raw  net.PacketConn
	conn *ipv4.PacketConn
}

// New binds every address on port and starts reading.
func New(ctx context.Context, addrs []string, port int, logger *zap.Logger) (*Transport, error) {
	t := &Transport{
		links:   newLinkCache(linkCacheTTL),
		logger:  logger,
		packets: make(chan *dhcpd.Packet, 64),
		done:    make(chan struct{}),
	}

	lc := net.ListenConfig{Control: control}
	for _, a := range addrs {
		addr := net.JoinHostPort(a, strconv.Itoa(port))
		raw, err := lc.ListenPacket(ctx, "udp4", addr)
		if err != nil {
			t.closeListeners()
			return nil, fmt.Errorf("failed to listen %s: %w", addr, err)
		}
		conn := ipv4.NewPacketConn(raw)
		if err := conn.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true); err != nil {
			raw.Close()
			t.closeListeners()
			return nil, fmt.Errorf("failed to enable control messages on %s: %w", addr, err)
		}
		t.listeners = append(t.listeners, &listener{addr: raw.LocalAddr().String(), raw: raw, conn: conn})
	}
	if len(t.listeners) == 0 {
		return nil, fmt.Errorf("no listen address")
	}

	for _, l := range t.listeners {
		t.wg.Add(1)
		go t.read(l)
	}
	return t, nil
}

func control(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

// Addrs returns the bound local addresses.
func (t *Transport) Addrs() []string {
	ret := make([]string, 0, len(t.listeners))
	for _, l := range t.listeners {
		ret = append(ret, l.addr)
	}
	return ret
}

func (t *Transport) read(l *listener) {
	defer t.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		n, cm, src, err := l.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("failed to read udp packet", zap.String("listener", l.addr), zap.Error(err))
			continue
		}

		p := &dhcpd.Packet{
			Data:     append([]byte(nil), buf[:n]...),
			Listener: l.addr,
		}
		if udp, ok := src.(*net.UDPAddr); ok {
			p.Source = udp
		}
		if cm != nil && cm.IfIndex > 0 {
			iface, err := t.links.lookup(cm.IfIndex)
			if err != nil {
				t.logger.Debug("failed to resolve receiving interface", zap.Int("index", cm.IfIndex), zap.Error(err))
				iface = dhcpd.Interface{Index: cm.IfIndex}
			}
			p.Interface = iface
		}

		select {
		case t.packets <- p:
		case <-t.done:
			return
		}
	}
}

// Receive is
func (t *Transport) Receive() (*dhcpd.Packet, error) {
	select {
	case p := <-t.packets:
		return p, nil
	case <-t.done:
		return nil, closedError("receive")
	}
}

// Send writes data through the listener via arrived on, leaving by its interface.
func (t *Transport) Send(data []byte, dst *net.UDPAddr, via *dhcpd.Packet) error {
	select {
	case <-t.done:
		return closedError("send")
	default:
	}

	l := t.listeners[0]
	var cm *ipv4.ControlMessage
	if via != nil {
		for _, candidate := range t.listeners {
			if candidate.addr == via.Listener {
				l = candidate
				break
			}
		}
		if via.Interface.Index > 0 {
			cm = &ipv4.ControlMessage{IfIndex: via.Interface.Index}
		}
	}

	if _, err := l.conn.WriteTo(data, cm, dst); err != nil {
		return fmt.Errorf("failed to send to %s: %w", dst, err)
	}
	return nil
}

// Close is
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.closeListeners()
		t.wg.Wait()
	})
	return err
}

func (t *Transport) closeListeners() error {
	var ret error
	for _, l := range t.listeners {
		if err := l.conn.Close(); err != nil && ret == nil {
			ret = err
		}
	}
	return ret
}

type linkEntry struct {
	iface     dhcpd.Interface
	fetchedAt time.Time
}

// linkCache resolves interface indexes to names and IPv4 prefixes.
type linkCache struct {
	ttl time.Duration

	mu      sync.Mutex
	byIndex map[int]linkEntry
}

func newLinkCache(ttl time.Duration) *linkCache {
	return &linkCache{
		ttl:     ttl,
		byIndex: make(map[int]linkEntry),
	}
}

func (c *linkCache) lookup(index int) (dhcpd.Interface, error) {
	now := time.Now()
	c.mu.Lock()
	entry, ok := c.byIndex[index]
	c.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < c.ttl {
		return entry.iface, nil
	}

	link, err := netlink.LinkByIndex(index)
	if err != nil {
		return dhcpd.Interface{}, fmt.Errorf("failed to get link %d: %w", index, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return dhcpd.Interface{}, fmt.Errorf("failed to list addresses of %s: %w", link.Attrs().Name, err)
	}

	iface := dhcpd.Interface{
		Name:  link.Attrs().Name,
		Index: index,
	}
	for _, addr := range addrs {
		if prefix, ok := netaddr.FromStdIPNet(addr.IPNet); ok {
			iface.Addrs = append(iface.Addrs, prefix)
		}
	}

	c.mu.Lock()
	c.byIndex[index] = linkEntry{iface: iface, fetchedAt: now}
	c.mu.Unlock()
	return iface, nil
}

package godhcpd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"inet.af/netaddr"

	"github.com/lovi-cloud/dhcp4d/dhcpd"
	"github.com/lovi-cloud/dhcp4d/dhcpd/addrspace"
	"github.com/lovi-cloud/dhcp4d/dhcpd/handshake"
	"github.com/lovi-cloud/dhcp4d/dhcpd/wire"
)

// Config is
type Config struct {
	// ServerIdentifier overrides the address sent in option 54.
	ServerIdentifier netaddr.IP
	SweepInterval    time.Duration
}

// Metrics is the subset of counters the server loop updates.
type Metrics interface {
	Received(t wire.MessageType)
	Sent(t wire.MessageType)
	Dropped(reason string)
	DecodeError(err error)
	Swept(n int)
	HandlerError()
}

// Sweeper deactivates expired leases.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// GoDHCPd is
type GoDHCPd struct {
	config    Config
	transport dhcpd.Transport
	engine    *handshake.Engine
	model     *addrspace.Model
	leases    Sweeper
	metrics   Metrics
	clock     dhcpd.Clock
	logger    *zap.Logger

	inflight sync.WaitGroup
}

// New is
func New(config Config, transport dhcpd.Transport, engine *handshake.Engine, model *addrspace.Model, leases Sweeper, metrics Metrics, clock dhcpd.Clock, logger *zap.Logger) (dhcpd.DHCPd, error) {
	if config.SweepInterval <= 0 {
		return nil, fmt.Errorf("invalid sweep interval %s", config.SweepInterval)
	}
	if !config.ServerIdentifier.IsZero() && !config.ServerIdentifier.Is4() {
		return nil, fmt.Errorf("invalid server identifier %s", config.ServerIdentifier)
	}
	return &GoDHCPd{
		config:    config,
		transport: transport,
		engine:    engine,
		model:     model,
		leases:    leases,
		metrics:   metrics,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Serve serve dhcp daemon until ctx is cancelled. In-flight messages are
// finished before it returns.
func (g *GoDHCPd) Serve(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		return g.transport.Close()
	})
	eg.Go(func() error {
		return g.receive(ctx)
	})
	eg.Go(func() error {
		return g.sweep(ctx)
	})
	err := eg.Wait()
	g.inflight.Wait()
	return err
}

func (g *GoDHCPd) receive(ctx context.Context) error {
	for {
		p, err := g.transport.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("failed to receive dhcp request: %w", err)
			}
			g.logger.Error("failed to receive dhcp request", zap.Error(err))
			continue
		}

		g.inflight.Add(1)
		go func() {
			defer g.inflight.Done()
			g.handle(context.WithoutCancel(ctx), p)
		}()
	}
}

func (g *GoDHCPd) sweep(ctx context.Context) error {
	ticker := time.NewTicker(g.config.SweepInterval)
	defer ticker.Stop()
	for {
		g.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (g *GoDHCPd) sweepOnce(ctx context.Context) {
	now := g.clock.Now()
	n, err := g.leases.SweepExpired(ctx, now)
	if err != nil {
		g.logger.Error("failed to sweep expired leases", zap.Error(err))
	} else if n > 0 {
		g.metrics.Swept(n)
		g.logger.Info("swept expired leases", zap.Int("count", n))
	}

	offers, quarantined := g.engine.Prune(now)
	if offers > 0 || quarantined > 0 {
		g.logger.Debug("pruned offers and quarantine", zap.Int("offers", offers), zap.Int("quarantined", quarantined))
	}
}

func (g *GoDHCPd) handle(ctx context.Context, p *dhcpd.Packet) {
	trace, err := uuid.NewV4()
	if err != nil {
		g.logger.Warn("failed to generate trace id", zap.Error(err))
	}
	logger := g.logger.With(
		zap.String("trace", trace.String()),
		zap.String("iface", p.Interface.Name),
		zap.Stringer("src", p.Source),
	)

	msg, err := wire.Decode(p.Data)
	if err != nil {
		g.metrics.DecodeError(err)
		logger.Debug("failed to decode dhcp packet", zap.Int("length", len(p.Data)), zap.Error(err))
		return
	}
	if msg.Op != wire.BootRequest {
		g.metrics.Dropped("bootreply")
		logger.Debug("dropped bootreply packet")
		return
	}
	g.metrics.Received(msg.Type)
	if !msg.GatewayIP.IsZero() {
		g.metrics.Dropped("relayed")
		logger.Warn("dropped relayed packet", zap.Stringer("giaddr", msg.GatewayIP))
		return
	}

	subnet, ok := g.selectSubnet(p.Interface)
	if !ok {
		g.metrics.Dropped("no_subnet")
		logger.Warn("dropped packet without a serving subnet", zap.Stringer("mac", msg.HardwareAddr))
		return
	}
	logger.Info("received request", zap.Stringer("type", msg.Type), zap.Stringer("mac", msg.HardwareAddr))

	out, err := g.engine.Handle(ctx, handshake.Request{
		Message:  msg,
		Subnet:   *subnet,
		ServerID: g.serverIdentifier(subnet, p.Interface),
		Logger:   logger,
	})
	if err != nil {
		g.metrics.HandlerError()
		logger.Error("failed to handle dhcp request", zap.Error(err))
		return
	}
	if out.Reply == nil {
		return
	}

	data, err := wire.Encode(out.Reply)
	if err != nil {
		g.metrics.HandlerError()
		logger.Error("failed to encode dhcp response", zap.Error(err))
		return
	}
	dst := destination(out.Reply)
	if err := g.transport.Send(data, dst, p); err != nil {
		logger.Error("failed to send dhcp response", zap.Stringer("dst", dst), zap.Error(err))
		return
	}
	g.metrics.Sent(out.Reply.Type)
	logger.Info("sent dhcp response",
		zap.Stringer("type", out.Reply.Type),
		zap.Stringer("dst", dst),
		zap.Stringer("yiaddr", out.Reply.YourIP),
		zap.Stringer("state", out.State),
	)
}

// selectSubnet picks the only enabled subnet, or the one holding an address
// of the receiving interface.
func (g *GoDHCPd) selectSubnet(iface dhcpd.Interface) (*dhcpd.Subnet, bool) {
	space := g.model.Space()
	enabled := space.EnabledSubnets()
	if len(enabled) == 1 {
		return &enabled[0], true
	}
	for _, prefix := range iface.Addrs {
		if subnet, ok := space.FindSubnetFor(prefix.IP()); ok {
			return subnet, true
		}
	}
	return nil, false
}

func (g *GoDHCPd) serverIdentifier(subnet *dhcpd.Subnet, iface dhcpd.Interface) netaddr.IP {
	if !g.config.ServerIdentifier.IsZero() {
		return g.config.ServerIdentifier
	}
	for _, prefix := range iface.Addrs {
		if prefix.IP().Is4() && subnet.Network.Contains(prefix.IP()) {
			return prefix.IP()
		}
	}
	if !subnet.Gateway.IsZero() {
		return subnet.Gateway.IP
	}
	for _, prefix := range iface.Addrs {
		if prefix.IP().Is4() {
			return prefix.IP()
		}
	}
	return netaddr.IP{}
}

// destination addresses NAKs and replies to unconfigured clients to the
// limited broadcast address, and everything else to the client's ciaddr.
func destination(reply *wire.Message) *net.UDPAddr {
	if reply.Type != wire.Nak && !reply.ClientIP.IsZero() {
		return &net.UDPAddr{IP: reply.ClientIP.IPAddr().IP, Port: dhcpd.ClientPort}
	}
	return &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpd.ClientPort}
}

var _ dhcpd.DHCPd = &GoDHCPd{}

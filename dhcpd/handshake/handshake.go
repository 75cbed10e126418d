// Package handshake advances each client's DHCP exchange and builds the replies.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"inet.af/netaddr"

	"github.com/lovi-cloud/dhcp4d/datastore"
	"github.com/lovi-cloud/dhcp4d/dhcpd"
	"github.com/lovi-cloud/dhcp4d/dhcpd/allocator"
	"github.com/lovi-cloud/dhcp4d/dhcpd/wire"
	"github.com/lovi-cloud/dhcp4d/types"
)

// Config is
type Config struct {
	DefaultLeaseTime  time.Duration
	MaxLeaseTime      time.Duration
	OfferTimeout      time.Duration
	DeclineQuarantine time.Duration
}

// Leases is the part of the lease store the engine drives.
type Leases interface {
	ActiveLeaseForMAC(subnetID int64, mac types.HardwareAddr) (*dhcpd.Lease, bool)
	ActiveLeaseForIP(subnetID int64, ip netaddr.IP) (*dhcpd.Lease, bool)
	LapsedLeaseForMAC(subnetID int64, mac types.HardwareAddr) (*dhcpd.Lease, bool)
	// Replace grants lease and deactivates any other lease its hardware address holds in the subnet.
	Replace(ctx context.Context, lease dhcpd.Lease) (*dhcpd.Lease, error)
	Release(ctx context.Context, subnetID int64, mac types.HardwareAddr) (*dhcpd.Lease, error)
	Revoke(ctx context.Context, subnetID int64, ip netaddr.IP) (*dhcpd.Lease, error)
}

// Recorder counts operator-visible allocation events.
type Recorder interface {
	PoolExhausted(subnetID int64)
	CommitConflict(subnetID int64)
}

type nopRecorder struct{}

func (nopRecorder) PoolExhausted(int64)  {}
func (nopRecorder) CommitConflict(int64) {}

// Request is one decoded client message in the context of its subnet.
type Request struct {
	Message  *wire.Message
	Subnet   dhcpd.Subnet
	ServerID netaddr.IP
	// Logger carries per-packet fields. The engine logger is used when nil.
	Logger *zap.Logger
}

// Outcome is the result of Handle. Reply is nil when nothing must be sent.
type Outcome struct {
	Reply *wire.Message
	From  State
	State State
	Lease *dhcpd.Lease
}

// Engine is
type Engine struct {
	config     Config
	allocator  *allocator.Allocator
	leases     Leases
	quarantine *allocator.Quarantine
	offers     *Offers
	clock      dhcpd.Clock
	recorder   Recorder
	logger     *zap.Logger
}

// New is
func New(config Config, alloc *allocator.Allocator, leases Leases, quarantine *allocator.Quarantine, clock dhcpd.Clock, recorder Recorder, logger *zap.Logger) *Engine {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Engine{
		config:     config,
		allocator:  alloc,
		leases:     leases,
		quarantine: quarantine,
		offers:     NewOffers(config.OfferTimeout),
		clock:      clock,
		recorder:   recorder,
		logger:     logger,
	}
}

// Offers returns the outstanding offers.
func (e *Engine) Offers() *Offers {
	return e.offers
}

// Prune drops timed out offers and ended quarantines.
func (e *Engine) Prune(now time.Time) (offers, quarantined int) {
	return e.offers.Prune(now), e.quarantine.Prune(now)
}

// Handle processes one client message.
func (e *Engine) Handle(ctx context.Context, req Request) (*Outcome, error) {
	logger := req.Logger
	if logger == nil {
		logger = e.logger
	}
	msg := req.Message
	logger = logger.With(
		zap.Stringer("type", msg.Type),
		zap.Stringer("mac", msg.HardwareAddr),
		zap.Uint32("xid", msg.XID),
		zap.Int64("subnet_id", req.Subnet.ID),
	)

	switch msg.Type {
	case wire.Discover:
		return e.discover(req, logger)
	case wire.Request:
		return e.request(ctx, req, logger)
	case wire.Decline:
		return e.decline(ctx, req, logger)
	case wire.Release:
		return e.release(ctx, req, logger)
	case wire.Inform:
		return e.inform(req, logger)
	default:
		logger.Warn("dropped unexpected message type")
		return &Outcome{From: Init, State: Init}, nil
	}
}

func (e *Engine) discover(req Request, logger *zap.Logger) (*Outcome, error) {
	msg := req.Message
	mac := types.HardwareAddr(msg.HardwareAddr)
	now := e.clock.Now()

	res, err := e.allocator.Allocate(allocator.Request{
		SubnetID: req.Subnet.ID,
		MAC:      mac,
		Hint:     msg.RequestedIP,
		Avoid:    e.offers.HeldByOthers(req.Subnet.ID, mac, now),
	})
	if errors.Is(err, allocator.ErrPoolExhausted) {
		logger.Warn("no free address to offer", zap.Error(err))
		e.recorder.PoolExhausted(req.Subnet.ID)
		return &Outcome{Reply: e.nak(req), From: Init, State: Init}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to allocate address: %w", err)
	}

	e.offers.Put(Offer{
		MAC:       mac,
		XID:       msg.XID,
		SubnetID:  req.Subnet.ID,
		IP:        res.IP,
		Hostname:  res.Hostname,
		OfferedAt: now,
	})

	reply := e.reply(req, wire.Offer)
	reply.YourIP = res.IP
	reply.LeaseTime = e.leaseTime(msg)
	logger.Info("offering address", zap.Stringer("ip", res.IP), zap.Stringer("source", res.Source))
	return &Outcome{Reply: reply, From: Init, State: Offered}, nil
}

func (e *Engine) request(ctx context.Context, req Request, logger *zap.Logger) (*Outcome, error) {
	msg := req.Message
	mac := types.HardwareAddr(msg.HardwareAddr)

	if !msg.ServerID.IsZero() && msg.ServerID != req.ServerID {
		e.offers.Delete(mac)
		logger.Debug("client selected another server", zap.Stringer("server_id", msg.ServerID))
		return &Outcome{From: Offered, State: Init}, nil
	}

	requested := msg.RequestedIP
	if requested.IsZero() {
		requested = msg.ClientIP
	}

	offer, ok := e.offers.Get(mac, msg.XID, e.clock.Now())
	if ok && offer.SubnetID == req.Subnet.ID && (requested.IsZero() || requested == offer.IP) {
		return e.commitOffer(ctx, req, offer, logger)
	}
	return e.confirm(ctx, req, requested, logger)
}

// commitOffer binds the offered address, superseding a binding the client no
// longer qualifies for. A lost commit race is retried once with a freshly
// allocated address before the client is refused.
func (e *Engine) commitOffer(ctx context.Context, req Request, offer Offer, logger *zap.Logger) (*Outcome, error) {
	mac := offer.MAC
	ip := offer.IP

	for attempt := 0; attempt < 2; attempt++ {
		lease, err := e.leases.Replace(ctx, e.newLease(req, ip, offer.Hostname))
		if err == nil {
			e.offers.Delete(mac)
			logger.Info("bound address", zap.Stringer("ip", ip), zap.Time("lease_end", lease.LeaseEnd.Time))
			return &Outcome{Reply: e.ack(req, lease), From: Offered, State: Bound, Lease: lease}, nil
		}
		if !errors.Is(err, datastore.ErrConflict) {
			return nil, fmt.Errorf("failed to commit lease: %w", err)
		}
		e.recorder.CommitConflict(req.Subnet.ID)
		logger.Warn("address was taken before commit", zap.Stringer("ip", ip), zap.Error(err))
		if attempt > 0 {
			break
		}

		res, err := e.allocator.Allocate(allocator.Request{
			SubnetID: req.Subnet.ID,
			MAC:      mac,
			Avoid:    e.offers.HeldByOthers(req.Subnet.ID, mac, e.clock.Now()),
		})
		if errors.Is(err, allocator.ErrPoolExhausted) {
			e.recorder.PoolExhausted(req.Subnet.ID)
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to allocate address: %w", err)
		}
		ip = res.IP
	}

	e.offers.Delete(mac)
	return &Outcome{Reply: e.nak(req), From: Offered, State: Init}, nil
}

// confirm answers a REQUEST that matches no outstanding offer: renewals,
// rebinding and INIT-REBOOT. Only the client's own binding is acknowledged.
func (e *Engine) confirm(ctx context.Context, req Request, requested netaddr.IP, logger *zap.Logger) (*Outcome, error) {
	msg := req.Message
	mac := types.HardwareAddr(msg.HardwareAddr)

	from := Init
	if _, ok := e.leases.ActiveLeaseForMAC(req.Subnet.ID, mac); ok {
		from = Renewing
	} else if _, ok := e.leases.LapsedLeaseForMAC(req.Subnet.ID, mac); ok {
		from = Expired
	}

	if requested.IsZero() {
		logger.Warn("request names no address")
		return &Outcome{Reply: e.nak(req), From: from, State: Init}, nil
	}

	res, err := e.allocator.Allocate(allocator.Request{
		SubnetID: req.Subnet.ID,
		MAC:      mac,
		Hint:     requested,
	})
	if errors.Is(err, allocator.ErrPoolExhausted) {
		e.recorder.PoolExhausted(req.Subnet.ID)
		logger.Info("refused request on exhausted pool", zap.Stringer("requested", requested))
		return &Outcome{Reply: e.nak(req), From: from, State: Init}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to allocate address: %w", err)
	}

	if (res.Source != allocator.Existing && res.Source != allocator.Static) || res.IP != requested {
		logger.Info("refused request for unknown binding", zap.Stringer("requested", requested), zap.Stringer("candidate", res.IP), zap.Stringer("from", from))
		return &Outcome{Reply: e.nak(req), From: from, State: Init}, nil
	}

	lease, err := e.leases.Replace(ctx, e.newLease(req, res.IP, res.Hostname))
	if errors.Is(err, datastore.ErrConflict) {
		e.recorder.CommitConflict(req.Subnet.ID)
		logger.Warn("refused request for a taken address", zap.Stringer("requested", requested), zap.Error(err))
		return &Outcome{Reply: e.nak(req), From: from, State: Init}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}

	logger.Info("acknowledged binding", zap.Stringer("ip", res.IP), zap.Stringer("from", from), zap.Time("lease_end", lease.LeaseEnd.Time))
	return &Outcome{Reply: e.ack(req, lease), From: from, State: Bound, Lease: lease}, nil
}

func (e *Engine) decline(ctx context.Context, req Request, logger *zap.Logger) (*Outcome, error) {
	msg := req.Message
	mac := types.HardwareAddr(msg.HardwareAddr)
	now := e.clock.Now()

	ip := msg.RequestedIP
	if ip.IsZero() {
		ip = msg.ClientIP
	}
	if ip.IsZero() || !req.Subnet.Network.Contains(ip) {
		logger.Warn("dropped decline without a subnet address", zap.Stringer("ip", ip))
		return &Outcome{From: Init, State: Init}, nil
	}

	var ours bool
	if offer, ok := e.offers.ForMAC(mac, now); ok && offer.IP == ip {
		ours = true
	}
	if l, ok := e.leases.ActiveLeaseForIP(req.Subnet.ID, ip); ok && l.MACAddress.String() == mac.String() {
		if _, err := e.leases.Revoke(ctx, req.Subnet.ID, ip); err != nil {
			return nil, fmt.Errorf("failed to revoke declined lease: %w", err)
		}
		ours = true
	}
	if !ours {
		logger.Warn("dropped decline for an address the client does not hold", zap.Stringer("ip", ip))
		return &Outcome{From: Init, State: Init}, nil
	}

	e.quarantine.Add(req.Subnet.ID, ip, now.Add(e.config.DeclineQuarantine))
	e.offers.Delete(mac)
	logger.Warn("client declined address", zap.Stringer("ip", ip), zap.Duration("quarantine", e.config.DeclineQuarantine))
	return &Outcome{From: Offered, State: Declined}, nil
}

func (e *Engine) release(ctx context.Context, req Request, logger *zap.Logger) (*Outcome, error) {
	mac := types.HardwareAddr(req.Message.HardwareAddr)

	lease, err := e.leases.Release(ctx, req.Subnet.ID, mac)
	if err != nil {
		return nil, fmt.Errorf("failed to release lease: %w", err)
	}
	e.offers.Delete(mac)
	if lease == nil {
		logger.Debug("released without an active lease")
		return &Outcome{From: Init, State: Released}, nil
	}
	logger.Info("released address", zap.Stringer("ip", lease.IPAddress))
	return &Outcome{From: Bound, State: Released, Lease: lease}, nil
}

func (e *Engine) inform(req Request, logger *zap.Logger) (*Outcome, error) {
	reply := e.reply(req, wire.Ack)
	reply.ClientIP = req.Message.ClientIP
	logger.Debug("answering inform", zap.Stringer("ciaddr", req.Message.ClientIP))
	return &Outcome{Reply: reply, From: Init, State: Init}, nil
}

// leaseTime honors the client's request up to MaxLeaseTime.
func (e *Engine) leaseTime(msg *wire.Message) time.Duration {
	if msg.LeaseTime <= 0 {
		return e.config.DefaultLeaseTime
	}
	if e.config.MaxLeaseTime > 0 && msg.LeaseTime > e.config.MaxLeaseTime {
		return e.config.MaxLeaseTime
	}
	return msg.LeaseTime
}

func (e *Engine) newLease(req Request, ip netaddr.IP, hostname string) dhcpd.Lease {
	now := e.clock.Now()
	if hostname == "" {
		hostname = req.Message.Hostname
	}
	return dhcpd.Lease{
		SubnetID:   req.Subnet.ID,
		MACAddress: types.HardwareAddr(req.Message.HardwareAddr),
		IPAddress:  types.NewIP(ip),
		LeaseStart: types.NewTimestamp(now),
		LeaseEnd:   types.NewTimestamp(now.Add(e.leaseTime(req.Message))),
		Hostname:   hostname,
		Active:     true,
	}
}

package godhcpd_test

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"inet.af/netaddr"

	"github.com/lovi-cloud/dhcp4d/datastore/sqlite"
	"github.com/lovi-cloud/dhcp4d/dhcpd"
	"github.com/lovi-cloud/dhcp4d/dhcpd/addrspace"
	"github.com/lovi-cloud/dhcp4d/dhcpd/allocator"
	"github.com/lovi-cloud/dhcp4d/dhcpd/dhcpdtest"
	"github.com/lovi-cloud/dhcp4d/dhcpd/godhcpd"
	"github.com/lovi-cloud/dhcp4d/dhcpd/handshake"
	"github.com/lovi-cloud/dhcp4d/dhcpd/leasestore"
	"github.com/lovi-cloud/dhcp4d/metrics"
	"github.com/lovi-cloud/dhcp4d/types"
)

type server struct {
	t         *testing.T
	transport *dhcpdtest.Transport
	store     *leasestore.Store
	clock     *dhcpdtest.Clock
	registry  *prometheus.Registry
	config    godhcpd.Config
	model     *addrspace.Model
	engine    *handshake.Engine
	metrics   *metrics.Metrics
}

type subnetSeed struct {
	network, gateway, start, end string
}

func newServer(t *testing.T, seeds ...subnetSeed) *server {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	repo, err := sqlite.New(ctx, fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", name), logger)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	if len(seeds) == 0 {
		seeds = []subnetSeed{{"192.168.1.0/24", "192.168.1.1", "192.168.1.100", "192.168.1.200"}}
	}
	for _, seed := range seeds {
		_, err := repo.SyncSubnet(ctx,
			dhcpdtest.Subnet(0, seed.network, seed.gateway, "8.8.8.8"),
			[]dhcpd.DynamicRange{dhcpdtest.Range(0, 0, seed.start, seed.end)},
			nil,
		)
		require.NoError(t, err)
	}

	model, err := addrspace.Load(ctx, repo)
	require.NoError(t, err)
	clock := dhcpdtest.NewClock(time.Unix(1700000000, 0))
	store := leasestore.New(repo, clock, logger)
	require.NoError(t, store.Load(ctx))

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	quarantine := allocator.NewQuarantine()
	engine := handshake.New(handshake.Config{
		DefaultLeaseTime:  24 * time.Hour,
		MaxLeaseTime:      168 * time.Hour,
		OfferTimeout:      30 * time.Second,
		DeclineQuarantine: 10 * time.Minute,
	}, allocator.New(model, store, quarantine, clock), store, quarantine, clock, m, logger)

	return &server{
		t:         t,
		transport: dhcpdtest.NewTransport(),
		store:     store,
		clock:     clock,
		registry:  registry,
		config:    godhcpd.Config{SweepInterval: time.Hour},
		model:     model,
		engine:    engine,
		metrics:   m,
	}
}

// start runs the server until the test ends.
func (s *server) start() {
	s.t.Helper()
	d, err := godhcpd.New(s.config, s.transport, s.engine, s.model, s.store, s.metrics, s.clock, zaptest.NewLogger(s.t))
	require.NoError(s.t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()
	s.t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(s.t, err)
		case <-time.After(5 * time.Second):
			s.t.Error("server did not stop")
		}
	})
}

var eth0 = dhcpd.Interface{
	Name:  "eth0",
	Index: 2,
	Addrs: []netaddr.IPPrefix{netaddr.MustParseIPPrefix("192.168.1.1/24")},
}

func (s *server) inject(pkt *dhcpv4.DHCPv4, iface dhcpd.Interface) {
	s.transport.Inject(&dhcpd.Packet{
		Data:      pkt.ToBytes(),
		Source:    &net.UDPAddr{IP: net.IPv4zero, Port: dhcpd.ClientPort},
		Interface: iface,
		Listener:  "0.0.0.0:67",
	})
}

func (s *server) reply() (*dhcpv4.DHCPv4, dhcpdtest.Sent) {
	s.t.Helper()
	select {
	case sent := <-s.transport.Sent():
		pkt, err := dhcpv4.FromBytes(sent.Data)
		require.NoError(s.t, err)
		return pkt, sent
	case <-time.After(5 * time.Second):
		s.t.Fatal("no reply was sent")
	}
	return nil, dhcpdtest.Sent{}
}

func (s *server) counter(name string) float64 {
	s.t.Helper()
	families, err := s.registry.Gather()
	require.NoError(s.t, err)
	var sum float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func TestServe_Lifecycle(t *testing.T) {
	s := newServer(t)
	s.start()
	mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}

	discover, err := dhcpv4.NewDiscovery(mac, dhcpv4.WithBroadcast(true))
	require.NoError(t, err)
	s.inject(discover, eth0)

	offer, sent := s.reply()
	assert.Equal(t, dhcpv4.MessageTypeOffer, offer.MessageType())
	assert.Equal(t, discover.TransactionID, offer.TransactionID)
	assert.Equal(t, "192.168.1.100", offer.YourIPAddr.String())
	assert.Equal(t, "192.168.1.1", offer.ServerIdentifier().String())
	assert.Equal(t, "255.255.255.255:68", sent.Dst.String())
	assert.Equal(t, "eth0", sent.Via.Interface.Name)

	request, err := dhcpv4.NewRequestFromOffer(offer)
	require.NoError(t, err)
	s.inject(request, eth0)

	ack, _ := s.reply()
	require.Equal(t, dhcpv4.MessageTypeAck, ack.MessageType())
	assert.Equal(t, "192.168.1.100", ack.YourIPAddr.String())
	assert.Equal(t, 24*time.Hour, ack.IPAddressLeaseTime(0))
	assert.Equal(t, 12*time.Hour, ack.IPAddressRenewalTime(0))
	assert.Equal(t, 21*time.Hour, ack.IPAddressRebindingTime(0))
	assert.Equal(t, net.IPv4Mask(255, 255, 255, 0), ack.SubnetMask())
	require.Len(t, ack.Router(), 1)
	assert.Equal(t, "192.168.1.1", ack.Router()[0].String())

	lease, ok := s.store.ActiveLeaseForIP(1, netaddr.MustParseIP("192.168.1.100"))
	require.True(t, ok)
	assert.Equal(t, types.HardwareAddr(mac).String(), lease.MACAddress.String())

	s.clock.Advance(12 * time.Hour)
	renew, err := dhcpv4.NewRenewFromAck(ack)
	require.NoError(t, err)
	s.inject(renew, eth0)

	renewed, sent := s.reply()
	assert.Equal(t, dhcpv4.MessageTypeAck, renewed.MessageType())
	assert.Equal(t, "192.168.1.100:68", sent.Dst.String(), "renewals are answered by unicast")

	release, err := dhcpv4.NewReleaseFromACK(renewed)
	require.NoError(t, err)
	s.inject(release, eth0)

	require.Eventually(t, func() bool {
		_, ok := s.store.ActiveLeaseForIP(1, netaddr.MustParseIP("192.168.1.100"))
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 4.0, s.counter("dhcp4d_packets_received_total"))
	assert.Equal(t, 3.0, s.counter("dhcp4d_replies_sent_total"))
}

func TestServe_Drops(t *testing.T) {
	s := newServer(t)
	s.start()
	mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x02}

	s.transport.Inject(&dhcpd.Packet{Data: []byte{0x01, 0x01}, Interface: eth0})

	relayed, err := dhcpv4.NewDiscovery(mac, dhcpv4.WithRelay(net.IPv4(10, 0, 0, 1)))
	require.NoError(t, err)
	s.inject(relayed, eth0)

	discover, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)
	reply, err := dhcpv4.NewReplyFromRequest(discover, dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer))
	require.NoError(t, err)
	s.inject(reply, eth0)

	require.Eventually(t, func() bool {
		return s.counter("dhcp4d_decode_errors_total") == 1 && s.counter("dhcp4d_packets_dropped_total") == 2
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case sent := <-s.transport.Sent():
		t.Fatalf("unexpected reply to %s", sent.Dst)
	default:
	}
}

func TestServe_SubnetSelection(t *testing.T) {
	s := newServer(t,
		subnetSeed{"192.168.1.0/24", "192.168.1.1", "192.168.1.100", "192.168.1.200"},
		subnetSeed{"10.0.0.0/24", "10.0.0.1", "10.0.0.10", "10.0.0.20"},
	)
	s.start()
	mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x03}

	eth1 := dhcpd.Interface{
		Name:  "eth1",
		Index: 3,
		Addrs: []netaddr.IPPrefix{netaddr.MustParseIPPrefix("10.0.0.2/24")},
	}
	discover, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)
	s.inject(discover, eth1)

	offer, _ := s.reply()
	assert.Equal(t, "10.0.0.10", offer.YourIPAddr.String())
	assert.Equal(t, "10.0.0.2", offer.ServerIdentifier().String(), "the receiving interface address identifies the server")

	lo := dhcpd.Interface{
		Name:  "eth9",
		Index: 9,
		Addrs: []netaddr.IPPrefix{netaddr.MustParseIPPrefix("172.16.0.1/24")},
	}
	s.inject(discover, lo)
	require.Eventually(t, func() bool {
		return s.counter("dhcp4d_packets_dropped_total") == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServe_ServerIdentifierOverride(t *testing.T) {
	s := newServer(t)
	s.config.ServerIdentifier = netaddr.MustParseIP("192.168.1.254")
	s.start()

	discover, err := dhcpv4.NewDiscovery(net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x04})
	require.NoError(t, err)
	s.inject(discover, eth0)

	offer, _ := s.reply()
	assert.Equal(t, "192.168.1.254", offer.ServerIdentifier().String())
}

func TestServe_NakIsBroadcast(t *testing.T) {
	s := newServer(t)
	s.start()

	request, err := dhcpv4.New(
		dhcpv4.WithHwAddr(net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x05}),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest),
		dhcpv4.WithClientIP(net.IPv4(192, 168, 1, 150)),
	)
	require.NoError(t, err)
	s.inject(request, eth0)

	nak, sent := s.reply()
	assert.Equal(t, dhcpv4.MessageTypeNak, nak.MessageType())
	assert.Equal(t, "255.255.255.255:68", sent.Dst.String())
}

func TestServe_SweepsExpiredLeases(t *testing.T) {
	s := newServer(t)
	_, err := s.store.Commit(context.Background(), dhcpd.Lease{
		SubnetID:   1,
		MACAddress: dhcpdtest.MAC("aa:bb:cc:dd:ee:06"),
		IPAddress:  dhcpdtest.IP("192.168.1.120"),
		LeaseStart: types.NewTimestamp(s.clock.Now()),
		LeaseEnd:   types.NewTimestamp(s.clock.Now().Add(time.Minute)),
	})
	require.NoError(t, err)
	s.clock.Advance(2 * time.Minute)
	s.start()

	require.Eventually(t, func() bool {
		return s.counter("dhcp4d_leases_swept_total") == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, s.store.ActiveCounts())
}

func TestNew_Invalid(t *testing.T) {
	s := newServer(t)
	_, err := godhcpd.New(godhcpd.Config{}, s.transport, s.engine, s.model, s.store, s.metrics, s.clock, zaptest.NewLogger(t))
	assert.Error(t, err)
}

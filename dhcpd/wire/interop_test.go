package wire

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.universe.tf/netboot/dhcp4"
	"inet.af/netaddr"
)

func offerFixture(t *testing.T) *Message {
	return &Message{
		Op:           BootReply,
		HType:        1,
		HLen:         6,
		XID:          0x11223344,
		Flags:        FlagBroadcast,
		YourIP:       netaddr.IPv4(192, 168, 1, 100),
		HardwareAddr: mustMAC(t, "aa:bb:cc:dd:ee:01"),
		Type:         Offer,
		ServerID:     netaddr.IPv4(192, 168, 1, 1),
		LeaseTime:    24 * time.Hour,
		SubnetMask:   netaddr.IPv4(255, 255, 255, 0),
		Routers:      []netaddr.IP{netaddr.IPv4(192, 168, 1, 1)},
		DNSServers:   []netaddr.IP{netaddr.IPv4(8, 8, 8, 8)},
		DomainName:   "example.lan",
	}
}

func TestInterop_InsomniacslkDecodesOffer(t *testing.T) {
	b, err := Encode(offerFixture(t))
	require.NoError(t, err)

	pkt, err := dhcpv4.FromBytes(b)
	require.NoError(t, err)

	assert.Equal(t, dhcpv4.MessageTypeOffer, pkt.MessageType())
	assert.Equal(t, dhcpv4.TransactionID{0x11, 0x22, 0x33, 0x44}, pkt.TransactionID)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", pkt.ClientHWAddr.String())
	assert.True(t, pkt.YourIPAddr.Equal(net.IPv4(192, 168, 1, 100)))
	assert.True(t, pkt.ServerIdentifier().Equal(net.IPv4(192, 168, 1, 1)))
	assert.Equal(t, 24*time.Hour, pkt.IPAddressLeaseTime(0))
	assert.Equal(t, net.IPv4Mask(255, 255, 255, 0), pkt.SubnetMask())
	require.Len(t, pkt.Router(), 1)
	assert.True(t, pkt.Router()[0].Equal(net.IPv4(192, 168, 1, 1)))
	require.Len(t, pkt.DNS(), 1)
	assert.Equal(t, "example.lan", pkt.DomainName())
	assert.True(t, pkt.IsBroadcast())
}

func TestInterop_DecodeInsomniacslkClient(t *testing.T) {
	mac := mustMAC(t, "aa:bb:cc:dd:ee:02")
	discover, err := dhcpv4.NewDiscovery(mac,
		dhcpv4.WithTransactionID(dhcpv4.TransactionID{1, 2, 3, 4}),
		dhcpv4.WithBroadcast(true),
	)
	require.NoError(t, err)

	msg, err := Decode(discover.ToBytes())
	require.NoError(t, err)
	assert.Equal(t, BootRequest, msg.Op)
	assert.Equal(t, Discover, msg.Type)
	assert.Equal(t, uint32(0x01020304), msg.XID)
	assert.Equal(t, mac, msg.HardwareAddr)
	assert.True(t, msg.Broadcast())
	assert.NotEmpty(t, msg.ParameterList)

	offer, err := Encode(&Message{
		Op:           BootReply,
		XID:          msg.XID,
		HardwareAddr: msg.HardwareAddr,
		YourIP:       netaddr.IPv4(192, 168, 1, 120),
		Type:         Offer,
		ServerID:     netaddr.IPv4(192, 168, 1, 1),
		LeaseTime:    time.Hour,
	})
	require.NoError(t, err)
	offerPkt, err := dhcpv4.FromBytes(offer)
	require.NoError(t, err)

	request, err := dhcpv4.NewRequestFromOffer(offerPkt)
	require.NoError(t, err)

	msg, err = Decode(request.ToBytes())
	require.NoError(t, err)
	assert.Equal(t, Request, msg.Type)
	assert.Equal(t, netaddr.IPv4(192, 168, 1, 120), msg.RequestedIP)
	assert.Equal(t, netaddr.IPv4(192, 168, 1, 1), msg.ServerID)
}

func TestInterop_GopacketDecodesAck(t *testing.T) {
	ack := offerFixture(t)
	ack.Type = Ack
	ack.RenewalTime = 12 * time.Hour
	b, err := Encode(ack)
	require.NoError(t, err)

	var pkt layers.DHCPv4
	require.NoError(t, pkt.DecodeFromBytes(b, gopacket.NilDecodeFeedback))

	assert.Equal(t, layers.DHCPOpReply, pkt.Operation)
	assert.Equal(t, uint32(0x11223344), pkt.Xid)
	assert.True(t, pkt.YourClientIP.Equal(net.IPv4(192, 168, 1, 100)))

	opts := make(map[layers.DHCPOpt][]byte)
	for _, opt := range pkt.Options {
		opts[opt.Type] = opt.Data
	}
	assert.Equal(t, []byte{byte(layers.DHCPMsgTypeAck)}, opts[layers.DHCPOptMessageType])
	assert.Equal(t, uint32(86400), binary.BigEndian.Uint32(opts[layers.DHCPOptLeaseTime]))
	assert.Equal(t, uint32(43200), binary.BigEndian.Uint32(opts[layers.DHCPOptT1]))
}

func TestInterop_DecodeGopacketRequest(t *testing.T) {
	mac := mustMAC(t, "aa:bb:cc:dd:ee:03")
	req := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          99,
		ClientIP:     net.IPv4(192, 168, 1, 130),
		ClientHWAddr: mac,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeRequest)}),
			layers.NewDHCPOption(layers.DHCPOptHostname, []byte("printer")),
		},
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, req))

	msg, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, Request, msg.Type)
	assert.Equal(t, uint32(99), msg.XID)
	assert.Equal(t, netaddr.IPv4(192, 168, 1, 130), msg.ClientIP)
	assert.Equal(t, "printer", msg.Hostname)
	assert.Equal(t, mac, msg.HardwareAddr)
}

func TestInterop_NetbootDecodesOffer(t *testing.T) {
	b, err := Encode(offerFixture(t))
	require.NoError(t, err)

	pkt, err := dhcp4.Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, dhcp4.MsgOffer, pkt.Type)
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44}, []byte(pkt.TransactionID))
	assert.Equal(t, "aa:bb:cc:dd:ee:01", pkt.HardwareAddr.String())
	assert.True(t, pkt.YourAddr.Equal(net.IPv4(192, 168, 1, 100)))
	assert.True(t, pkt.Broadcast)
}

package handshake

import (
	"time"

	"inet.af/netaddr"

	"github.com/lovi-cloud/dhcp4d/dhcpd"
	"github.com/lovi-cloud/dhcp4d/dhcpd/wire"
)

// reply copies the fields a client matches replies on and adds the subnet options.
func (e *Engine) reply(req Request, t wire.MessageType) *wire.Message {
	msg := req.Message
	r := &wire.Message{
		Op:           wire.BootReply,
		HType:        msg.HType,
		HLen:         msg.HLen,
		XID:          msg.XID,
		Flags:        msg.Flags,
		GatewayIP:    msg.GatewayIP,
		HardwareAddr: msg.HardwareAddr,
		Type:         t,
		ServerID:     req.ServerID,
	}
	if t == wire.Nak {
		return r
	}

	subnet := req.Subnet
	r.SubnetMask = subnet.Network.Mask()
	if !subnet.Gateway.IsZero() {
		r.Routers = []netaddr.IP{subnet.Gateway.IP}
	}
	if len(subnet.DNSServers) > 0 {
		r.DNSServers = subnet.DNSServers.Addrs()
	}
	r.DomainName = subnet.DomainName
	return r
}

func (e *Engine) nak(req Request) *wire.Message {
	return e.reply(req, wire.Nak)
}

func (e *Engine) ack(req Request, lease *dhcpd.Lease) *wire.Message {
	r := e.reply(req, wire.Ack)
	r.ClientIP = req.Message.ClientIP
	r.YourIP = lease.IPAddress.IP

	// a renewal may keep a later end than the client asked for
	d := lease.LeaseEnd.Sub(e.clock.Now()).Round(time.Second)
	r.LeaseTime = d
	r.RenewalTime = d / 2
	r.RebindingTime = d * 7 / 8
	return r
}

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"time"

	"inet.af/netaddr"
)

const (
	headerLen = 236
	minLen    = headerLen + 4
	// MinPacketLen is the BOOTP minimum message size replies are padded to.
	MinPacketLen = 300

	snameLen  = 64
	fileLen   = 128
	chaddrLen = 16
)

var magicCookie = []byte{99, 130, 83, 99}

// Decode parses a DHCP message.
func Decode(b []byte) (*Message, error) {
	if len(b) < minLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}
	m := &Message{
		Op:    OpCode(b[0]),
		HType: b[1],
		HLen:  b[2],
		Hops:  b[3],
	}
	if m.Op != BootRequest && m.Op != BootReply {
		return nil, fmt.Errorf("%w: op %d", ErrBadHeader, m.Op)
	}
	if m.HLen > chaddrLen {
		return nil, fmt.Errorf("%w: hlen %d", ErrBadHeader, m.HLen)
	}
	if !bytes.Equal(b[headerLen:minLen], magicCookie) {
		return nil, fmt.Errorf("%w: % x", ErrBadMagicCookie, b[headerLen:minLen])
	}
	m.XID = binary.BigEndian.Uint32(b[4:8])
	m.Secs = binary.BigEndian.Uint16(b[8:10])
	m.Flags = binary.BigEndian.Uint16(b[10:12])
	m.ClientIP = readAddr(b[12:16])
	m.YourIP = readAddr(b[16:20])
	m.ServerIP = readAddr(b[20:24])
	m.GatewayIP = readAddr(b[24:28])
	if m.HLen > 0 {
		m.HardwareAddr = append(net.HardwareAddr(nil), b[28:28+int(m.HLen)]...)
	}
	m.ServerName = cString(b[44 : 44+snameLen])
	m.BootFile = cString(b[108 : 108+fileLen])

	opts, err := parseOptions(b[minLen:])
	if err != nil {
		return nil, err
	}
	hasType := false
	for _, opt := range opts {
		if opt.Code == OptMessageType {
			hasType = true
		}
		if err := m.setOption(opt); err != nil {
			return nil, err
		}
	}
	if !hasType {
		return nil, ErrMissingMessageType
	}
	return m, nil
}

// parseOptions splits the options area. Repeated codes are concatenated (RFC 3396).
func parseOptions(b []byte) ([]Option, error) {
	var opts []Option
	index := make(map[OptionCode]int)
	for i := 0; i < len(b); {
		code := OptionCode(b[i])
		switch code {
		case OptPad:
			i++
			continue
		case OptEnd:
			return opts, nil
		}
		if i+1 >= len(b) {
			return nil, fmt.Errorf("%w: option %d has no length", ErrMalformedOption, code)
		}
		n := int(b[i+1])
		if i+2+n > len(b) {
			return nil, fmt.Errorf("%w: option %d length %d overruns packet", ErrMalformedOption, code, n)
		}
		data := b[i+2 : i+2+n]
		if j, ok := index[code]; ok {
			opts[j].Data = append(opts[j].Data, data...)
		} else {
			index[code] = len(opts)
			opts = append(opts, Option{Code: code, Data: append([]byte(nil), data...)})
		}
		i += 2 + n
	}
	// a missing end marker is tolerated
	return opts, nil
}

func (m *Message) setOption(opt Option) error {
	d := opt.Data
	var err error
	switch opt.Code {
	case OptMessageType:
		if len(d) != 1 {
			return malformed(opt)
		}
		m.Type = MessageType(d[0])
	case OptSubnetMask:
		m.SubnetMask, err = fixedAddr(opt)
	case OptRequestedIP:
		m.RequestedIP, err = fixedAddr(opt)
	case OptServerIdentifier:
		m.ServerID, err = fixedAddr(opt)
	case OptRouter:
		m.Routers, err = addrList(opt)
	case OptDNSServers:
		m.DNSServers, err = addrList(opt)
	case OptLeaseTime:
		m.LeaseTime, err = seconds(opt)
	case OptRenewalTime:
		m.RenewalTime, err = seconds(opt)
	case OptRebindingTime:
		m.RebindingTime, err = seconds(opt)
	case OptHostname:
		if len(d) == 0 {
			return malformed(opt)
		}
		m.Hostname = cString(d)
	case OptDomainName:
		if len(d) == 0 {
			return malformed(opt)
		}
		m.DomainName = cString(d)
	case OptParameterList:
		if len(d) == 0 {
			return malformed(opt)
		}
		m.ParameterList = make([]OptionCode, len(d))
		for i, c := range d {
			m.ParameterList[i] = OptionCode(c)
		}
	default:
		m.Unknown = append(m.Unknown, opt)
	}
	return err
}

// Encode serializes m. Replies are padded to MinPacketLen.
func Encode(m *Message) ([]byte, error) {
	if m.Type == 0 {
		return nil, fmt.Errorf("failed to encode message: message type is not set")
	}
	if len(m.HardwareAddr) > chaddrLen {
		return nil, fmt.Errorf("failed to encode message: hardware address is %d bytes", len(m.HardwareAddr))
	}
	if len(m.ServerName) > snameLen || len(m.BootFile) > fileLen {
		return nil, fmt.Errorf("failed to encode message: sname or file too long")
	}

	b := make([]byte, minLen, 576)
	b[0] = byte(m.Op)
	b[1] = m.HType
	if b[1] == 0 {
		b[1] = 1
	}
	b[2] = m.HLen
	if b[2] == 0 {
		b[2] = byte(len(m.HardwareAddr))
	}
	b[3] = m.Hops
	binary.BigEndian.PutUint32(b[4:8], m.XID)
	binary.BigEndian.PutUint16(b[8:10], m.Secs)
	binary.BigEndian.PutUint16(b[10:12], m.Flags)
	writeAddr(b[12:16], m.ClientIP)
	writeAddr(b[16:20], m.YourIP)
	writeAddr(b[20:24], m.ServerIP)
	writeAddr(b[24:28], m.GatewayIP)
	copy(b[28:28+chaddrLen], m.HardwareAddr)
	copy(b[44:44+snameLen], m.ServerName)
	copy(b[108:108+fileLen], m.BootFile)
	copy(b[headerLen:minLen], magicCookie)

	b = appendOption(b, OptMessageType, []byte{byte(m.Type)})
	if !m.ServerID.IsZero() {
		b = appendAddrs(b, OptServerIdentifier, m.ServerID)
	}
	if m.LeaseTime > 0 {
		b = appendSeconds(b, OptLeaseTime, m.LeaseTime)
	}
	if m.RenewalTime > 0 {
		b = appendSeconds(b, OptRenewalTime, m.RenewalTime)
	}
	if m.RebindingTime > 0 {
		b = appendSeconds(b, OptRebindingTime, m.RebindingTime)
	}
	if !m.SubnetMask.IsZero() {
		b = appendAddrs(b, OptSubnetMask, m.SubnetMask)
	}
	if len(m.Routers) > 0 {
		b = appendAddrs(b, OptRouter, m.Routers...)
	}
	if len(m.DNSServers) > 0 {
		b = appendAddrs(b, OptDNSServers, m.DNSServers...)
	}
	if m.DomainName != "" {
		b = appendOption(b, OptDomainName, []byte(m.DomainName))
	}
	if m.Hostname != "" {
		b = appendOption(b, OptHostname, []byte(m.Hostname))
	}
	if !m.RequestedIP.IsZero() {
		b = appendAddrs(b, OptRequestedIP, m.RequestedIP)
	}
	if len(m.ParameterList) > 0 {
		codes := make([]byte, len(m.ParameterList))
		for i, c := range m.ParameterList {
			codes[i] = byte(c)
		}
		b = appendOption(b, OptParameterList, codes)
	}
	for _, opt := range m.Unknown {
		if opt.Code == OptPad || opt.Code == OptEnd {
			continue
		}
		b = appendOption(b, opt.Code, opt.Data)
	}
	b = append(b, byte(OptEnd))

	for len(b) < MinPacketLen {
		b = append(b, byte(OptPad))
	}
	return b, nil
}

func appendOption(b []byte, code OptionCode, data []byte) []byte {
	if len(data) == 0 {
		return append(b, byte(code), 0)
	}
	for len(data) > 0 {
		n := len(data)
		if n > math.MaxUint8 {
			n = math.MaxUint8
		}
		b = append(b, byte(code), byte(n))
		b = append(b, data[:n]...)
		data = data[n:]
	}
	return b
}

func appendAddrs(b []byte, code OptionCode, addrs ...netaddr.IP) []byte {
	data := make([]byte, 0, 4*len(addrs))
	for _, ip := range addrs {
		a := ip.As4()
		data = append(data, a[:]...)
	}
	return appendOption(b, code, data)
}

func appendSeconds(b []byte, code OptionCode, d time.Duration) []byte {
	secs := d / time.Second
	if secs > math.MaxUint32 {
		secs = math.MaxUint32
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, uint32(secs))
	return appendOption(b, code, data)
}

func malformed(opt Option) error {
	return fmt.Errorf("%w: option %d with %d bytes", ErrMalformedOption, opt.Code, len(opt.Data))
}

func fixedAddr(opt Option) (netaddr.IP, error) {
	if len(opt.Data) != 4 {
		return netaddr.IP{}, malformed(opt)
	}
	return netaddr.IPFrom4([4]byte{opt.Data[0], opt.Data[1], opt.Data[2], opt.Data[3]}), nil
}

func addrList(opt Option) ([]netaddr.IP, error) {
	if len(opt.Data) == 0 || len(opt.Data)%4 != 0 {
		return nil, malformed(opt)
	}
	ret := make([]netaddr.IP, 0, len(opt.Data)/4)
	for i := 0; i < len(opt.Data); i += 4 {
		ret = append(ret, netaddr.IPFrom4([4]byte{opt.Data[i], opt.Data[i+1], opt.Data[i+2], opt.Data[i+3]}))
	}
	return ret, nil
}

func seconds(opt Option) (time.Duration, error) {
	if len(opt.Data) != 4 {
		return 0, malformed(opt)
	}
	return time.Duration(binary.BigEndian.Uint32(opt.Data)) * time.Second, nil
}

func readAddr(b []byte) netaddr.IP {
	a := [4]byte{b[0], b[1], b[2], b[3]}
	if a == [4]byte{} {
		return netaddr.IP{}
	}
	return netaddr.IPFrom4(a)
}

func writeAddr(b []byte, ip netaddr.IP) {
	if ip.IsZero() {
		return
	}
	a := ip.As4()
	copy(b, a[:])
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

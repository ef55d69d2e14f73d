package transport

import (
	"net"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Multicaster is a two-phase datagram device: Initialise creates a raw UDP
// socket for one address family, SetInterface selects the outgoing
// interface, then PublishToGroup and SubscribeToGroup arm the send and
// receive sides independently. The send drain bypasses resolution by
// reusing a kernel-ready sockaddr cached at publish time.
type Multicaster struct {
	NetworkDevice

	version     IPVersion
	initialised bool

	iface    Iface
	ifaceSet bool

	published      unix.Sockaddr
	publishedAddr  HostAddr
	subscribedAddr HostAddr
}

func NewMulticaster() *Multicaster {
	m := &Multicaster{version: IPAny}
	m.initNetwork(m, "Multicaster")
	return m
}

// deviceIsReady also requires a published group sockaddr, so async sends are
// rejected until the sender side has been armed.
func (m *Multicaster) deviceIsReady() bool {
	return m.published != nil && m.initialised
}

func (m *Multicaster) DeInitialise() {
	m.initialised = false
	m.published = nil
	m.destroyHandle()
}

// Initialise creates the multicast socket for one concrete address family.
// An Any hint is rejected: group membership and interface options are
// family-specific.
func (m *Multicaster) Initialise(version IPVersion) Status {
	m.DeInitialise()

	var domain int

	switch version {
	case IPv4:
		domain = unix.AF_INET
	case IPv6:
		domain = unix.AF_INET6
	default:
		m.setKindError(ErrCodeInvalidLogic, "ip version cannot be Any")
		return NOK
	}

	fd, err := unix.Socket(domain, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		m.setSysError(err, "unable to create socket")
		return NOK
	}

	m.registerNewHandle(fd)
	m.version = version
	m.initialised = true

	return OK
}

func (m *Multicaster) IsInitialised() bool { return m.initialised }

func (m *Multicaster) SetInterfaceRecord(iface Iface) Status {
	return m.SetInterface(iface.Name)
}

// SetInterface selects the interface used for outgoing multicast. The name
// must exist and carry an address of the initialised family.
func (m *Multicaster) SetInterface(name string) Status {
	m.iface = Iface{}
	m.ifaceSet = false

	if !m.initialised {
		m.setKindError(ErrCodeInvalidLogic, "multicaster has not been initialised yet")
		return NOK
	}

	ifaces, err := allInterfaces()
	if err != nil {
		m.setKindError(ErrCodeGeneral, "unable to enumerate interfaces: "+err.Error())
		return NOK
	}

	var v4, v6 *Iface

	for i := range ifaces {
		if ifaces[i].Name != name {
			continue
		}
		switch ifaces[i].Version {
		case IPv4:
			if v4 == nil {
				v4 = &ifaces[i]
			}
		case IPv6:
			if v6 == nil {
				v6 = &ifaces[i]
			}
		}
	}

	if v4 == nil && v6 == nil {
		m.setKindError(ErrCodeInvalidArgument, "provided interface does not exist")
		return NOK
	}

	if m.version == IPv4 && v4 == nil {
		m.setKindError(ErrCodeInvalidLogic,
			"multicaster was initialised as ipv4 but the interface only supports ipv6")
		return NOK
	}

	if m.version == IPv6 && v6 == nil {
		m.setKindError(ErrCodeInvalidLogic,
			"multicaster was initialised as ipv6 but the interface only supports ipv4")
		return NOK
	}

	handle, _ := m.Handle()

	if m.version == IPv4 {
		ip := net.ParseIP(v4.Addr).To4()
		if ip == nil {
			m.setKindError(ErrCodeInvalidArgument, "interface address is not a valid ipv4 address")
			return NOK
		}

		var addr [4]byte
		copy(addr[:], ip)

		if err := unix.SetsockoptInet4Addr(handle, unix.IPPROTO_IP, unix.IP_MULTICAST_IF, addr); err != nil {
			m.setSysError(err, "unable to set outgoing multicast interface")
			return NOK
		}

		m.iface = *v4
	} else {
		sysIface, err := net.InterfaceByName(name)
		if err != nil {
			m.setKindError(ErrCodeInvalidArgument, "provided interface does not exist")
			return NOK
		}

		if err := unix.SetsockoptInt(handle, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_IF, sysIface.Index); err != nil {
			m.setSysError(err, "unable to set outgoing multicast interface")
			return NOK
		}

		m.iface = *v6
	}

	m.ifaceSet = true

	return OK
}

// groupSockaddr validates that group is inside the multicast range of the
// initialised family and converts it to a kernel sockaddr.
func (m *Multicaster) groupSockaddr(group HostAddr) (unix.Sockaddr, Status) {
	ip := net.ParseIP(group.IP)
	if ip == nil {
		m.setKindError(ErrCodeInvalidArgument, "provided address is invalid")
		return nil, NOK
	}

	if m.version == IPv4 {
		v4 := ip.To4()
		if v4 == nil {
			m.setKindError(ErrCodeInvalidArgument, "provided address is not an ipv4 address")
			return nil, NOK
		}

		// 224.0.0.0/4
		if v4[0]&0xF0 != 0xE0 {
			m.setKindError(ErrCodeInvalidArgument, "provided address is not a multicast address")
			return nil, NOK
		}

		sa := &unix.SockaddrInet4{Port: int(group.Port)}
		copy(sa.Addr[:], v4)
		return sa, OK
	}

	v6 := ip.To16()
	if v6 == nil || ip.To4() != nil {
		m.setKindError(ErrCodeInvalidArgument, "provided address is not an ipv6 address")
		return nil, NOK
	}

	// FF00::/8
	if v6[0] != 0xFF {
		m.setKindError(ErrCodeInvalidArgument, "provided address is not a multicast address")
		return nil, NOK
	}

	sa := &unix.SockaddrInet6{Port: int(group.Port)}
	copy(sa.Addr[:], v6)
	return sa, OK
}

// PublishToGroup validates the group address, caches a kernel-ready
// sockaddr for the write drain and marks the sender side ready.
func (m *Multicaster) PublishToGroup(group HostAddr) Status {
	if !m.initialised {
		m.setKindError(ErrCodeInvalidLogic, "multicaster has not been initialised yet")
		return NOK
	}

	m.published = nil

	sa, status := m.groupSockaddr(group)
	if status == NOK {
		return NOK
	}

	m.published = sa
	m.publishedAddr = group

	return OK
}

func (m *Multicaster) PublishedGroup() HostAddr { return m.publishedAddr }

func (m *Multicaster) SubscribedGroup() HostAddr { return m.subscribedAddr }

// SubscribeToGroup joins the group on the selected interface and binds the
// socket to the group address so its datagrams are received.
func (m *Multicaster) SubscribeToGroup(group HostAddr) Status {
	if !m.initialised {
		m.setKindError(ErrCodeInvalidLogic, "multicaster has not been initialised yet")
		return NOK
	}

	if !m.ifaceSet {
		m.setKindError(ErrCodeInvalidLogic, "interface has not been set")
		return NOK
	}

	sa, status := m.groupSockaddr(group)
	if status == NOK {
		return NOK
	}

	handle, _ := m.Handle()

	if m.version == IPv4 {
		mreq := &unix.IPMreq{}
		copy(mreq.Multiaddr[:], sa.(*unix.SockaddrInet4).Addr[:])

		ifaceIP := net.ParseIP(m.iface.Addr).To4()
		if ifaceIP != nil {
			copy(mreq.Interface[:], ifaceIP)
		}

		if err := unix.SetsockoptIPMreq(handle, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
			m.setSysError(err, "unable to join multicast group")
			return NOK
		}
	} else {
		mreq := &unix.IPv6Mreq{}
		copy(mreq.Multiaddr[:], sa.(*unix.SockaddrInet6).Addr[:])

		if sysIface, err := net.InterfaceByName(m.iface.Name); err == nil {
			mreq.Interface = uint32(sysIface.Index)
		}

		if err := unix.SetsockoptIPv6Mreq(handle, unix.IPPROTO_IPV6, unix.IPV6_ADD_MEMBERSHIP, mreq); err != nil {
			m.setSysError(err, "unable to join multicast group")
			return NOK
		}
	}

	if err := unix.Bind(handle, sa); err != nil {
		m.setSysError(err, "unable to bind group address")
		return NOK
	}

	m.subscribedAddr = group

	return OK
}

// SetLoopback toggles whether this host receives its own multicast sends.
func (m *Multicaster) SetLoopback(enable bool) Status {
	if !m.initialised {
		m.setKindError(ErrCodeInvalidLogic, "multicaster has not been initialised yet")
		return NOK
	}

	value := 0
	if enable {
		value = 1
	}

	handle, _ := m.Handle()

	var err error
	if m.version == IPv4 {
		err = unix.SetsockoptInt(handle, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, value)
	} else {
		err = unix.SetsockoptInt(handle, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_LOOP, value)
	}

	if err != nil {
		m.setSysError(err, "unable to set multicast loopback")
		return NOK
	}

	return OK
}

// ReadyWrite drains queued payloads through the cached group sockaddr,
// bypassing per-item resolution. Addressed items and the empty-queue
// read re-arm fall through to the network drain.
func (m *Multicaster) ReadyWrite() {
	if m.outgoing.Length() == 0 {
		m.NetworkDevice.ReadyWrite()
		return
	}

	handle, ok := m.Handle()
	if !ok || m.published == nil {
		m.logError("write readiness without a published group")
		m.outgoing.Remove()
		return
	}

	front := m.outgoing.Peek().(Payload)

	if err := unix.Sendto(handle, front.bytes(), 0, m.published); err != nil {
		m.logError("unable to send to group", zap.Error(err))
	}

	m.outgoing.Remove()
	m.requestWrite()
}

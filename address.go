package transport

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// IPVersion is the resolution hint selecting which address families a host
// string may resolve to.
type IPVersion int

const (
	IPAny IPVersion = iota
	IPv4
	IPv6
)

func (v IPVersion) String() string {
	switch v {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	}
	return "Any"
}

// HostAddr is a textual IP (or resolvable hostname) plus a port in host
// order.
type HostAddr struct {
	IP   string
	Port uint16
}

func (a HostAddr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// ConnectedHost pairs a host address with the hint used to resolve it.
type ConnectedHost struct {
	Addr HostAddr
	Hint IPVersion
}

// NetworkMessage is one received datagram or stream chunk plus its peer.
type NetworkMessage struct {
	Data []byte
	Peer HostAddr
}

// resolvedAddr is one usable endpoint out of a resolution pass.
type resolvedAddr struct {
	family   int
	sockaddr unix.Sockaddr
}

// resolveAddress enumerates the platform resolver's results for (ip, port)
// filtered by the version hint.
func resolveAddress(host HostAddr, hint IPVersion) ([]resolvedAddr, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), host.IP)
	if err != nil {
		return nil, err
	}

	var out []resolvedAddr

	for _, ip := range ips {
		if v4 := ip.IP.To4(); v4 != nil {
			if hint == IPv6 {
				continue
			}
			sa := &unix.SockaddrInet4{Port: int(host.Port)}
			copy(sa.Addr[:], v4)
			out = append(out, resolvedAddr{family: unix.AF_INET, sockaddr: sa})
			continue
		}

		if hint == IPv4 {
			continue
		}

		sa := &unix.SockaddrInet6{Port: int(host.Port)}
		copy(sa.Addr[:], ip.IP.To16())
		if ip.Zone != "" {
			if iface, ierr := net.InterfaceByName(ip.Zone); ierr == nil {
				sa.ZoneId = uint32(iface.Index)
			}
		}
		out = append(out, resolvedAddr{family: unix.AF_INET6, sockaddr: sa})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no %s addresses for %s", hint, host)
	}

	return out, nil
}

// sockaddrToHostAddr converts a kernel sockaddr back to its textual form.
func sockaddrToHostAddr(sa unix.Sockaddr) (HostAddr, bool) {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return HostAddr{
			IP:   net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3]).String(),
			Port: uint16(addr.Port),
		}, true
	case *unix.SockaddrInet6:
		return HostAddr{
			IP:   net.IP(addr.Addr[:]).String(),
			Port: uint16(addr.Port),
		}, true
	}
	return HostAddr{}, false
}

// wildcardAddr expands a bare port into the unspecified address for the
// hinted family. An Any hint binds the IPv6 wildcard, which on Linux also
// accepts IPv4 peers.
func wildcardAddr(port uint16, hint IPVersion) (HostAddr, IPVersion) {
	if hint == IPv4 {
		return HostAddr{IP: "0.0.0.0", Port: port}, IPv4
	}
	return HostAddr{IP: "::", Port: port}, IPv6
}

// Iface is one local interface address usable for multicast selection.
type Iface struct {
	Name    string
	Addr    string
	Version IPVersion
}

// allInterfaces lists every (interface, address) pair on the host, one row
// per address family occurrence.
func allInterfaces() ([]Iface, error) {
	sysIfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []Iface

	for _, sysIface := range sysIfaces {
		addrs, err := sysIface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}

			version := IPv6
			if ipNet.IP.To4() != nil {
				version = IPv4
			}

			out = append(out, Iface{
				Name:    sysIface.Name,
				Addr:    ipNet.IP.String(),
				Version: version,
			})
		}
	}

	return out, nil
}

package transport

import (
	"time"

	"golang.org/x/sys/unix"
)

// UDPSender owns a connected datagram socket so plain sends go to a single
// destination. On error readiness it reconnects to the last host.
type UDPSender struct {
	NetworkDevice

	host      ConnectedHost
	connected bool
}

func NewUDPSender() *UDPSender {
	s := &UDPSender{}
	s.initNetwork(s, "UDPSender")
	return s
}

// Connect tears down any previous socket, then creates and connects a
// datagram socket to host.
func (s *UDPSender) Connect(host HostAddr, hint IPVersion) Status {
	s.Disconnect()

	if s.createAndConnectSocket(host, hint, unix.SOCK_DGRAM) == OK {
		s.connected = true
		s.host = ConnectedHost{Addr: host, Hint: hint}
		return OK
	}

	return NOK
}

func (s *UDPSender) Disconnect() {
	s.destroyHandle()
	s.connected = false
}

func (s *UDPSender) IsConnected() bool { return s.connected }

func (s *UDPSender) ConnectedHost() ConnectedHost { return s.host }

func (s *UDPSender) ReadyError() {
	s.Connect(s.host.Addr, s.host.Hint)
}

// UDPReceiver binds a datagram socket and delivers incoming datagrams with
// their source address through the message callback.
type UDPReceiver struct {
	NetworkDevice

	addr  ConnectedHost
	bound bool
}

func NewUDPReceiver() *UDPReceiver {
	r := &UDPReceiver{}
	r.initNetwork(r, "UDPReceiver")
	return r
}

// Bind creates and binds a datagram socket on host.
func (r *UDPReceiver) Bind(host HostAddr, hint IPVersion) Status {
	r.Disconnect()

	if r.createAndBindSocket(host, hint, unix.SOCK_DGRAM) == OK {
		r.bound = true
		r.addr = ConnectedHost{Addr: host, Hint: hint}
		return OK
	}

	return NOK
}

// BindPort binds the wildcard address for the hinted family on port.
func (r *UDPReceiver) BindPort(port uint16, hint IPVersion) Status {
	addr, resolvedHint := wildcardAddr(port, hint)
	return r.Bind(addr, resolvedHint)
}

func (r *UDPReceiver) Disconnect() {
	r.destroyHandle()
	r.bound = false
}

func (r *UDPReceiver) IsBound() bool { return r.bound }

func (r *UDPReceiver) BoundAddr() ConnectedHost { return r.addr }

// UDPClient is a sender that also receives, supporting synchronous
// request/response against a single host.
type UDPClient struct {
	NetworkDevice

	host      ConnectedHost
	connected bool
}

func NewUDPClient() *UDPClient {
	c := &UDPClient{}
	c.initNetwork(c, "UDPClient")
	return c
}

func (c *UDPClient) Connect(host HostAddr, hint IPVersion) Status {
	c.Disconnect()

	if c.createAndConnectSocket(host, hint, unix.SOCK_DGRAM) == OK {
		c.connected = true
		c.host = ConnectedHost{Addr: host, Hint: hint}
		return OK
	}

	return NOK
}

func (c *UDPClient) Disconnect() {
	c.connected = false
	c.destroyHandle()
}

func (c *UDPClient) IsConnected() bool { return c.connected }

func (c *UDPClient) ConnectedHost() ConnectedHost { return c.host }

// SyncRequestResponse sends data synchronously and waits for a reply
// datagram up to timeout. A negative timeout waits indefinitely.
func (c *UDPClient) SyncRequestResponse(data []byte, timeout time.Duration) ReceivedData {
	if c.SyncSend(OwnedPayload(data)) == NOK {
		return ReceivedData{Code: NOK}
	}

	return c.SyncReceive(timeout)
}

func (c *UDPClient) ReadyError() {
	if c.Connect(c.host.Addr, c.host.Hint) == NOK {
		c.logLastError("reconnect after error readiness failed")
	}
}

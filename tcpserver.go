package transport

import (
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// TCPAcceptor owns a listening stream socket. Each accepted connection
// becomes a TCPPeer device registered on the acceptor's engine and handed
// to the new-peer handler, which takes ownership.
type TCPAcceptor struct {
	NetworkDevice

	addr      ConnectedHost
	bound     bool
	onNewPeer func(peer *TCPPeer)
}

func NewTCPAcceptor() *TCPAcceptor {
	a := &TCPAcceptor{}
	a.initNetwork(a, "TCPAcceptor")
	return a
}

// SetNewPeerHandler installs the handler that receives accepted peers.
func (a *TCPAcceptor) SetNewPeerHandler(handler func(peer *TCPPeer)) {
	a.onNewPeer = handler
}

func (a *TCPAcceptor) IsBound() bool { return a.bound }

func (a *TCPAcceptor) BoundAddr() ConnectedHost { return a.addr }

// Bind creates and binds a stream socket on host, then puts it into listen
// mode.
func (a *TCPAcceptor) Bind(host HostAddr, hint IPVersion) Status {
	a.Disconnect()

	if a.createAndBindSocket(host, hint, unix.SOCK_STREAM) == OK {
		a.bound = true
		a.addr = ConnectedHost{Addr: host, Hint: hint}
		a.listen()
		return OK
	}

	return NOK
}

// BindPort binds the wildcard address for the hinted family on port.
func (a *TCPAcceptor) BindPort(port uint16, hint IPVersion) Status {
	addr, resolvedHint := wildcardAddr(port, hint)
	return a.Bind(addr, resolvedHint)
}

func (a *TCPAcceptor) Disconnect() {
	a.destroyHandle()
	a.bound = false
}

func (a *TCPAcceptor) listen() {
	handle, ok := a.Handle()
	if !ok {
		a.logWarn("listen requested without a device handle")
		return
	}

	if err := unix.Listen(handle, math.MaxInt32); err != nil {
		a.Disconnect()
		a.logError("unable to set socket into listen mode", zap.Error(err))
	}
}

// ReadyRead accepts one pending connection, wraps it in a TCPPeer, registers
// the peer on the same engine and notifies the new-peer handler.
func (a *TCPAcceptor) ReadyRead() {
	handle, ok := a.Handle()
	if !ok {
		return
	}

	fd, sa, err := unix.Accept(handle)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		a.logError("accept failed", zap.Error(err))
		return
	}

	peerAddr, known := sockaddrToHostAddr(sa)
	if !known {
		peerAddr = HostAddr{IP: "unknown"}
	}

	peer := newTCPPeer(fd, peerAddr)

	a.registerChild(peer)

	if a.onNewPeer != nil {
		a.onNewPeer(peer)
	}

	// re-arm; a no-op on an already listening socket but documents intent
	a.listen()
}

func (a *TCPAcceptor) ReadyHangup() {
	a.destroyHandle()
	a.logError("acceptor socket hung up")
}

// TCPPeer is one accepted connection. Its request handler may return a
// response payload which the peer sends back synchronously; an empty drain
// on readability means the peer went away.
type TCPPeer struct {
	NetworkDevice

	peerAddr     HostAddr
	session      string
	connected    bool
	onRequest    func(request NetworkMessage) []byte
	onDisconnect func(peer *TCPPeer)
}

func newTCPPeer(handle int, peerAddr HostAddr) *TCPPeer {
	p := &TCPPeer{
		peerAddr: peerAddr,
		session:  uuid.NewString(),
	}
	p.initNetwork(p, "TCPPeer")
	p.registerNewHandle(handle)
	p.connected = true

	p.logDebug("peer accepted",
		zap.String("session", p.session),
		zap.String("peer", peerAddr.String()))

	return p
}

// SetRequestHandler installs the handler invoked with each inbound message.
// A non-empty return value is sent back to the peer synchronously.
func (p *TCPPeer) SetRequestHandler(handler func(request NetworkMessage) []byte) {
	p.onRequest = handler
}

// SetDisconnectHandler installs the handler fired once when the connection
// goes away.
func (p *TCPPeer) SetDisconnectHandler(handler func(peer *TCPPeer)) {
	p.onDisconnect = handler
}

func (p *TCPPeer) PeerAddr() HostAddr { return p.peerAddr }

func (p *TCPPeer) Session() string { return p.session }

func (p *TCPPeer) IsConnected() bool { return p.connected }

func (p *TCPPeer) ReadyRead() {
	data, err := p.readIOData()

	if len(data) == 0 {
		p.logDebug("peer closed connection", zap.String("session", p.session))
		p.peerDisconnected()
		return
	}

	if !err.IsZero() {
		p.logError("error reading descriptor", zap.String("error", err.Error()))
		return
	}

	p.handleRequest(NetworkMessage{Data: data, Peer: p.peerAddr})
}

func (p *TCPPeer) ReadyHangup() {
	p.peerDisconnected()
}

func (p *TCPPeer) ReadyPeerDisconnect() {
	p.peerDisconnected()
}

func (p *TCPPeer) peerDisconnected() {
	p.connected = false
	p.destroyHandle()

	if p.onDisconnect != nil {
		p.onDisconnect(p)
	}
}

func (p *TCPPeer) handleRequest(request NetworkMessage) {
	p.notifyNetCallback(request)

	if p.onRequest == nil {
		return
	}

	response := p.onRequest(request)
	if len(response) == 0 {
		p.logDebug("no response provided")
		return
	}

	if p.SyncSend(OwnedPayload(response)) == NOK {
		p.logLastError("unable to send response to peer")
	}
}

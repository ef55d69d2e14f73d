package transport

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// UDPServer binds a single datagram socket and classifies incoming
// datagrams by source address into logical UDPPeer entries. Sends without an
// explicit destination reuse the most recently seen peer; interleaving
// peers should use SendTo.
type UDPServer struct {
	NetworkDevice

	addr      ConnectedHost
	bound     bool
	lastPeer  HostAddr
	peerSeen  bool
	peers     []*UDPPeer
	onNewPeer func(first NetworkMessage, peer *UDPPeer)
}

func NewUDPServer() *UDPServer {
	s := &UDPServer{}
	s.initNetwork(s, "UDPServer")
	return s
}

// SetNewPeerHandler installs the handler that receives a synthetic peer the
// first time a source address is seen. The handler takes ownership of the
// peer.
func (s *UDPServer) SetNewPeerHandler(handler func(first NetworkMessage, peer *UDPPeer)) {
	s.onNewPeer = handler
}

// Bind creates and binds the server's datagram socket on host.
func (s *UDPServer) Bind(host HostAddr, hint IPVersion) Status {
	s.Disconnect()

	if s.createAndBindSocket(host, hint, unix.SOCK_DGRAM) == OK {
		s.bound = true
		s.addr = ConnectedHost{Addr: host, Hint: hint}
		return OK
	}

	return NOK
}

// BindPort binds the wildcard address for the hinted family on port.
func (s *UDPServer) BindPort(port uint16, hint IPVersion) Status {
	addr, resolvedHint := wildcardAddr(port, hint)
	return s.Bind(addr, resolvedHint)
}

func (s *UDPServer) IsBound() bool { return s.bound }

func (s *UDPServer) BoundAddr() ConnectedHost { return s.addr }

// Disconnect releases the socket and invalidates every synthetic peer, so
// their send paths start reporting DeviceNotReady.
func (s *UDPServer) Disconnect() {
	s.destroyHandle()
	s.bound = false

	for _, peer := range s.peers {
		peer.invalidate()
	}
}

// AsyncSend without a destination reuses the last received peer address.
func (s *UDPServer) AsyncSend(p Payload) Status {
	if !s.peerSeen {
		s.setKindError(ErrCodeDeviceNotReady,
			"a message must be received from a peer before destination-less sends")
		return NOK
	}

	return s.SendTo(s.lastPeer, p, IPAny)
}

// SyncSend without a destination reuses the last received peer address.
func (s *UDPServer) SyncSend(p Payload) Status {
	if !s.peerSeen {
		s.setKindError(ErrCodeDeviceNotReady,
			"a message must be received from a peer before destination-less sends")
		return NOK
	}

	return s.SyncSendTo(s.lastPeer, p, IPAny)
}

// ReadyRead receives one datagram, notifies the generic callback, then
// routes it: a known source address goes to that peer's message handler, an
// unknown one synthesizes a new peer for the new-peer handler.
func (s *UDPServer) ReadyRead() {
	message, err := s.receiveMessage()

	if !err.IsZero() {
		s.logError("error reading descriptor", zap.String("error", err.Error()))
		return
	}

	s.notifyNetCallback(message)

	s.lastPeer = message.Peer
	s.peerSeen = true

	for _, peer := range s.peers {
		if peer.addr.IP == message.Peer.IP && peer.addr.Port == message.Peer.Port {
			peer.notifyNewData(message)
			return
		}
	}

	if s.onNewPeer == nil {
		return
	}

	peer := newUDPPeer(s, message.Peer)

	s.logDebug("new synthetic peer",
		zap.String("session", peer.session),
		zap.String("peer", message.Peer.String()))

	s.onNewPeer(message, peer)
	s.peers = append(s.peers, peer)
}

func (s *UDPServer) peerClosed(peer *UDPPeer) {
	for i, existing := range s.peers {
		if existing == peer {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			return
		}
	}
}

// UDPPeer is a logical endpoint synthesized from a datagram source address.
// It owns no descriptor; sends delegate to the owning server while the peer
// stays valid. Once the server disconnects or the peer closes, every send
// path reports DeviceNotReady.
type UDPPeer struct {
	Base

	server    *UDPServer
	valid     bool
	addr      HostAddr
	session   string
	onMessage func(message NetworkMessage)
}

func newUDPPeer(server *UDPServer, addr HostAddr) *UDPPeer {
	p := &UDPPeer{
		server:  server,
		valid:   true,
		addr:    addr,
		session: uuid.NewString(),
	}
	p.init(p, "UDPPeer")
	return p
}

// SetMessageHandler installs the per-peer handler invoked with datagrams
// from this peer's address.
func (p *UDPPeer) SetMessageHandler(handler func(message NetworkMessage)) {
	p.onMessage = handler
}

func (p *UDPPeer) PeerAddress() HostAddr { return p.addr }

func (p *UDPPeer) IsValid() bool { return p.valid }

func (p *UDPPeer) Session() string { return p.session }

func (p *UDPPeer) notifyNewData(message NetworkMessage) {
	if p.onMessage != nil {
		p.onMessage(message)
	}
}

func (p *UDPPeer) invalidate() {
	p.valid = false
	p.server = nil
}

// Close detaches the peer from its server's peer list and invalidates it.
func (p *UDPPeer) Close() error {
	if p.server != nil {
		p.server.peerClosed(p)
	}
	p.invalidate()
	return p.Base.Close()
}

func (p *UDPPeer) serverOrNotReady() *UDPServer {
	if !p.valid || p.server == nil {
		p.setKindError(ErrCodeDeviceNotReady, "this peer requires a valid server instance")
		return nil
	}
	return p.server
}

// SendTo queues a datagram to an explicit destination via the server.
func (p *UDPPeer) SendTo(dest HostAddr, payload Payload, hint IPVersion) Status {
	server := p.serverOrNotReady()
	if server == nil {
		return NOK
	}
	return server.SendTo(dest, payload, hint)
}

// SyncSendTo sends a datagram to an explicit destination via the server.
func (p *UDPPeer) SyncSendTo(dest HostAddr, payload Payload, hint IPVersion) Status {
	server := p.serverOrNotReady()
	if server == nil {
		return NOK
	}
	return server.SyncSendTo(dest, payload, hint)
}

// AsyncSend queues a datagram to this peer's address.
func (p *UDPPeer) AsyncSend(payload Payload) Status {
	return p.SendTo(p.addr, payload, IPAny)
}

// SyncSend sends a datagram to this peer's address.
func (p *UDPPeer) SyncSend(payload Payload) Status {
	return p.SyncSendTo(p.addr, payload, IPAny)
}

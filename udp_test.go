package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPEcho(t *testing.T) {
	e := NewEngine()
	defer e.Close()

	receiver := NewUDPReceiver()
	defer receiver.Close()
	require.Equal(t, OK, e.RegisterDevice(receiver))
	require.Equal(t, OK, receiver.Bind(HostAddr{IP: "127.0.0.1", Port: 0}, IPv4),
		"receiver should bind an ephemeral port")

	bound, status := receiver.LocalAddress()
	require.Equal(t, OK, status)
	require.NotZero(t, bound.Port)

	var got []NetworkMessage
	receiver.SetMessageCallback(func(message NetworkMessage) {
		got = append(got, message)
	})

	sender := NewUDPSender()
	defer sender.Close()
	require.Equal(t, OK, e.RegisterDevice(sender))
	require.Equal(t, OK, sender.Connect(bound, IPv4), "sender should connect to the bound port")

	senderAddr, status := sender.LocalAddress()
	require.Equal(t, OK, status)

	require.Equal(t, OK, sender.AsyncSend(OwnedPayload([]byte{1, 2, 3, 4})))

	require.True(t, driveUntil(e, func() bool { return len(got) > 0 }),
		"the receiver should observe the datagram")

	assert.Equal(t, []byte{1, 2, 3, 4}, got[0].Data)
	assert.Equal(t, senderAddr.Port, got[0].Peer.Port,
		"peer port should equal the sender's local port")
}

func TestUDPServerSyntheticPeers(t *testing.T) {
	e := NewEngine()
	defer e.Close()

	server := NewUDPServer()
	defer server.Close()
	require.Equal(t, OK, e.RegisterDevice(server))
	require.Equal(t, OK, server.Bind(HostAddr{IP: "127.0.0.1", Port: 0}, IPv4))

	bound, status := server.LocalAddress()
	require.Equal(t, OK, status)

	var peers []*UDPPeer
	var peerMessages []NetworkMessage

	server.SetNewPeerHandler(func(first NetworkMessage, peer *UDPPeer) {
		peers = append(peers, peer)
		peer.SetMessageHandler(func(message NetworkMessage) {
			peerMessages = append(peerMessages, message)
		})
	})

	client := NewUDPClient()
	defer client.Close()
	require.Equal(t, OK, e.RegisterDevice(client))
	require.Equal(t, OK, client.Connect(bound, IPv4))

	clientAddr, status := client.LocalAddress()
	require.Equal(t, OK, status)

	var clientGot []NetworkMessage
	client.SetMessageCallback(func(message NetworkMessage) {
		clientGot = append(clientGot, message)
	})

	// first datagram synthesizes a peer
	require.Equal(t, OK, client.AsyncSend(OwnedPayload([]byte("hi"))))
	require.True(t, driveUntil(e, func() bool { return len(peers) == 1 }),
		"a synthetic peer should be created")

	peer := peers[0]
	assert.Equal(t, clientAddr.Port, peer.PeerAddress().Port,
		"synthetic peer should carry the datagram source address")
	assert.True(t, peer.IsValid())

	// a second datagram from the same source goes to the existing peer
	require.Equal(t, OK, client.AsyncSend(OwnedPayload([]byte("again"))))
	require.True(t, driveUntil(e, func() bool { return len(peerMessages) == 1 }),
		"the existing peer should receive follow-up datagrams")
	assert.Len(t, peers, 1, "no duplicate peer for a known source")
	assert.Equal(t, []byte("again"), peerMessages[0].Data)

	// the peer's send path delegates to the server
	require.Equal(t, OK, peer.AsyncSend(OwnedPayload([]byte("yo"))))
	require.True(t, driveUntil(e, func() bool { return len(clientGot) == 1 }),
		"the client should receive the peer's reply")
	assert.Equal(t, []byte("yo"), clientGot[0].Data)
}

func TestUDPServerLastPeerSend(t *testing.T) {
	e := NewEngine()
	defer e.Close()

	server := NewUDPServer()
	defer server.Close()
	require.Equal(t, OK, e.RegisterDevice(server))
	require.Equal(t, OK, server.Bind(HostAddr{IP: "127.0.0.1", Port: 0}, IPv4))

	bound, _ := server.LocalAddress()

	// destination-less sends require a previously seen peer
	require.Equal(t, NOK, server.AsyncSend(OwnedPayload([]byte("x"))))
	assert.Equal(t, ErrCodeDeviceNotReady, server.LastError().Code)

	client := NewUDPClient()
	defer client.Close()
	require.Equal(t, OK, e.RegisterDevice(client))
	require.Equal(t, OK, client.Connect(bound, IPv4))

	var clientGot []NetworkMessage
	client.SetMessageCallback(func(message NetworkMessage) {
		clientGot = append(clientGot, message)
	})

	var serverGot []NetworkMessage
	server.SetMessageCallback(func(message NetworkMessage) {
		serverGot = append(serverGot, message)
	})

	require.Equal(t, OK, client.AsyncSend(OwnedPayload([]byte("hello"))))
	require.True(t, driveUntil(e, func() bool { return len(serverGot) == 1 }))

	require.Equal(t, OK, server.AsyncSend(OwnedPayload([]byte("reply"))),
		"destination-less send should reuse the last peer")
	require.True(t, driveUntil(e, func() bool { return len(clientGot) == 1 }))
	assert.Equal(t, []byte("reply"), clientGot[0].Data)
}

func TestUDPServerDisconnectInvalidatesPeers(t *testing.T) {
	e := NewEngine()
	defer e.Close()

	server := NewUDPServer()
	defer server.Close()
	require.Equal(t, OK, e.RegisterDevice(server))
	require.Equal(t, OK, server.Bind(HostAddr{IP: "127.0.0.1", Port: 0}, IPv4))

	bound, _ := server.LocalAddress()

	var peers []*UDPPeer
	server.SetNewPeerHandler(func(first NetworkMessage, peer *UDPPeer) {
		peers = append(peers, peer)
	})

	client := NewUDPClient()
	defer client.Close()
	require.Equal(t, OK, e.RegisterDevice(client))
	require.Equal(t, OK, client.Connect(bound, IPv4))
	require.Equal(t, OK, client.AsyncSend(OwnedPayload([]byte("hi"))))

	require.True(t, driveUntil(e, func() bool { return len(peers) == 1 }))
	peer := peers[0]

	server.Disconnect()

	assert.False(t, peer.IsValid(), "peers should be invalidated on server disconnect")
	assert.Equal(t, NOK, peer.AsyncSend(OwnedPayload([]byte("x"))),
		"an invalidated peer must reject sends")
	assert.Equal(t, ErrCodeDeviceNotReady, peer.LastError().Code)
}

func TestUDPPeerCloseRemovesFromServer(t *testing.T) {
	e := NewEngine()
	defer e.Close()

	server := NewUDPServer()
	defer server.Close()
	require.Equal(t, OK, e.RegisterDevice(server))
	require.Equal(t, OK, server.Bind(HostAddr{IP: "127.0.0.1", Port: 0}, IPv4))

	bound, _ := server.LocalAddress()

	var peers []*UDPPeer
	server.SetNewPeerHandler(func(first NetworkMessage, peer *UDPPeer) {
		peers = append(peers, peer)
	})

	client := NewUDPClient()
	defer client.Close()
	require.Equal(t, OK, e.RegisterDevice(client))
	require.Equal(t, OK, client.Connect(bound, IPv4))
	require.Equal(t, OK, client.AsyncSend(OwnedPayload([]byte("hi"))))
	require.True(t, driveUntil(e, func() bool { return len(peers) == 1 }))

	peers[0].Close()

	assert.Empty(t, server.peers, "closing a peer should remove it from the server's list")

	// the same source now synthesizes a fresh peer
	require.Equal(t, OK, client.AsyncSend(OwnedPayload([]byte("hi again"))))
	require.True(t, driveUntil(e, func() bool { return len(peers) == 2 }),
		"a closed peer's source should be treated as new")
}

func TestUDPReceiverBindPortWildcard(t *testing.T) {
	receiver := NewUDPReceiver()
	defer receiver.Close()

	require.Equal(t, OK, receiver.BindPort(0, IPv4), "wildcard bind should succeed")
	assert.True(t, receiver.IsBound())
	assert.Equal(t, "0.0.0.0", receiver.BoundAddr().Addr.IP)

	addr, status := receiver.LocalAddress()
	require.Equal(t, OK, status)
	assert.NotZero(t, addr.Port, "an ephemeral port should have been assigned")
}

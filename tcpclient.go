package transport

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// TCPClient is a connection-oriented stream endpoint. A zero-byte drain on
// readability means the peer closed; the client then tears its handle down
// and fires the disconnect notification.
type TCPClient struct {
	NetworkDevice

	host         ConnectedHost
	connected    bool
	onDisconnect func(client *TCPClient)
}

func NewTCPClient() *TCPClient {
	c := &TCPClient{}
	c.initNetwork(c, "TCPClient")
	return c
}

// Connect tears down any previous connection, then creates and connects a
// stream socket to host.
func (c *TCPClient) Connect(host HostAddr, hint IPVersion) Status {
	c.Disconnect()

	if c.createAndConnectSocket(host, hint, unix.SOCK_STREAM) == OK {
		c.connected = true
		c.host = ConnectedHost{Addr: host, Hint: hint}
		return OK
	}

	return NOK
}

func (c *TCPClient) Disconnect() {
	c.destroyHandle()
	c.connected = false
}

func (c *TCPClient) IsConnected() bool { return c.connected }

func (c *TCPClient) ConnectedHost() ConnectedHost { return c.host }

// SetDisconnectCallback installs the handler fired when the peer closes.
func (c *TCPClient) SetDisconnectCallback(handler func(client *TCPClient)) {
	c.onDisconnect = handler
}

// SyncRequestResponse sends data synchronously and waits for the reply up to
// timeout. A negative timeout waits indefinitely.
func (c *TCPClient) SyncRequestResponse(data []byte, timeout time.Duration) ReceivedData {
	if c.SyncSend(OwnedPayload(data)) == NOK {
		return ReceivedData{Code: NOK}
	}

	return c.SyncReceive(timeout)
}

func (c *TCPClient) ReadyRead() {
	data, err := c.readIOData()

	if len(data) == 0 {
		c.logDebug("peer closed connection")
		c.peerDisconnected()
		return
	}

	if !err.IsZero() {
		c.logError("error reading descriptor", zap.String("error", err.Error()))
		return
	}

	c.notifyNetCallback(NetworkMessage{Data: data, Peer: c.host.Addr})
}

func (c *TCPClient) ReadyHangup() {
	c.logDebug("peer closed connection")
	c.peerDisconnected()
}

func (c *TCPClient) ReadyPeerDisconnect() {
	c.logDebug("peer closed connection")
	c.peerDisconnected()
}

func (c *TCPClient) peerDisconnected() {
	c.connected = false
	c.destroyHandle()

	if c.onDisconnect != nil {
		c.onDisconnect(c)
	}
}

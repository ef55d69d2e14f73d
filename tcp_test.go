package transport

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// driveInBackground ticks the engine from its own goroutine so synchronous
// client calls can be made from the test goroutine. The engine's tables are
// only ever touched from the driver goroutine until stop is called.
func driveInBackground(e *Engine) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				e.RunOnceFor(20 * time.Millisecond)
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func reverse(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[len(data)-1-i] = b
	}
	return out
}

func bindEchoAcceptor(t *testing.T, e *Engine, onPeer func(*TCPPeer)) (*TCPAcceptor, HostAddr) {
	t.Helper()

	acceptor := NewTCPAcceptor()
	require.Equal(t, OK, e.RegisterDevice(acceptor))
	require.Equal(t, OK, acceptor.Bind(HostAddr{IP: "127.0.0.1", Port: 0}, IPv4),
		"acceptor should bind an ephemeral port")

	acceptor.SetNewPeerHandler(onPeer)

	addr, status := acceptor.LocalAddress()
	require.Equal(t, OK, status, "bound port should be queryable")
	require.NotZero(t, addr.Port)

	return acceptor, addr
}

func TestTCPSyncRequestResponse(t *testing.T) {
	e := NewEngine()
	defer e.Close()

	acceptor, addr := bindEchoAcceptor(t, e, nil)
	acceptor.SetNewPeerHandler(func(peer *TCPPeer) {
		peer.SetRequestHandler(func(request NetworkMessage) []byte {
			return reverse(request.Data)
		})
	})

	stop := driveInBackground(e)
	defer stop()

	client := NewTCPClient()
	defer client.Close()

	require.Equal(t, OK, client.Connect(addr, IPv4), "client should connect")
	assert.True(t, client.IsConnected())

	resp := client.SyncRequestResponse([]byte{0x41, 0x42, 0x43}, time.Second)

	require.Equal(t, OK, resp.Code, "request/response should succeed")
	assert.Equal(t, []byte{0x43, 0x42, 0x41}, resp.Data, "server should reverse the payload")
}

func TestTCPPeerDisconnectDetection(t *testing.T) {
	e := NewEngine()
	defer e.Close()

	var disconnects atomic.Int32

	acceptor, addr := bindEchoAcceptor(t, e, nil)
	acceptor.SetNewPeerHandler(func(peer *TCPPeer) {
		peer.SetRequestHandler(func(request NetworkMessage) []byte {
			return request.Data
		})
		peer.SetDisconnectHandler(func(peer *TCPPeer) {
			disconnects.Add(1)
		})
	})

	stop := driveInBackground(e)

	client := NewTCPClient()
	require.Equal(t, OK, client.Connect(addr, IPv4))

	resp := client.SyncRequestResponse([]byte("ping"), time.Second)
	require.Equal(t, OK, resp.Code)

	client.Disconnect()

	assert.Eventually(t, func() bool { return disconnects.Load() == 1 },
		2*time.Second, 10*time.Millisecond,
		"the peer's disconnect handler should fire exactly once")

	stop()

	assert.Equal(t, int32(1), disconnects.Load())
	assert.Len(t, e.mapping, 1, "only the acceptor fd should remain registered")
}

func TestTCPWriteDrainFairness(t *testing.T) {
	e := NewEngine()
	defer e.Close()

	var mu sync.Mutex
	var received []byte

	acceptor, addr := bindEchoAcceptor(t, e, nil)
	acceptor.SetNewPeerHandler(func(peer *TCPPeer) {
		peer.SetMessageCallback(func(message NetworkMessage) {
			mu.Lock()
			received = append(received, message.Data...)
			mu.Unlock()
		})
	})

	client := NewTCPClient()
	defer client.Close()

	require.Equal(t, OK, client.Connect(addr, IPv4))
	require.Equal(t, OK, e.RegisterDevice(client))

	require.Equal(t, OK, client.AsyncSend(OwnedPayload([]byte("A"))))
	require.Equal(t, OK, client.AsyncSend(OwnedPayload([]byte("B"))))
	require.Equal(t, OK, client.AsyncSend(OwnedPayload([]byte("C"))))

	require.True(t, driveUntil(e, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3 && client.PendingWrites() == 0
	}), "all three items should drain")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("ABC"), received, "the peer must observe A, B, C in order")
	assert.Zero(t, client.PendingWrites(), "client queue should be empty")
}

func TestTCPClientConnectFailure(t *testing.T) {
	client := NewTCPClient()
	defer client.Close()

	// a privileged port with nothing listening on loopback
	status := client.Connect(HostAddr{IP: "127.0.0.1", Port: 1}, IPv4)

	assert.Equal(t, NOK, status, "connecting to a dead port should fail")
	assert.False(t, client.IsConnected())
	assert.False(t, client.LastError().IsZero(), "an error should be recorded")
}

package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// ioStub is a bare IODevice for exercising the stream paths directly.
type ioStub struct {
	IODevice
}

func newIOStub() *ioStub {
	s := &ioStub{}
	s.initIO(s, "IOStub")
	return s
}

func mustSocketpair(t *testing.T) (int, int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err, "socketpair creation should succeed")

	return fds[0], fds[1]
}

func TestSyncSendReceive(t *testing.T) {
	fd1, fd2 := mustSocketpair(t)

	a := newIOStub()
	a.registerNewHandle(fd1)
	defer a.Close()

	b := newIOStub()
	b.registerNewHandle(fd2)
	defer b.Close()

	require.Equal(t, OK, a.SyncSend(OwnedPayload([]byte("hello"))), "sync send should succeed")

	resp := b.SyncReceive(time.Second)
	require.Equal(t, OK, resp.Code, "sync receive should succeed")
	assert.Equal(t, []byte("hello"), resp.Data)
}

func TestSyncReceiveTimeout(t *testing.T) {
	fd1, fd2 := mustSocketpair(t)
	defer unix.Close(fd2)

	a := newIOStub()
	a.registerNewHandle(fd1)
	defer a.Close()

	start := time.Now()
	resp := a.SyncReceive(50 * time.Millisecond)

	assert.Equal(t, NOK, resp.Code, "receive with no data should time out")
	assert.Equal(t, ErrCodeTimeout, a.LastError().Code)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond,
		"timeout should not fire early")
}

func TestSyncReceiveWithoutHandle(t *testing.T) {
	a := newIOStub()

	resp := a.SyncReceive(10 * time.Millisecond)

	assert.Equal(t, NOK, resp.Code)
	assert.Equal(t, ErrCodeDeviceNotReady, a.LastError().Code)
}

func TestAsyncSendRequiresEngine(t *testing.T) {
	fd1, fd2 := mustSocketpair(t)
	defer unix.Close(fd2)

	a := newIOStub()
	a.registerNewHandle(fd1)
	defer a.Close()

	assert.Equal(t, NOK, a.AsyncSend(OwnedPayload([]byte("x"))),
		"async send without an engine should be rejected")
	assert.Equal(t, ErrCodeInvalidLogic, a.LastError().Code)
	assert.Zero(t, a.PendingWrites(), "rejected payload must not be queued")
}

func TestAsyncSendRequiresReadyDevice(t *testing.T) {
	e := NewEngine()

	a := newIOStub()
	e.RegisterDevice(a)

	assert.Equal(t, NOK, a.AsyncSend(OwnedPayload([]byte("x"))),
		"async send without a handle should be rejected")
	assert.Equal(t, ErrCodeInvalidLogic, a.LastError().Code)
}

func TestAsyncSendRejectsNilPayloadRef(t *testing.T) {
	e := NewEngine()

	fd1, fd2 := mustSocketpair(t)
	defer unix.Close(fd2)

	a := newIOStub()
	a.registerNewHandle(fd1)
	defer a.Close()
	require.Equal(t, OK, e.RegisterDevice(a))

	assert.Equal(t, NOK, a.AsyncSend(SharedPayload(nil)),
		"a nil shared reference should be rejected")
	assert.Equal(t, ErrCodeInvalidLogic, a.LastError().Code)
	assert.Zero(t, a.PendingWrites())
}

func TestAsyncDrainPreservesOrder(t *testing.T) {
	e := NewEngine()

	fd1, fd2 := mustSocketpair(t)

	a := newIOStub()
	a.registerNewHandle(fd1)
	defer a.Close()
	require.Equal(t, OK, e.RegisterDevice(a))

	b := newIOStub()
	b.registerNewHandle(fd2)
	defer b.Close()

	require.Equal(t, OK, a.AsyncSend(OwnedPayload([]byte("A"))))
	require.Equal(t, OK, a.AsyncSend(OwnedPayload([]byte("B"))))
	require.Equal(t, OK, a.AsyncSend(OwnedPayload([]byte("C"))))

	require.True(t, driveUntil(e, func() bool { return a.PendingWrites() == 0 }),
		"queue should fully drain")

	resp := b.SyncReceive(time.Second)
	require.Equal(t, OK, resp.Code)
	assert.Equal(t, []byte("ABC"), resp.Data, "items must arrive in enqueue order")
}

func TestMixedPayloadVariantsDrainInOrder(t *testing.T) {
	e := NewEngine()

	fd1, fd2 := mustSocketpair(t)

	a := newIOStub()
	a.registerNewHandle(fd1)
	defer a.Close()
	require.Equal(t, OK, e.RegisterDevice(a))

	b := newIOStub()
	b.registerNewHandle(fd2)
	defer b.Close()

	shared := []byte("2")
	unique := []byte("3")

	require.Equal(t, OK, a.AsyncSend(OwnedPayload([]byte("1"))))
	require.Equal(t, OK, a.AsyncSend(SharedPayload(&shared)))
	require.Equal(t, OK, a.AsyncSend(UniquePayload(&unique)))

	assert.Nil(t, unique, "unique payload should take the caller's slice")

	require.True(t, driveUntil(e, func() bool { return a.PendingWrites() == 0 }))

	resp := b.SyncReceive(time.Second)
	require.Equal(t, OK, resp.Code)
	assert.Equal(t, []byte("123"), resp.Data)
}

func TestEmptyQueueWriteReadinessRevertsToRead(t *testing.T) {
	e := NewEngine()

	fd1, fd2 := mustSocketpair(t)
	defer unix.Close(fd2)

	a := newIOStub()
	a.registerNewHandle(fd1)
	defer a.Close()
	require.Equal(t, OK, e.RegisterDevice(a))

	a.requestWrite()
	require.Equal(t, unix.POLLOUT, int(e.pollList[0].Events))

	require.True(t, e.RunOnceFor(time.Second), "socket should report writable")

	assert.Equal(t, unix.POLLIN, int(e.pollList[0].Events),
		"an empty queue should revert interest to readable")
}

package transport

import (
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ioScratchLen is the block size of the stream read drain.
const ioScratchLen = 2048

// ReceivedData is the result of a synchronous receive.
type ReceivedData struct {
	Code Status
	Data []byte
}

// readinessChecker lets embedding devices redefine what "ready" means for
// the outgoing paths (the multicaster additionally requires a published
// group).
type readinessChecker interface {
	deviceIsReady() bool
}

// IODevice layers non-blocking byte-stream I/O and a queued-write state
// machine over the device base. Every transport builds on it.
type IODevice struct {
	Base

	callback func(data []byte)
	outgoing *queue.Queue
	scratch  []byte
}

func (d *IODevice) initIO(self Device, category string) {
	d.Base.init(self, category)
	d.outgoing = queue.New()
}

// SetDataCallback installs the handler invoked with each drained read.
func (d *IODevice) SetDataCallback(callback func(data []byte)) {
	d.callback = callback
}

// PendingWrites reports the current outgoing queue depth.
func (d *IODevice) PendingWrites() int {
	return d.outgoing.Length()
}

func (d *IODevice) deviceIsReady() bool {
	_, ok := d.Handle()
	return ok
}

func (d *IODevice) ready() bool {
	return d.self.(readinessChecker).deviceIsReady()
}

// registerNewHandle additionally flips the descriptor to non-blocking mode.
// A flag failure is logged but does not undo the handle assignment.
func (d *IODevice) registerNewHandle(handle int) {
	d.Base.registerNewHandle(handle)

	if handle == noHandle {
		return
	}

	if err := unix.SetNonblock(handle, true); err != nil {
		d.logError("could not set descriptor non-blocking", zap.Error(err))
	}
}

// AsyncSend queues a payload for the readiness-driven drain. The device must
// be attached to an engine and ready; the payload reference must be valid.
func (d *IODevice) AsyncSend(p Payload) Status {
	if d.engine == nil || !d.ready() {
		d.setKindError(ErrCodeInvalidLogic,
			"asynchronous sends require a ready device loaded into an engine, message dropped")
		return NOK
	}

	if !p.valid() {
		d.setKindError(ErrCodeInvalidLogic, "provided payload has not been initialised")
		return NOK
	}

	d.outgoing.Add(p)
	d.requestWrite()

	return OK
}

// SyncSend writes a payload immediately, waiting for writability first.
func (d *IODevice) SyncSend(p Payload) Status {
	if !p.valid() {
		d.setKindError(ErrCodeInvalidLogic, "provided payload has not been initialised")
		return NOK
	}

	if !d.ready() {
		d.setKindError(ErrCodeInvalidLogic, "device is not ready")
		return NOK
	}

	return d.performSyncSend(p)
}

// SyncReceive waits for readability up to timeout and drains whatever is
// buffered. A negative timeout waits indefinitely. The wait is re-entered
// with the remaining budget after spurious wake-ups; each iteration clamps
// to the platform maximum.
func (d *IODevice) SyncReceive(timeout time.Duration) ReceivedData {
	handle, ok := d.Handle()
	if !ok {
		d.setKindError(ErrCodeDeviceNotReady, "device has not been configured yet, unable to receive")
		return ReceivedData{Code: NOK}
	}

	if timeout < 0 {
		return d.syncReceiveBlocking(handle)
	}

	pfd := []unix.PollFd{{Fd: int32(handle), Events: unix.POLLIN}}
	start := time.Now()

	for {
		remaining := timeout - time.Since(start)
		if remaining <= 0 {
			break
		}

		n, err := unix.Poll(pfd, clampPollTimeout(remaining))

		if err == unix.EINTR || n == 0 {
			continue
		}
		if err != nil {
			d.setSysError(err, "poll returned an error")
			return ReceivedData{Code: NOK}
		}

		data, readErr := d.readIOData()
		if !readErr.IsZero() {
			d.lastErr = readErr
			return ReceivedData{Code: NOK}
		}
		return ReceivedData{Code: OK, Data: data}
	}

	d.setKindError(ErrCodeTimeout, "sync receive reached timeout")
	return ReceivedData{Code: NOK}
}

func (d *IODevice) syncReceiveBlocking(handle int) ReceivedData {
	pfd := []unix.PollFd{{Fd: int32(handle), Events: unix.POLLIN}}

	for {
		n, err := unix.Poll(pfd, -1)

		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			d.setSysError(err, "poll returned an error")
			return ReceivedData{Code: NOK}
		}
		break
	}

	data, readErr := d.readIOData()
	if !readErr.IsZero() {
		d.lastErr = readErr
		return ReceivedData{Code: NOK}
	}

	return ReceivedData{Code: OK, Data: data}
}

// ReadyWrite drains at most one queued item, then re-arms for write so the
// next item goes out on the next tick. One item per tick keeps the drain
// fair across devices. An empty queue reverts interest to readable.
func (d *IODevice) ReadyWrite() {
	if d.outgoing.Length() == 0 {
		d.requestRead()
		return
	}

	if _, ok := d.Handle(); !ok {
		d.logError("write readiness reported without a configured descriptor")
		return
	}

	front := d.outgoing.Peek().(Payload)
	ret := d.performSyncSend(front)
	d.outgoing.Remove()

	if ret == NOK {
		d.logLastError("unable to drain outgoing item")
	}

	d.requestWrite()
}

// ReadyRead drains the descriptor and hands the bytes to the data callback.
func (d *IODevice) ReadyRead() {
	data, err := d.readIOData()

	if !err.IsZero() {
		d.logError("error reading descriptor", zap.String("error", err.Error()))
		return
	}

	d.notifyIOCallback(data)
}

func (d *IODevice) ReadyError() {
	d.logError("descriptor error readiness, cause unknown")
}

// readIOData loops read(2) through the scratch buffer until the descriptor
// would block or reports EOF. EAGAIN ends the drain without error; any other
// failure is returned with its OS code.
func (d *IODevice) readIOData() ([]byte, Error) {
	handle, ok := d.Handle()
	if !ok {
		return nil, kindError(ErrCodeDeviceNotReady, "device has no descriptor to read")
	}

	if d.scratch == nil {
		d.scratch = make([]byte, ioScratchLen)
	}

	var out []byte

	for {
		n, err := unix.Read(handle, d.scratch)

		if n > 0 {
			out = append(out, d.scratch[:n]...)
			continue
		}
		if n == 0 {
			break
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		if err == unix.EINTR {
			continue
		}
		return out, sysError(err, "read error")
	}

	return out, Error{}
}

func (d *IODevice) notifyIOCallback(data []byte) {
	if d.callback != nil {
		d.callback(data)
	}
}

// performSyncSend waits for writability without bound, routes exceptional
// revents to the matching readiness callback, then writes the payload in
// one call. Success reverts interest to readable.
func (d *IODevice) performSyncSend(p Payload) Status {
	handle, ok := d.Handle()
	if !ok {
		d.setKindError(ErrCodeDeviceNotReady,
			"device has not been configured yet, unable to send, dropping message")
		return NOK
	}

	pfd := []unix.PollFd{{Fd: int32(handle), Events: unix.POLLOUT}}

	n, err := unix.Poll(pfd, -1)

	if err != nil {
		d.setSysError(err, "device cannot be polled for writability")
		return NOK
	}
	if n == 0 {
		d.setKindError(ErrCodePollError, "poll returned no devices for an unbounded sync send")
		return NOK
	}

	revents := pfd[0].Revents

	switch {
	case revents&unix.POLLERR != 0:
		d.self.ReadyError()
		d.setKindError(ErrCodePollError, "poll reported an error condition")
		return NOK
	case revents&unix.POLLHUP != 0:
		d.self.ReadyHangup()
		d.setKindError(ErrCodePollError, "peer hung up")
		return NOK
	case revents&unix.POLLRDHUP != 0:
		d.self.ReadyPeerDisconnect()
		d.setKindError(ErrCodePollError, "peer disconnected")
		return NOK
	}

	data := p.bytes()

	written, err := unix.Write(handle, data)
	if err != nil {
		d.setSysError(err, "unable to write to descriptor")
		return NOK
	}
	if written < len(data) {
		d.setKindError(ErrCodeGeneral, "short write to descriptor")
		return NOK
	}

	d.requestRead()

	return OK
}

package transport

import (
	"github.com/eapache/queue"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// recvBufferLen sizes the datagram receive buffer for one full UDP payload.
const recvBufferLen = 65536

// netOutgoing is one queued datagram: payload plus destination.
type netOutgoing struct {
	payload Payload
	dest    HostAddr
	hint    IPVersion
}

// NetworkDevice adds address resolution, socket creation and datagram
// semantics on top of IODevice. Stream transports use its socket helpers;
// datagram transports also use the addressed send queue, which drains ahead
// of the plain byte queue.
type NetworkDevice struct {
	IODevice

	netCallback func(message NetworkMessage)
	netOutgoing *queue.Queue
	recvBuf     []byte
}

func (d *NetworkDevice) initNetwork(self Device, category string) {
	d.IODevice.initIO(self, category)
	d.netOutgoing = queue.New()
}

// SetMessageCallback installs the handler invoked with each received
// network message.
func (d *NetworkDevice) SetMessageCallback(callback func(message NetworkMessage)) {
	d.netCallback = callback
}

func (d *NetworkDevice) notifyNetCallback(message NetworkMessage) {
	if d.netCallback != nil {
		d.netCallback(message)
	}
}

// ReadyRead receives one datagram and hands it to the message callback.
func (d *NetworkDevice) ReadyRead() {
	message, err := d.receiveMessage()

	if !err.IsZero() {
		d.logError("error reading descriptor", zap.String("error", err.Error()))
		return
	}

	d.notifyNetCallback(message)
}

// ReadyWrite drains one addressed datagram if any are queued, otherwise
// falls through to the byte-stream drain. The item is popped whether the
// send succeeded or not, and the device re-arms for write.
func (d *NetworkDevice) ReadyWrite() {
	if d.netOutgoing.Length() == 0 {
		d.IODevice.ReadyWrite()
		return
	}

	front := d.netOutgoing.Peek().(netOutgoing)
	ret := d.performSyncSendTo(front.dest, front.payload, front.hint)
	d.netOutgoing.Remove()

	if ret == NOK {
		d.logLastError("unable to drain outgoing datagram")
	}

	d.requestWrite()
}

// receiveMessage reads one datagram and resolves the peer sockaddr into its
// textual form.
func (d *NetworkDevice) receiveMessage() (NetworkMessage, Error) {
	handle, ok := d.Handle()
	if !ok {
		return NetworkMessage{}, kindError(ErrCodeDeviceNotReady, "device has no descriptor to receive on")
	}

	if d.recvBuf == nil {
		d.recvBuf = make([]byte, recvBufferLen)
	}

	var message NetworkMessage

	for {
		n, from, err := unix.Recvfrom(handle, d.recvBuf, 0)

		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return message, sysError(err, "recvfrom error")
		}

		if from != nil {
			peer, known := sockaddrToHostAddr(from)
			if !known {
				return message, kindError(ErrCodeGeneral, "unable to extract peer address")
			}
			message.Peer = peer
		}

		message.Data = append(message.Data, d.recvBuf[:n]...)
		return message, Error{}
	}
}

// SendTo queues a payload addressed to dest for the readiness drain.
func (d *NetworkDevice) SendTo(dest HostAddr, p Payload, hint IPVersion) Status {
	if d.engine == nil || !d.ready() {
		d.setKindError(ErrCodeInvalidLogic,
			"asynchronous sends require a ready device loaded into an engine, message dropped")
		return NOK
	}

	if !p.valid() {
		d.setKindError(ErrCodeInvalidLogic, "provided payload has not been initialised")
		return NOK
	}

	d.netOutgoing.Add(netOutgoing{payload: p, dest: dest, hint: hint})
	d.requestWrite()

	return OK
}

// SyncSendTo resolves dest and sends the payload immediately via the first
// resolved address.
func (d *NetworkDevice) SyncSendTo(dest HostAddr, p Payload, hint IPVersion) Status {
	if !p.valid() {
		d.setKindError(ErrCodeInvalidLogic, "provided payload has not been initialised")
		return NOK
	}

	return d.performSyncSendTo(dest, p, hint)
}

func (d *NetworkDevice) performSyncSendTo(dest HostAddr, p Payload, hint IPVersion) Status {
	handle, ok := d.Handle()
	if !ok {
		d.setKindError(ErrCodeDeviceNotReady, "device has no descriptor to send on")
		return NOK
	}

	addrs, err := resolveAddress(dest, hint)
	if err != nil {
		d.setKindError(ErrCodeGeneral, "unable to resolve destination: "+err.Error())
		return NOK
	}

	if err := unix.Sendto(handle, p.bytes(), 0, addrs[0].sockaddr); err != nil {
		d.setSysError(err, "sendto failed")
		return NOK
	}

	return OK
}

// createAndConnectSocket walks the resolution list; the first address that
// yields a connected socket wins and becomes the device handle.
func (d *NetworkDevice) createAndConnectSocket(host HostAddr, hint IPVersion, sotype int) Status {
	addrs, err := resolveAddress(host, hint)
	if err != nil {
		d.setKindError(ErrCodeGeneral, "unable to resolve host: "+err.Error())
		return NOK
	}

	var lastErr error

	for _, addr := range addrs {
		fd, err := unix.Socket(addr.family, sotype, 0)
		if err != nil {
			lastErr = err
			continue
		}

		if err := unix.Connect(fd, addr.sockaddr); err != nil {
			unix.Close(fd)
			lastErr = err
			continue
		}

		d.registerNewHandle(fd)
		return OK
	}

	d.setSysError(lastErr, "no resolved address could be connected")
	return NOK
}

// createAndBindSocket is the listening-side counterpart: bind instead of
// connect, with SO_REUSEADDR enabled on the bound socket. A reuse failure is
// fatal for that attempt.
func (d *NetworkDevice) createAndBindSocket(host HostAddr, hint IPVersion, sotype int) Status {
	addrs, err := resolveAddress(host, hint)
	if err != nil {
		d.setKindError(ErrCodeGeneral, "unable to resolve host: "+err.Error())
		return NOK
	}

	var lastErr error

	for _, addr := range addrs {
		fd, err := unix.Socket(addr.family, sotype, 0)
		if err != nil {
			lastErr = err
			continue
		}

		if err := unix.Bind(fd, addr.sockaddr); err != nil {
			unix.Close(fd)
			lastErr = err
			continue
		}

		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			lastErr = err
			continue
		}

		d.registerNewHandle(fd)
		return OK
	}

	d.setSysError(lastErr, "no resolved address could be bound")
	return NOK
}

// LocalAddress reports the socket's bound address via getsockname.
func (d *NetworkDevice) LocalAddress() (HostAddr, Status) {
	handle, ok := d.Handle()
	if !ok {
		d.setKindError(ErrCodeDeviceNotReady, "device has no descriptor")
		return HostAddr{}, NOK
	}

	sa, err := unix.Getsockname(handle)
	if err != nil {
		d.setSysError(err, "getsockname failed")
		return HostAddr{}, NOK
	}

	addr, known := sockaddrToHostAddr(sa)
	if !known {
		d.setKindError(ErrCodeGeneral, "unknown address family on local socket")
		return HostAddr{}, NOK
	}

	return addr, OK
}

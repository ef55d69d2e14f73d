package transport

import (
	"math"
	"time"

	"github.com/dracad/transport-go/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// runForeverSlice is the wait bound used by RunForever so that the loop
// re-enters poll at a steady cadence.
const runForeverSlice = 100 * time.Millisecond

// Engine drives readiness waits for a set of registered devices. One engine
// is owned by exactly one driver goroutine; nothing here is locked.
//
// The poll list and the fd map always hold identical fd sets; the device
// list is a superset because a registered device may currently be without a
// handle.
type Engine struct {
	pollList []unix.PollFd
	mapping  map[int]Device
	devices  []Device
	lastErr  EngineError

	// classification scratch, reused across ticks
	readyRead      []int
	readyWrite     []int
	readyErr       []int
	readyHangup    []int
	readyInvalid   []int
	readyPeerDisco []int
}

func NewEngine() *Engine {
	return &Engine{
		mapping: make(map[int]Device),
	}
}

// Close deregisters every remaining device. Descriptors stay open; they are
// owned by the devices.
func (e *Engine) Close() error {
	remaining := make([]Device, len(e.devices))
	copy(remaining, e.devices)

	for _, device := range remaining {
		e.DeregisterDevice(device)
	}

	return nil
}

// LastError returns the engine's last recorded error.
func (e *Engine) LastError() EngineError { return e.lastErr }

// RegisterDevice adds a device to this engine. Registering a device that is
// already present is Passable. A device attached to another engine is
// deregistered from it first. If the device has a handle it enters the poll
// list with readable interest; a handle-less device is still registered (OK)
// and enters the poll list once it acquires a handle.
func (e *Engine) RegisterDevice(device Device) Status {
	log.Logger.Debug("registering device", zap.String("category", "Engine"))

	if device == nil {
		e.setError(EngineErrInvalidArgument, "attempted to register a nil device")
		return NOK
	}

	for _, existing := range e.devices {
		if existing == device {
			e.setError(EngineErrDeviceAlreadyRegistered, "device is already registered")
			return Passable
		}
	}

	if device.LoadedEngine() != nil {
		device.base().deloadEngine()
	}

	device.base().loadEngine(e)
	e.devices = append(e.devices, device)

	if fd, ok := device.Handle(); ok {
		return e.registerNewHandle(noHandle, fd, device)
	}

	return OK
}

// DeregisterDevice detaches a device: engine pointer cleared, fd entry
// removed, device dropped from the list.
func (e *Engine) DeregisterDevice(device Device) Status {
	log.Logger.Debug("deregistering device", zap.String("category", "Engine"))

	if device == nil {
		e.setError(EngineErrInvalidArgument, "attempted to deregister a nil device")
		return NOK
	}

	device.base().engine = nil

	if fd, ok := device.Handle(); ok {
		e.deregisterHandle(fd)
	}

	for i, existing := range e.devices {
		if existing == device {
			e.devices = append(e.devices[:i], e.devices[i+1:]...)
			break
		}
	}

	return OK
}

// registerNewHandle rekeys a device's poll entry from oldHandle to
// newHandle. With no previous entry a fresh one is appended with readable
// interest; otherwise the entry's fd is updated in place, preserving its
// position and interest mask.
func (e *Engine) registerNewHandle(oldHandle, newHandle int, device Device) Status {
	if newHandle == noHandle {
		return Passable
	}

	idx := e.findHandle(oldHandle)

	if idx < 0 {
		e.pollList = append(e.pollList, unix.PollFd{
			Fd:     int32(newHandle),
			Events: unix.POLLIN,
		})
		e.mapping[newHandle] = device
		return OK
	}

	if oldHandle != noHandle {
		delete(e.mapping, oldHandle)
	}

	e.mapping[newHandle] = device
	e.pollList[idx].Fd = int32(newHandle)

	return OK
}

// deregisterHandle removes the poll entry and map key for handle.
func (e *Engine) deregisterHandle(handle int) Status {
	if handle == noHandle {
		return Passable
	}

	idx := e.findHandle(handle)

	if idx < 0 {
		e.setError(EngineErrDeviceDoesNotExist, "handle is not in the poll list")
		return NOK
	}

	e.pollList = append(e.pollList[:idx], e.pollList[idx+1:]...)
	delete(e.mapping, handle)

	return OK
}

func (e *Engine) findHandle(handle int) int {
	if handle == noHandle {
		return -1
	}

	for i := range e.pollList {
		if e.pollList[i].Fd == int32(handle) {
			return i
		}
	}

	return -1
}

// requestRead sets the handle's interest to readable only.
func (e *Engine) requestRead(handle int) {
	if idx := e.findHandle(handle); idx >= 0 {
		e.pollList[idx].Events = unix.POLLIN
	}
}

// requestWrite sets the handle's interest to writable only.
func (e *Engine) requestWrite(handle int) {
	if idx := e.findHandle(handle); idx >= 0 {
		e.pollList[idx].Events = unix.POLLOUT
	}
}

func (e *Engine) setError(code EngineErrorCode, description string) {
	e.lastErr = EngineError{Code: code, Description: description}
}

// RunOnce performs one tick with no timeout bound; it blocks until some
// registered descriptor reports an event.
func (e *Engine) RunOnce() bool {
	return e.tick(-1)
}

// RunOnceFor performs one tick bounded by timeout. Durations beyond the
// platform maximum are clamped.
func (e *Engine) RunOnceFor(timeout time.Duration) bool {
	return e.tick(clampPollTimeout(timeout))
}

// RunFor ticks until the wall clock has consumed duration, recomputing the
// remaining budget after every wait so early wake-ups do not shorten it.
func (e *Engine) RunFor(duration time.Duration) {
	start := time.Now()

	for {
		remaining := duration - time.Since(start)
		if remaining <= 0 {
			return
		}
		e.tick(clampPollTimeout(remaining))
	}
}

// RunForever ticks with a fixed modest slice until the driving goroutine is
// abandoned.
func (e *Engine) RunForever() {
	slice := clampPollTimeout(runForeverSlice)
	for {
		e.tick(slice)
	}
}

func clampPollTimeout(timeout time.Duration) int {
	ms := timeout.Milliseconds()
	if ms > math.MaxInt32 {
		log.Logger.Warn("timeout exceeds platform maximum, clamping",
			zap.String("category", "Engine"),
			zap.Duration("timeout", timeout))
		return math.MaxInt32
	}
	return int(ms)
}

// tick performs one readiness wait and one round of dispatch. Events are
// first classified into six ordered categories, then dispatched category by
// category. The device for each fd is looked up again immediately before
// its callback because an earlier callback may have deregistered it or
// replaced its handle.
func (e *Engine) tick(timeoutMs int) bool {
	n, err := unix.Poll(e.pollList, timeoutMs)

	if err == unix.EINTR {
		return false
	}
	if err != nil {
		log.Logger.Error("poll failed", zap.String("category", "Engine"), zap.Error(err))
		return false
	}
	if n <= 0 {
		return false
	}

	e.readyRead = e.readyRead[:0]
	e.readyWrite = e.readyWrite[:0]
	e.readyErr = e.readyErr[:0]
	e.readyHangup = e.readyHangup[:0]
	e.readyInvalid = e.readyInvalid[:0]
	e.readyPeerDisco = e.readyPeerDisco[:0]

	count := 0

	for i := range e.pollList {
		fd := int(e.pollList[i].Fd)
		revents := e.pollList[i].Revents

		switch {
		case revents == unix.POLLIN:
			e.readyRead = append(e.readyRead, fd)
		case revents == unix.POLLOUT:
			e.readyWrite = append(e.readyWrite, fd)
		case revents&unix.POLLERR != 0:
			e.readyErr = append(e.readyErr, fd)
		case revents&unix.POLLHUP != 0:
			e.readyHangup = append(e.readyHangup, fd)
		case revents&unix.POLLNVAL != 0:
			e.readyInvalid = append(e.readyInvalid, fd)
		case revents&unix.POLLRDHUP != 0:
			e.readyPeerDisco = append(e.readyPeerDisco, fd)
		default:
			continue
		}

		count++
		if count >= n {
			break
		}
	}

	e.dispatch(e.readyRead, Device.ReadyRead)
	e.dispatch(e.readyWrite, Device.ReadyWrite)
	e.dispatch(e.readyErr, Device.ReadyError)
	e.dispatch(e.readyHangup, Device.ReadyHangup)
	e.dispatch(e.readyInvalid, Device.ReadyInvalidRequest)
	e.dispatch(e.readyPeerDisco, Device.ReadyPeerDisconnect)

	return true
}

func (e *Engine) dispatch(fds []int, ready func(Device)) {
	for _, fd := range fds {
		if device, ok := e.mapping[fd]; ok {
			ready(device)
		}
	}
}

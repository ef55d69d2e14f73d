package transport

import (
	"github.com/dracad/transport-go/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// noHandle marks a device that currently owns no descriptor.
const noHandle = -1

// Device is the engine-facing contract of every transport. Concrete devices
// embed Base and override the readiness methods they care about; the engine
// dispatches through this interface so overrides are honoured.
type Device interface {
	ReadyRead()
	ReadyWrite()
	ReadyError()
	ReadyHangup()
	ReadyInvalidRequest()
	ReadyPeerDisconnect()

	// Handle returns the owned descriptor, if any.
	Handle() (int, bool)
	// LoadedEngine returns the engine this device is registered with, or nil.
	LoadedEngine() *Engine
	// LastError returns the most recently recorded error.
	LastError() Error
	// Close deregisters from the engine and releases the descriptor.
	Close() error

	base() *Base
}

// Base carries the state shared by all devices: the optional descriptor, the
// weak engine back-pointer and the last-error record. The self field is the
// outer device; readiness dispatch and handle replacement go through it so
// that overrides in embedding types take effect.
type Base struct {
	handle   int
	engine   *Engine
	lastErr  Error
	self     Device
	category string
}

func (b *Base) init(self Device, category string) {
	b.handle = noHandle
	b.self = self
	b.category = category
}

func (b *Base) base() *Base { return b }

func (b *Base) Handle() (int, bool) {
	if b.handle == noHandle {
		return 0, false
	}
	return b.handle, true
}

func (b *Base) LoadedEngine() *Engine { return b.engine }

func (b *Base) LastError() Error { return b.lastErr }

// Close is the destructor equivalent: it deregisters the device from its
// engine before releasing the descriptor, so the engine never holds an entry
// for a dead fd.
func (b *Base) Close() error {
	b.deloadEngine()
	b.closeHandle()
	b.handle = noHandle
	return nil
}

func (b *Base) loadEngine(engine *Engine) {
	b.logDebug("loading engine")
	b.engine = engine
}

func (b *Base) deloadEngine() {
	current := b.engine
	b.engine = nil

	if current != nil {
		b.logDebug("deloading engine")
		current.DeregisterDevice(b.self)
	}
}

// registerNewHandle binds a freshly opened descriptor: the engine entry for
// the previous handle (if any) is rekeyed, then the stored handle is
// replaced.
func (b *Base) registerNewHandle(handle int) {
	b.logDebug("registering new handle", zap.Int("fd", handle))

	if b.engine != nil {
		b.engine.registerNewHandle(b.handle, handle, b.self)
	}

	b.handle = handle
}

func (b *Base) requestRead() {
	if b.engine != nil {
		b.engine.requestRead(b.handle)
	}
}

func (b *Base) requestWrite() {
	if b.engine != nil {
		b.engine.requestWrite(b.handle)
	}
}

// destroyHandle closes the descriptor, removes it from the engine and clears
// it. Registration with the engine survives; only the fd entry goes away.
func (b *Base) destroyHandle() {
	b.closeHandle()

	if b.engine != nil {
		b.engine.deregisterHandle(b.handle)
	}

	b.handle = noHandle
}

func (b *Base) closeHandle() {
	if b.handle != noHandle {
		unix.Close(b.handle)
	}
}

// registerChild registers another device on this device's engine. Used by
// acceptors to attach newly accepted peers.
func (b *Base) registerChild(device Device) {
	if b.engine != nil {
		b.engine.RegisterDevice(device)
	}
}

func (b *Base) setKindError(code ErrorCode, description string) {
	b.logDebug("error recorded", zap.Stringer("code", code), zap.String("desc", description))
	b.lastErr = kindError(code, description)
}

func (b *Base) setSysError(err error, description string) {
	b.logDebug("error recorded", zap.Error(err), zap.String("desc", description))
	b.lastErr = sysError(err, description)
}

func (b *Base) logLastError(context string) {
	log.Logger.Error(context,
		zap.String("category", b.category),
		zap.String("error", b.lastErr.Error()))
}

func (b *Base) logDebug(msg string, fields ...zap.Field) {
	log.Logger.Debug(msg, append([]zap.Field{zap.String("category", b.category)}, fields...)...)
}

func (b *Base) logWarn(msg string, fields ...zap.Field) {
	log.Logger.Warn(msg, append([]zap.Field{zap.String("category", b.category)}, fields...)...)
}

func (b *Base) logError(msg string, fields ...zap.Field) {
	log.Logger.Error(msg, append([]zap.Field{zap.String("category", b.category)}, fields...)...)
}

// Readiness defaults: log and do nothing. Transports override per need.

func (b *Base) ReadyRead() {
	b.logDebug("device is ready to read, no handler implemented")
}

func (b *Base) ReadyWrite() {
	b.logDebug("device is ready to write, no handler implemented")
}

func (b *Base) ReadyError() {
	b.logError("device reported an error, no handler implemented")
}

func (b *Base) ReadyHangup() {
	b.logWarn("device peer has hung up, no handler implemented")
}

func (b *Base) ReadyInvalidRequest() {
	b.logWarn("invalid poll request on device, no handler implemented")
}

func (b *Base) ReadyPeerDisconnect() {
	b.logWarn("peer has disconnected, no handler implemented")
}

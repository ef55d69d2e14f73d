// Package transport is a single-threaded, readiness-driven I/O multiplexing
// library. An Engine owns a poll list of descriptors and dispatches
// readiness callbacks to registered Devices: TCP clients and acceptors, UDP
// senders, receivers, clients, servers and multicasters, serial ports and
// interval timers.
//
// One engine is driven by exactly one goroutine. All device callbacks run
// on that goroutine in dispatch order, so devices need no locking.
// Synchronous operations embed their own readiness waits and block the
// calling goroutine; use them during setup or from a goroutine that does
// not drive the engine.
package transport

package transport

import (
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a monotonic interval timer over a timerfd. Start arms both the
// initial expiry and the interval to the same duration, so the descriptor
// becomes readable once per period until stopped.
type Timer struct {
	Base

	running  bool
	started  bool
	duration time.Duration
	callback func()
}

func NewTimer() (*Timer, error) {
	t := &Timer{}
	t.init(t, "Timer")

	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK)
	if err != nil {
		return nil, sysError(err, "unable to create timer descriptor")
	}

	t.registerNewHandle(fd)

	return t, nil
}

// SetCallback installs the handler fired once per readable tick.
func (t *Timer) SetCallback(callback func()) {
	t.callback = callback
}

func (t *Timer) IsRunning() bool { return t.running }

// Start arms the timer to fire repeatedly every duration.
func (t *Timer) Start(duration time.Duration) Status {
	if t.running {
		t.Stop()
	}

	handle, ok := t.Handle()
	if !ok {
		t.setKindError(ErrCodeDeviceNotReady, "timer has no descriptor")
		return NOK
	}

	ts := unix.NsecToTimespec(duration.Nanoseconds())
	spec := unix.ItimerSpec{Value: ts, Interval: ts}

	if err := unix.TimerfdSettime(handle, 0, &spec, nil); err != nil {
		t.setSysError(err, "unable to start timer")
		return NOK
	}

	t.duration = duration
	t.started = true
	t.running = true

	return OK
}

// Stop disarms the timer. Stopping an already stopped timer is Passable.
func (t *Timer) Stop() Status {
	if !t.running {
		return Passable
	}

	t.running = false

	handle, ok := t.Handle()
	if !ok {
		return OK
	}

	var spec unix.ItimerSpec
	unix.TimerfdSettime(handle, 0, &spec, nil)

	return OK
}

// Resume restarts the timer with its previously set duration.
func (t *Timer) Resume() Status {
	if !t.started {
		t.setKindError(ErrCodeInvalidLogic, "cannot resume a timer that was never started")
		return NOK
	}

	return t.Start(t.duration)
}

// ReadyRead drains the expiry counter so the descriptor stops polling
// readable, then fires the callback.
func (t *Timer) ReadyRead() {
	handle, ok := t.Handle()
	if !ok {
		return
	}

	var buf [8]byte
	unix.Read(handle, buf[:])

	if t.callback != nil {
		t.callback()
	}
}

func (t *Timer) ReadyError() {
	t.logError("timer descriptor reported an error")
}

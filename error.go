package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Status is the tri-valued outcome of every engine and device operation.
// Passable marks a benign no-op; NOK means an error was recorded and can be
// retrieved from the owning object.
type Status int

const (
	OK Status = iota
	NOK
	Passable
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case NOK:
		return "NOK"
	case Passable:
		return "PASSABLE"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ErrorCode is the internal error kind recorded on devices.
type ErrorCode int

const (
	ErrCodeNone ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeInvalidLogic
	ErrCodeDeviceNotReady
	ErrCodePollError
	ErrCodeTimeout
	ErrCodeGeneral
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeNone:
		return "NO_ERROR"
	case ErrCodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case ErrCodeInvalidLogic:
		return "INVALID_LOGIC"
	case ErrCodeDeviceNotReady:
		return "DEVICE_NOT_READY"
	case ErrCodePollError:
		return "POLL_ERROR"
	case ErrCodeTimeout:
		return "TIMEOUT"
	case ErrCodeGeneral:
		return "GENERAL_ERROR"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is a device error record: either an internal kind or a raw OS error
// code, plus a human description. Errno of zero means the error carries an
// internal kind only.
type Error struct {
	Code        ErrorCode
	Errno       unix.Errno
	Description string
}

func (e Error) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("[system error: %d | %s]: %s", int(e.Errno), e.Errno.Error(), e.Description)
	}
	return fmt.Sprintf("[internal error: %s]: %s", e.Code, e.Description)
}

// IsZero reports whether no error has been recorded.
func (e Error) IsZero() bool {
	return e.Code == ErrCodeNone && e.Errno == 0
}

func kindError(code ErrorCode, description string) Error {
	return Error{Code: code, Description: description}
}

func sysError(err error, description string) Error {
	if en, ok := err.(unix.Errno); ok {
		return Error{Errno: en, Description: description}
	}
	if err != nil {
		return Error{Code: ErrCodeGeneral, Description: description + ": " + err.Error()}
	}
	return Error{Code: ErrCodeGeneral, Description: description}
}

// EngineErrorCode is the smaller kind set used by engine registration.
type EngineErrorCode int

const (
	EngineErrNone EngineErrorCode = iota
	EngineErrDeviceAlreadyRegistered
	EngineErrDeviceDoesNotExist
	EngineErrInvalidArgument
)

func (c EngineErrorCode) String() string {
	switch c {
	case EngineErrNone:
		return "NO_ERROR"
	case EngineErrDeviceAlreadyRegistered:
		return "DEVICE_ALREADY_REGISTERED"
	case EngineErrDeviceDoesNotExist:
		return "DEVICE_DOES_NOT_EXIST"
	case EngineErrInvalidArgument:
		return "INVALID_ARGUMENT"
	}
	return fmt.Sprintf("EngineErrorCode(%d)", int(c))
}

// EngineError is the engine's last-error record.
type EngineError struct {
	Code        EngineErrorCode
	Description string
}

func (e EngineError) Error() string {
	return fmt.Sprintf("[%s]: %s", e.Code, e.Description)
}

package bus

import (
	"errors"
	"fmt"
)

// Status is the coarse outcome of a bus call.
type Status uint8

const (
	OK Status = iota
	Failed
	Busy
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case Failed:
		return "ERROR"
	case Busy:
		return "BUSY"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Code is the error code a handle records for its last operation.
type Code uint32

const (
	ErrNone               Code = 0
	ErrUnknown            Code = 1
	ErrHALUninitialized   Code = 10
	ErrNullParam          Code = 100
	ErrUninitialized      Code = 101
	ErrBusy               Code = 102
	ErrFailState          Code = 103
	ErrMessageTooLarge    Code = 104
	ErrTimeout            Code = 105
	ErrSizeMismatch       Code = 106
	ErrAlreadyInitialized Code = 107
	ErrBadSlave           Code = 108
	ErrAddressMismatch    Code = 109
)

var codeNames = map[Code]string{
	ErrNone:               "no error",
	ErrUnknown:            "unknown error",
	ErrHALUninitialized:   "hal uninitialized",
	ErrNullParam:          "null parameter",
	ErrUninitialized:      "peripheral uninitialized",
	ErrBusy:               "peripheral busy",
	ErrFailState:          "peripheral in error state",
	ErrMessageTooLarge:    "message too large",
	ErrTimeout:            "timeout",
	ErrSizeMismatch:       "size mismatch",
	ErrAlreadyInitialized: "already initialized",
	ErrBadSlave:           "bad slave",
	ErrAddressMismatch:    "address mismatch",
}

func (c Code) Error() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error code %d", uint32(c))
}

// Status maps the code onto the call outcome.
func (c Code) Status() Status {
	switch c {
	case ErrNone:
		return OK
	case ErrBusy:
		return Busy
	default:
		return Failed
	}
}

// ErrNilHandle is returned by operations invoked on a nil handle, which has
// no error code field to report through.
var ErrNilHandle = errors.New("bus: nil handle")

// Error is a failed bus operation.
type Error struct {
	Bus  string
	Op   string
	Code Code
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Bus, e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Code }

func (e *Error) Status() Status { return e.Code.Status() }

// CodeOf extracts the bus code carried by err.
func CodeOf(err error) Code {
	if err == nil {
		return ErrNone
	}
	var code Code
	if errors.As(err, &code) {
		return code
	}
	return ErrUnknown
}

// StatusOf reports the outcome carried by err.
func StatusOf(err error) Status {
	if err == nil {
		return OK
	}
	return CodeOf(err).Status()
}

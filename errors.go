package nvme2k

import (
	"errors"
	"fmt"
)

// Code is a closed enumeration of the error taxonomy this driver
// reports, grounded on the protocol/error sections of the design: each
// value maps to exactly one host-visible outcome.
type Code string

const (
	ErrQueueFull       Code = "queue full"
	ErrPRPExhausted    Code = "prp pool exhausted"
	ErrInvalidRequest  Code = "invalid request"
	ErrDeviceProtocol  Code = "device protocol error"
	ErrLifecycle       Code = "lifecycle error"
	ErrSelection       Code = "selection error"
	ErrDefensive       Code = "defensive"
)

// Queue identifies which ring an error is attributed to, or none for
// errors that aren't queue-specific.
type Queue int

const (
	QueueNone Queue = iota
	QueueAdmin
	QueueIO
)

func (q Queue) String() string {
	switch q {
	case QueueAdmin:
		return "admin"
	case QueueIO:
		return "io"
	default:
		return "none"
	}
}

// Error is the structured error type every package in this module
// wraps its failures in before they cross a public API boundary. It
// carries enough context — the failing operation, which queue (if
// any), the closed Code, and an optional raw NVMe status — for a
// caller to branch on errors.Is/errors.As without string matching.
type Error struct {
	Op         string
	Queue      Queue
	Code       Code
	NVMeStatus uint16 // only meaningful when Code == ErrDeviceProtocol
	Inner      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("nvme2k: %s: %s", e.Op, e.Code)
	if e.Queue != QueueNone {
		msg += fmt.Sprintf(" (queue=%s)", e.Queue)
	}
	if e.Code == ErrDeviceProtocol {
		msg += fmt.Sprintf(" (status=0x%02x)", e.NVMeStatus)
	}
	if e.Inner != nil {
		msg += ": " + e.Inner.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Inner }

// Is makes errors.Is(err, target) match when target is an *Error with
// the same Code, whatever its other fields hold.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError builds a bare structured error with no queue or wrapped
// cause.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Inner: errors.New(msg)}
}

// NewDeviceError builds the CHECK CONDITION path: a non-zero NVMe
// completion status surfaced as ErrDeviceProtocol.
func NewDeviceError(op string, nvmeStatus uint16) *Error {
	return &Error{Op: op, Code: ErrDeviceProtocol, NVMeStatus: nvmeStatus}
}

// NewQueueError attributes a Code to a specific queue, used for queue
// full / PRP exhaustion back-pressure.
func NewQueueError(op string, queue Queue, code Code) *Error {
	return &Error{Op: op, Queue: queue, Code: code}
}

// WrapError attaches op/code context to an existing error without
// discarding it.
func WrapError(op string, code Code, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{Op: op, Code: code, Inner: inner}
}

// IsCode reports whether err is (or wraps) a structured Error with the
// given Code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Package errcode defines the error kinds shared by the pipeline, its queues and its configuration.
package errcode

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies a failure so callers can decide whether to retry.
type Code int

// Error kinds.
const (
	Unknown Code = iota
	NullPointer
	IllegalParameter
	NotInitialized
	AlreadyInitialized
	QueueFull
	QueueEmpty
	Timeout
	Unexist
	OutOfMemory
	NotSupported
)

var codeNames = map[Code]string{
	Unknown:            "unknown",
	NullPointer:        "null pointer",
	IllegalParameter:   "illegal parameter",
	NotInitialized:     "not initialized",
	AlreadyInitialized: "already initialized",
	QueueFull:          "queue full",
	QueueEmpty:         "queue empty",
	Timeout:            "timeout",
	Unexist:            "closed",
	OutOfMemory:        "out of memory",
	NotSupported:       "not supported",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error carries a Code and an optional message.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Msg
}

// New returns an error of the given kind.
func New(c Code, msg string) error {
	return &Error{Code: c, Msg: msg}
}

// Newf returns an error of the given kind with a formatted message.
func Newf(c Code, format string, args ...interface{}) error {
	return &Error{Code: c, Msg: fmt.Sprintf(format, args...)}
}

// Sentinels returned by the queues. Compare with Is, not ==, since callers may wrap them.
var (
	ErrQueueFull  = &Error{Code: QueueFull}
	ErrQueueEmpty = &Error{Code: QueueEmpty}
	ErrTimeout    = &Error{Code: Timeout}
	ErrClosed     = &Error{Code: Unexist}
)

// Of extracts the Code of err, walking wrapped errors. Nil maps to Unknown.
func Of(err error) Code {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if e, ok := errors.Cause(err).(*Error); ok {
		return e.Code
	}
	return Unknown
}

// Is reports whether err is of kind c.
func Is(err error, c Code) bool {
	if err == nil {
		return false
	}
	return Of(err) == c
}

// IsRetryable reports whether the caller may retry the operation that produced err.
func IsRetryable(err error) bool {
	switch Of(err) {
	case QueueFull, QueueEmpty, Timeout:
		return true
	default:
		return false
	}
}

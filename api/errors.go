// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-tcp.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	// ErrBufferFull reports that the send ring could not take every byte.
	// Recoverable: the caller retries the remainder later.
	ErrBufferFull = errors.New("send buffer full")

	// ErrIssueFailure reports that starting an asynchronous send or receive failed.
	// Fatal to the direction; the connection must be torn down.
	ErrIssueFailure = errors.New("failed to issue asynchronous operation")

	// ErrCompletionFailure reports that an issued operation completed with an error.
	ErrCompletionFailure = errors.New("asynchronous operation failed")

	// ErrPeerClosed signals an orderly shutdown by the remote peer.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrRegistrationFailure reports a rolled back connection registration.
	ErrRegistrationFailure = errors.New("connection registration failed")

	// ErrCapacityExceeded reports that the receive side is paused because the
	// ring buffer cannot admit another receive chunk.
	ErrCapacityExceeded = errors.New("receive capacity exceeded")

	ErrConnectionClosed = errors.New("connection is closed")
	ErrPortClosed       = errors.New("completion port is closed")
	ErrServerClosed     = errors.New("server is closed")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrAlreadyExists    = errors.New("resource already exists")
	ErrNotSupported     = errors.New("operation not supported")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeBufferFull
	ErrCodeIssueFailure
	ErrCodeCompletionFailure
	ErrCodePeerClosed
	ErrCodeRegistration
	ErrCodeCapacityExceeded
	ErrCodeClosed
	ErrCodeInternal
)

// String returns a short label, used as a metrics dimension.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeBufferFull:
		return "buffer_full"
	case ErrCodeIssueFailure:
		return "issue_failure"
	case ErrCodeCompletionFailure:
		return "completion_failure"
	case ErrCodePeerClosed:
		return "peer_closed"
	case ErrCodeRegistration:
		return "registration_failure"
	case ErrCodeCapacityExceeded:
		return "capacity_exceeded"
	case ErrCodeClosed:
		return "closed"
	default:
		return "internal"
	}
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to e.Code, so a structured error
// satisfies the same errors.Is checks as a wrapped sentinel.
func (e *Error) Is(target error) bool {
	s, ok := codeSentinels[e.Code]
	return ok && s == target
}

var codeSentinels = map[ErrorCode]error{
	ErrCodeInvalidArgument:   ErrInvalidArgument,
	ErrCodeBufferFull:        ErrBufferFull,
	ErrCodeIssueFailure:      ErrIssueFailure,
	ErrCodeCompletionFailure: ErrCompletionFailure,
	ErrCodePeerClosed:        ErrPeerClosed,
	ErrCodeRegistration:      ErrRegistrationFailure,
	ErrCodeCapacityExceeded:  ErrCapacityExceeded,
	ErrCodeClosed:            ErrConnectionClosed,
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap creates a structured error around a cause.
func Wrap(code ErrorCode, cause error, message string) *Error {
	e := NewError(code, message)
	e.Err = cause
	return e
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CodeOf classifies err into an ErrorCode.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, ErrBufferFull):
		return ErrCodeBufferFull
	case errors.Is(err, ErrIssueFailure):
		return ErrCodeIssueFailure
	case errors.Is(err, ErrCompletionFailure):
		return ErrCodeCompletionFailure
	case errors.Is(err, ErrPeerClosed):
		return ErrCodePeerClosed
	case errors.Is(err, ErrRegistrationFailure):
		return ErrCodeRegistration
	case errors.Is(err, ErrCapacityExceeded):
		return ErrCodeCapacityExceeded
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrPortClosed), errors.Is(err, ErrServerClosed):
		return ErrCodeClosed
	case errors.Is(err, ErrInvalidArgument):
		return ErrCodeInvalidArgument
	}
	return ErrCodeInternal
}

// IsFatal reports whether a pump result requires tearing the connection down.
// Peer close is not fatal but also ends the connection; see IsTerminal.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case ErrCodeOK, ErrCodeBufferFull, ErrCodeCapacityExceeded, ErrCodePeerClosed:
		return false
	}
	return true
}

// IsTerminal reports whether the connection must leave the registry.
func IsTerminal(err error) bool {
	return IsFatal(err) || CodeOf(err) == ErrCodePeerClosed
}

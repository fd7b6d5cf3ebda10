/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"
	"fmt"
)

// ErrorKind tags every error surfaced by the calling components.
type ErrorKind string

const (
	KindAuthRequired          ErrorKind = "AuthRequired"
	KindTokenRequestFailed    ErrorKind = "TokenRequestFailed"
	KindRegistrationFailed    ErrorKind = "RegistrationFailed"
	KindDeviceNotReady        ErrorKind = "DeviceNotReady"
	KindCallInProgress        ErrorKind = "CallInProgress"
	KindMediaPermissionDenied ErrorKind = "MediaPermissionDenied"
	KindDeviceSwitchFailed    ErrorKind = "DeviceSwitchFailed"
	KindCallError             ErrorKind = "CallError"
	KindNetworkUnhealthy      ErrorKind = "NetworkUnhealthy"
	KindReconnectExhausted    ErrorKind = "ReconnectExhausted"
	KindHistoryFetchFailed    ErrorKind = "HistoryFetchFailed"
)

// Error is the tagged error type reported through OnError and returned by
// the component operations. Code and Message carry the gateway's call error
// details for KindCallError and are optional for the other kinds.
type Error struct {
	Kind    ErrorKind
	Code    int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (%d)", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of code, message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrAuthRequired          = &Error{Kind: KindAuthRequired}
	ErrTokenRequestFailed    = &Error{Kind: KindTokenRequestFailed}
	ErrRegistrationFailed    = &Error{Kind: KindRegistrationFailed}
	ErrDeviceNotReady        = &Error{Kind: KindDeviceNotReady}
	ErrCallInProgress        = &Error{Kind: KindCallInProgress}
	ErrMediaPermissionDenied = &Error{Kind: KindMediaPermissionDenied}
	ErrDeviceSwitchFailed    = &Error{Kind: KindDeviceSwitchFailed}
	ErrCallError             = &Error{Kind: KindCallError}
	ErrNetworkUnhealthy      = &Error{Kind: KindNetworkUnhealthy}
	ErrReconnectExhausted    = &Error{Kind: KindReconnectExhausted}
	ErrHistoryFetchFailed    = &Error{Kind: KindHistoryFetchFailed}
)

func newError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// NewCallError builds a KindCallError with the gateway's code and message.
func NewCallError(code int, message string) *Error {
	return &Error{Kind: KindCallError, Code: code, Message: message}
}

// IsKind reports whether err (or anything it wraps) is an *Error of kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

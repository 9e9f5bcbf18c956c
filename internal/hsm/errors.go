// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package hsm

import (
	"errors"
	"fmt"
)

// Result codes reported by HSM backends.
const (
	CodeOK             = 0x00
	CodeIO             = 0x01
	CodeNotInitialized = 0x02
	CodeAuth           = 0x03
	CodeKeyGroup       = 0x10
	CodeNoChannel      = 0x11
	CodeClosed         = 0x12
)

// Error is a failure reported by the HSM library.
type Error struct {
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hsm error %02X: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("hsm error %02X: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError builds an *Error.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrNoChannelAvailable is returned by Module.OpenChannel when all channels are busy.
var ErrNoChannelAvailable = &Error{Code: CodeNoChannel, Message: "no channel available"}

// ErrKeyGroup matches errors about unknown key groups.
var ErrKeyGroup = &Error{Code: CodeKeyGroup, Message: "key group not available"}

// CodeOf returns the code of err if it is an *Error, CodeIO otherwise.
func CodeOf(err error) int {
	var he *Error
	if errors.As(err, &he) {
		return he.Code
	}
	return CodeIO
}

// MessageOf returns the message of err if it is an *Error, err.Error() otherwise.
func MessageOf(err error) string {
	var he *Error
	if errors.As(err, &he) {
		return he.Message
	}
	return err.Error()
}

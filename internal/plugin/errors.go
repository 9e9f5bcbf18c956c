// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package plugin

import (
	"errors"
	"fmt"
)

// ErrIllegalArgument flags caller mistakes (bad references, nil readers).
var ErrIllegalArgument = errors.New("illegal argument")

// PluginIOError reports a plugin-level communication failure.
type PluginIOError struct {
	Msg string
	Err error
}

func (e *PluginIOError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *PluginIOError) Unwrap() error { return e.Err }

// NewPluginIOError builds a *PluginIOError wrapping err (which may be nil).
func NewPluginIOError(err error, format string, args ...any) *PluginIOError {
	return &PluginIOError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// ReaderIOError reports a failure talking to one reader.
type ReaderIOError struct {
	Msg string
	Err error
}

func (e *ReaderIOError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ReaderIOError) Unwrap() error { return e.Err }

// NewReaderIOError builds a *ReaderIOError wrapping err (which may be nil).
func NewReaderIOError(err error, format string, args ...any) *ReaderIOError {
	return &ReaderIOError{Msg: fmt.Sprintf(format, args...), Err: err}
}

/*
 * Copyright (c) 2024, NVIDIA CORPORATION.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package errdefs defines the typed error taxonomy shared by every
// component: a Kind plus an optional errno / RPC status, wrapped around
// the underlying cause so callers can still errors.Is/As through it.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy.
type Kind string

const (
	PathInvalid    Kind = "path-invalid"
	PathEscape     Kind = "path-escape"
	IO             Kind = "io"
	Mount          Kind = "mount"
	TypeConflict   Kind = "type-conflict"
	DeviceMismatch Kind = "device-mismatch"
	CgroupNotFound Kind = "cgroup-not-found"
	CgroupIO       Kind = "cgroup-io"
	RPCTransport   Kind = "rpc-transport"
	RPCMarshal     Kind = "rpc-marshal"
	RemoteError    Kind = "remote-error"
	Capability     Kind = "capability"
	Seccomp        Kind = "seccomp"
	ExecFailed     Kind = "exec-failed"
	LdconfigFailed Kind = "ldconfig-failed"
	KilledBySignal Kind = "killed-by-signal"
	ConfigInvalid  Kind = "config-invalid"
)

// Error is the concrete error type returned across every package boundary
// in this module. It is always constructed with New or Wrap so that Kind
// is never left empty.
type Error struct {
	Kind   Kind
	Msg    string
	Errno  error // optional: underlying syscall.Errno or similar
	Status int32 // optional: RPC/NVML status code, 0 when unused
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, &errdefs.Error{Kind: errdefs.Mount}) patterns
// via the Kind-only helpers below instead.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an *Error of the given Kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given Kind around a causal error.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), cause: cause}
}

// WithStatus attaches an RPC/NVML status code to an *Error and returns it.
func (e *Error) WithStatus(status int32) *Error {
	e.Status = status
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; ok is false otherwise.
func KindOf(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

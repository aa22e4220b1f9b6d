// Copyright (c) 2017 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package fwderrors defines the error taxonomy shared by the forwarding
// core's components. Errors carry a Code identifying which phase of the
// pipeline failed plus, for Connect errors, a Reason subdividing the cause.
package fwderrors

import (
	"bytes"
	"fmt"
)

// ConnectReason subdivides a Connect error per the opener's own bookkeeping.
type ConnectReason int

const (
	// ReasonUnspecified is used for non-Connect errors.
	ReasonUnspecified ConnectReason = 0
	// ReasonNoPathsFound means destinations were finalized empty.
	ReasonNoPathsFound ConnectReason = 1
	// ReasonExhaustedTries means the attempt budget was spent.
	ReasonExhaustedTries ConnectReason = 2
	// ReasonTimeout means the forwarding budget expired mid-attempt.
	ReasonTimeout ConnectReason = 3
	// ReasonRefused means the last dial attempt was actively refused.
	ReasonRefused ConnectReason = 4
)

// IsFwdError returns true if the given error is a non-nil forwarding error.
func IsFwdError(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*fwdError)
	return ok
}

// CodeOf returns the Code for the given error, or None if err is not a
// forwarding error.
func CodeOf(err error) Code {
	if err == nil {
		return None
	}
	if fe, ok := err.(*fwdError); ok {
		return fe.Code
	}
	return None
}

// ReasonOf returns the ConnectReason for the given error, or
// ReasonUnspecified if err is not a Connect error.
func ReasonOf(err error) ConnectReason {
	if fe, ok := err.(*fwdError); ok {
		return fe.Reason
	}
	return ReasonUnspecified
}

// UpstreamStatus returns the HTTP status code a TunnelerError carries for
// display, or 0 if err is not a TunnelerError.
func UpstreamStatus(err error) int {
	if fe, ok := err.(*fwdError); ok {
		return fe.Status
	}
	return 0
}

// SelectionErrorf returns a new error with code Selection.
func SelectionErrorf(format string, args ...interface{}) error {
	return newf(Selection, format, args...)
}

// ConnectErrorf returns a new error with code Connect and the given reason.
func ConnectErrorf(reason ConnectReason, format string, args ...interface{}) error {
	e := newf(Connect, format, args...).(*fwdError)
	e.Reason = reason
	return e
}

// TunnelerErrorf returns a new error with code Tunneler carrying the
// upstream HTTP status for display.
func TunnelerErrorf(status int, format string, args ...interface{}) error {
	e := newf(Tunneler, format, args...).(*fwdError)
	e.Status = status
	return e
}

// TlsErrorf returns a new error with code Tls.
func TlsErrorf(format string, args ...interface{}) error {
	return newf(Tls, format, args...)
}

// PinnedErrorf returns a new error with code Pinned.
func PinnedErrorf(format string, args ...interface{}) error {
	return newf(Pinned, format, args...)
}

// BudgetErrorf returns a new error with code Budget.
func BudgetErrorf(format string, args ...interface{}) error {
	return newf(Budget, format, args...)
}

// ServerClosedEarlyErrorf returns a new error with code ServerClosedEarly.
func ServerClosedEarlyErrorf(format string, args ...interface{}) error {
	return newf(ServerClosedEarly, format, args...)
}

// Wrap attaches cause to a forwarding error without changing its Code.
// It is a no-op (returns err unchanged) if err is not a forwarding error.
func Wrap(err error, cause error) error {
	if fe, ok := err.(*fwdError); ok {
		fe.cause = cause
		return fe
	}
	return err
}

func newf(code Code, format string, args ...interface{}) error {
	return &fwdError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

type fwdError struct {
	Code    Code
	Reason  ConnectReason
	Status  int
	Message string
	cause   error
}

func (e *fwdError) Error() string {
	buffer := bytes.NewBuffer(nil)
	_, _ = buffer.WriteString(`code:`)
	_, _ = buffer.WriteString(e.Code.String())
	if e.Reason != ReasonUnspecified {
		_, _ = fmt.Fprintf(buffer, " reason:%d", e.Reason)
	}
	if e.Status != 0 {
		_, _ = fmt.Fprintf(buffer, " status:%d", e.Status)
	}
	if e.Message != "" {
		_, _ = buffer.WriteString(` message:`)
		_, _ = buffer.WriteString(e.Message)
	}
	if e.cause != nil {
		_, _ = buffer.WriteString(` cause:`)
		_, _ = buffer.WriteString(e.cause.Error())
	}
	return buffer.String()
}

func (e *fwdError) Unwrap() error {
	return e.cause
}

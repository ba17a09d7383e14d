// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package isolation

import (
	"go.chromium.org/gallio/errors"
)

// ErrNilArgument is returned when a required argument is nil.
var ErrNilArgument = errors.New("argument must not be nil")

// TestIsolationError is returned when an isolated task could not be run to
// completion: the other side went away, the transport failed, or the task
// failed remotely.
type TestIsolationError struct {
	// Reason describes the failure.
	Reason string
	// RemoteDetail is the detailed description of a remote failure,
	// including stack traces if available.
	RemoteDetail string
	cause        error
}

func newIsolationError(reason string, cause error) *TestIsolationError {
	return &TestIsolationError{Reason: reason, cause: cause}
}

func (e *TestIsolationError) Error() string {
	if e.cause == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.cause.Error()
}

// Unwrap returns the underlying error, if any.
func (e *TestIsolationError) Unwrap() error {
	return e.cause
}

// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package usercode provides utilities to interact with code supplied by
// callers of the isolation layer: isolated tasks, finishing handlers, status
// reporters and host implementations.
package usercode

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/gallio/errors"
)

// PanicHandler specifies how to handle panics in SafeCall.
type PanicHandler func(val interface{})

// ReportOnPanic returns a PanicHandler that passes a panic to ReportUnhandled.
func ReportOnPanic(ctx context.Context, description string) PanicHandler {
	return func(val interface{}) {
		ReportUnhandled(ctx, description, errors.Errorf("panic: %v\n%s", val, debug.Stack()))
	}
}

// SafeCall runs a function f on a goroutine to protect callers from its
// possible bad behavior.
//
// SafeCall calls f with a context having a specified timeout. If f does not
// return before the timeout, SafeCall further waits for gracePeriod to allow
// some clean up. If f does not return after timeout + gracePeriod or ctx is
// canceled before f finishes, SafeCall abandons the goroutine and immediately
// returns an error. name is included in an error message to explain which user
// code did not return.
//
// If f panics, SafeCall calls a panic handler ph to handle it. SafeCall will
// not call ph if it decides to abandon f, even if f panics later.
//
// SafeCall returns an error only if execution of f was abandoned for some
// reasons (e.g. f ignored the timeout, ctx was canceled). In other cases, it
// returns nil.
func SafeCall(ctx context.Context, clk clock.Clock, name string, timeout, gracePeriod time.Duration, ph PanicHandler, f func(ctx context.Context)) error {
	// Two goroutines race for a token below.
	// The main goroutine attempts to take a token when it sees timeout
	// or context cancellation. If it successfully takes a token, SafeCall
	// returns immediately without waiting for f to finish, and ph will
	// never be called.
	// A background goroutine attempts to take a token when it finishes
	// calling f. If it successfully takes a token, it calls recover and
	// ph (if it recovered from a panic). Until the goroutine finishes
	// SafeCall will not return.

	var token uint32
	// takeToken returns true if it is called first time.
	takeToken := func() bool {
		return atomic.CompareAndSwapUint32(&token, 0, 1)
	}

	done := make(chan struct{}) // closed when the background goroutine finishes

	go func() {
		defer close(done)

		defer func() {
			// Always call recover to avoid crashing the process.
			val := recover()

			// If the main goroutine already returned from SafeCall, do not call ph.
			if !takeToken() {
				return
			}

			// Call ph on this goroutine to include the panic location in the
			// stack trace.
			if val != nil {
				ph(val)
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		f(ctx)
	}()

	// Block returning from SafeCall if the background goroutine is still calling ph.
	defer func() {
		if !takeToken() {
			<-done
		}
	}()

	// Allow f to clean up after timeout for gracePeriod.
	tm := clk.NewTimer(timeout + gracePeriod)
	defer tm.Stop()

	select {
	case <-done:
		return nil
	case <-tm.C():
		return errors.Errorf("%s did not return on timeout", name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call calls f on the current goroutine and converts a panic in f into an
// error. name is included in the error message.
//
// Unlike SafeCall, Call never abandons f, so f observes the caller's context
// values, including the current test context, exactly.
func Call(ctx context.Context, name string, f func(ctx context.Context) error) (retErr error) {
	defer func() {
		if val := recover(); val != nil {
			retErr = errors.Errorf("%s panicked: %v\n%s", name, val, debug.Stack())
		}
	}()
	return f(ctx)
}

// Describe formats err for transport across a process boundary: the message
// as the first line and the detailed form (with stack traces for errors made
// by the errors package) after it.
func Describe(err error) (reason, detail string) {
	return err.Error(), fmt.Sprintf("%+v", err)
}

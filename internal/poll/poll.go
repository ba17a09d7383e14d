// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package poll repeatedly evaluates a condition until it holds.
package poll

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/gallio/errors"
)

const defaultInterval = 100 * time.Millisecond

// Options configures Poll.
type Options struct {
	// Timeout specifies the maximum time to poll.
	// Non-positive values indicate no timeout (although context deadlines will still be honored).
	Timeout time.Duration
	// Interval specifies how long to sleep between polling.
	// Non-positive values indicate that a reasonable default should be used.
	Interval time.Duration
	// Clock drives the sleeps between attempts. The real clock is used if nil.
	// Timeout is always measured in real time through the context.
	Clock clock.Clock
}

// breakError is a wrapper of error to terminate the Poll immediately.
type breakError struct {
	err error
}

func (b *breakError) Error() string {
	return b.err.Error()
}

// Break wraps err so that returning it from the function passed to Poll stops
// polling immediately. Poll then returns err.
func Break(err error) error {
	return &breakError{err}
}

// Poll calls f until it returns nil, returns an error wrapped by Break, or
// the timeout or ctx expires.
func Poll(ctx context.Context, f func(context.Context) error, opts *Options) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if opts == nil {
		opts = &Options{}
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewClock()
	}

	var lastErr error
	for {
		err := f(ctx)
		if err == nil {
			return nil
		}

		if e, ok := err.(*breakError); ok {
			return e.err
		}

		// If f honors ctx's deadline, it may return a "context deadline exceeded" error
		// if the deadline is reached while is running. Keep the last error
		// returned before the deadline so that the caller sees something useful.
		if lastErr == nil || ctx.Err() == nil {
			lastErr = err
		}

		select {
		case <-clk.After(interval):
		case <-ctx.Done():
			return errors.Wrapf(lastErr, "%s; last error follows", ctx.Err())
		}
	}
}

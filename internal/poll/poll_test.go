// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package poll_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/poll"
)

func TestPoll(t *testing.T) {
	const succeedAt = 3
	n := 0
	err := poll.Poll(context.Background(), func(context.Context) error {
		n++
		if n < succeedAt {
			return errors.New("not yet")
		}
		return nil
	}, &poll.Options{Interval: time.Millisecond})
	if err != nil {
		t.Fatal("Poll failed: ", err)
	}
	if n != succeedAt {
		t.Errorf("f called %d times; want %d", n, succeedAt)
	}
}

func TestPollTimeout(t *testing.T) {
	err := poll.Poll(context.Background(), func(context.Context) error {
		return errors.New("never")
	}, &poll.Options{Timeout: 10 * time.Millisecond, Interval: time.Millisecond})
	if err == nil {
		t.Fatal("Poll succeeded unexpectedly")
	}
	if msg := err.Error(); !strings.HasSuffix(msg, "last error follows: never") {
		t.Errorf("Poll error = %q; want the last error at the end", msg)
	}
}

func TestPollBreak(t *testing.T) {
	want := errors.New("fatal")
	n := 0
	err := poll.Poll(context.Background(), func(context.Context) error {
		n++
		return poll.Break(want)
	}, nil)
	if err != want {
		t.Errorf("Poll returned %v; want %v", err, want)
	}
	if n != 1 {
		t.Errorf("f called %d times; want 1", n)
	}
}

func TestPollCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := poll.Poll(ctx, func(context.Context) error { return nil }, nil); err != context.Canceled {
		t.Errorf("Poll returned %v; want %v", err, context.Canceled)
	}
}

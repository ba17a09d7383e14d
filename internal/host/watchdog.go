// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/shirou/gopsutil/v3/process"

	"go.chromium.org/gallio/internal/logging"
)

// WatchOwner checks every interval whether the process pid is alive. The
// returned channel is closed once it is gone. Checking stops when ctx is
// canceled.
func WatchOwner(ctx context.Context, clk clock.Clock, pid int, interval time.Duration) <-chan struct{} {
	gone := make(chan struct{})
	go func() {
		tick := clk.NewTicker(interval)
		defer tick.Stop()
		for {
			alive, err := process.PidExistsWithContext(ctx, int32(pid))
			if err != nil {
				logging.Debugf(ctx, "Failed to check owner process %d: %v", pid, err)
			} else if !alive {
				logging.Infof(ctx, "Owner process %d is gone", pid)
				close(gone)
				return
			}
			select {
			case <-tick.C():
			case <-ctx.Done():
				return
			}
		}
	}()
	return gone
}

// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package testcontext

import (
	"sync"
)

var (
	defaultTrackerMu sync.Mutex
	defaultTracker   = NewTracker()
)

// DefaultTracker returns the process-wide tracker.
func DefaultTracker() *Tracker {
	defaultTrackerMu.Lock()
	defer defaultTrackerMu.Unlock()
	return defaultTracker
}

// SetDefaultTrackerForTesting temporarily replaces the process-wide tracker
// for unit testing. The returned function restores the previous one.
func SetDefaultTrackerForTesting(t *Tracker) (restore func()) {
	defaultTrackerMu.Lock()
	defer defaultTrackerMu.Unlock()
	orig := defaultTracker
	defaultTracker = t
	return func() {
		defaultTrackerMu.Lock()
		defer defaultTrackerMu.Unlock()
		defaultTracker = orig
	}
}

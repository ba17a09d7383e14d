// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package usercode

import (
	"context"
	"sync"

	"go.chromium.org/gallio/internal/logging"
)

// UnhandledObserver is notified of errors passed to ReportUnhandled.
type UnhandledObserver func(description string, err error)

var (
	observersMu sync.Mutex
	observers   = map[int]UnhandledObserver{}
	nextID      int
)

// AddUnhandledObserver registers f to be called for every error reported by
// ReportUnhandled. The returned function removes the observer.
func AddUnhandledObserver(f UnhandledObserver) (remove func()) {
	observersMu.Lock()
	defer observersMu.Unlock()
	id := nextID
	nextID++
	observers[id] = f
	return func() {
		observersMu.Lock()
		defer observersMu.Unlock()
		delete(observers, id)
	}
}

// ReportUnhandled reports an error that was caught during teardown and is
// about to be suppressed, such as a failure while disposing a host or while
// running finishing handlers. The error is logged via ctx and passed to every
// registered observer. ReportUnhandled never fails or panics, even if an
// observer does.
func ReportUnhandled(ctx context.Context, description string, err error) {
	logging.Warningf(ctx, "%s: %+v", description, err)

	observersMu.Lock()
	fs := make([]UnhandledObserver, 0, len(observers))
	for _, f := range observers {
		fs = append(fs, f)
	}
	observersMu.Unlock()

	for _, f := range fs {
		func() {
			defer func() {
				if val := recover(); val != nil {
					logging.Warningf(ctx, "Unhandled error observer panicked: %v", val)
				}
			}()
			f(description, err)
		}()
	}
}

// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package control

import (
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
)

// PingWriter writes Ping messages periodically to a Sink.
type PingWriter struct {
	mu     sync.Mutex
	closed bool
	fin    chan struct{} // sending a message to this channel stops the background goroutine
}

// NewPingWriter constructs a new PingWriter for sink.
// d is the interval at which ping messages are written. If d is non-positive,
// no ping message will be written. In any case, Stop must be called after use
// to stop the background goroutine.
func NewPingWriter(sink Sink, clk clock.Clock, d time.Duration) *PingWriter {
	fin := make(chan struct{})

	go func() {
		defer close(fin)

		if d <= 0 {
			<-fin
			return
		}

		tick := clk.NewTicker(d)
		defer tick.Stop()

		sink.WriteMessage(&Ping{Time: clk.Now()})
		for {
			select {
			case <-tick.C():
				sink.WriteMessage(&Ping{Time: clk.Now()})
			case <-fin:
				return
			}
		}
	}()

	return &PingWriter{fin: fin}
}

// Stop stops the background goroutine to write ping messages.
// Once this method returns, ping messages are no longer written.
// Be aware that this method may block if the sink is blocking.
// It is safe to call Stop multiple times.
func (w *PingWriter) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	// Since the channel capacity is 0, the background goroutine will never
	// write further ping messages once this send finishes.
	w.fin <- struct{}{}
	w.closed = true
}

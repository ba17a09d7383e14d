// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package control

import (
	"reflect"
	"sync"

	"golang.org/x/exp/slices"
)

// Sink is the publish target of messages. Implementations must be safe for
// concurrent use.
type Sink interface {
	WriteMessage(msg Msg) error
}

var _ Sink = (*MessageWriter)(nil)

// SinkFunc adapts a function to Sink.
type SinkFunc func(msg Msg) error

// WriteMessage calls f.
func (f SinkFunc) WriteMessage(msg Msg) error {
	return f(msg)
}

// Discard is a Sink that drops every message.
var Discard Sink = SinkFunc(func(Msg) error { return nil })

// Recorder is a Sink that keeps every message in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []Msg
}

// WriteMessage records msg.
func (r *Recorder) WriteMessage(msg Msg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

// Messages returns the messages recorded so far.
func (r *Recorder) Messages() []Msg {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.msgs)
}

// Consumer dispatches messages to handlers keyed by message type.
//
// Register handlers with Handle before calling WriteMessage. Messages with no
// handler go to the fallback, or are dropped when there is none.
type Consumer struct {
	handlers map[reflect.Type]func(Msg) error
	fallback func(Msg) error
}

// NewConsumer creates a Consumer with no handlers.
func NewConsumer() *Consumer {
	return &Consumer{handlers: make(map[reflect.Type]func(Msg) error)}
}

// Handle registers f as the handler of messages of type T.
func Handle[T Msg](c *Consumer, f func(msg T) error) {
	var zero T
	c.handlers[reflect.TypeOf(zero)] = func(msg Msg) error {
		return f(msg.(T))
	}
}

// HandleOthers registers f as the handler of messages with no type-specific
// handler.
func (c *Consumer) HandleOthers(f func(msg Msg) error) {
	c.fallback = f
}

// WriteMessage dispatches msg. Consumer thus also works as a Sink.
func (c *Consumer) WriteMessage(msg Msg) error {
	if h, ok := c.handlers[reflect.TypeOf(msg)]; ok {
		return h(msg)
	}
	if c.fallback != nil {
		return c.fallback(msg)
	}
	return nil
}

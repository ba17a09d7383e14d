// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package link implements the message exchange link, a bidirectional channel
// carrying control messages between an isolation server and its client.
//
// Each side of a link is an Endpoint. Messages sent from one endpoint arrive at
// the other in the order they were sent. A message counts as received once
// the remote side has taken it out of its inbox with Receive, at which point an
// acknowledgement flows back so that the sender can wait for its published
// messages to be consumed.
package link

import (
	"encoding/json"
	"time"

	"go.chromium.org/gallio/internal/control"
)

// Link is a bidirectional message channel.
type Link interface {
	// Send enqueues msg for the remote end. It does not wait for the message
	// to be received.
	Send(msg control.Msg) error
	// Receive waits up to timeout for the next message. It returns (nil, nil)
	// if none arrived in time, which callers should treat as a normal
	// condition and retry. A *MessageError is returned for a message that
	// could not be decoded; the link remains usable. Any other error is
	// returned once the link is closed and every message already delivered
	// has been received.
	Receive(timeout time.Duration) (control.Msg, error)
	// WaitForPublishedMessagesToBeReceived waits up to timeout until every
	// message sent so far has been received by the remote end. It returns
	// false on timeout or if the link broke first.
	WaitForPublishedMessagesToBeReceived(timeout time.Duration) bool
	// Close closes the link. Pending Receive calls on both ends return errors
	// once their inboxes are drained.
	Close() error
}

// Frame is the unit carried by a Transport. A frame carries a message, an
// acknowledgement, or both.
type Frame struct {
	// Seq is the sequence number of Msg, starting from 1. It is zero for
	// acknowledgement-only frames.
	Seq uint64 `json:"seq,omitempty"`
	// Ack is the sequence number of a message received by the sender.
	Ack uint64 `json:"ack,omitempty"`
	// Msg is a message encoded by control.Marshal.
	Msg json.RawMessage `json:"msg,omitempty"`
}

// Transport moves frames between two endpoints.
//
// SendFrame and RecvFrame may be called concurrently with each other, but an
// Endpoint never calls either of them concurrently with itself. Close must
// unblock a pending RecvFrame.
type Transport interface {
	SendFrame(f *Frame) error
	RecvFrame() (*Frame, error)
	Close() error
}

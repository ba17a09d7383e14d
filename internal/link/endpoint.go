// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package link

import (
	"fmt"
	"io"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/eapache/queue"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/control"
)

// ErrClosed is returned by an Endpoint after its link was closed by either
// side.
var ErrClosed = errors.New("message exchange link is closed")

// Endpoint is one side of a message exchange link.
// It is safe to call its methods concurrently from multiple goroutines.
type Endpoint struct {
	tr  Transport
	clk clock.Clock

	sendMu sync.Mutex // serializes frame writes so that sequence numbers go out in order

	mu      sync.Mutex
	inbox   *queue.Queue // of *Frame
	sent    uint64
	acked   uint64
	err     error
	changed chan struct{} // closed and replaced whenever the fields above change

	closeOnce sync.Once
	done      chan struct{}
}

// MessageError is returned by Receive for a message that could not be
// decoded. The link stays usable and later messages can still be received.
type MessageError struct {
	// Seq is the sequence number of the message.
	Seq   uint64
	cause error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("undecodable message #%d: %v", e.Seq, e.cause)
}

func (e *MessageError) Unwrap() error { return e.cause }

var _ Link = (*Endpoint)(nil)
var _ control.Sink = (*Endpoint)(nil)

// NewEndpoint creates an Endpoint talking over tr and starts reading frames
// from it. clk is used for Receive and WaitForPublishedMessagesToBeReceived
// timeouts.
func NewEndpoint(tr Transport, clk clock.Clock) *Endpoint {
	e := &Endpoint{
		tr:      tr,
		clk:     clk,
		inbox:   queue.New(),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go e.readLoop()
	return e
}

func (e *Endpoint) readLoop() {
	defer close(e.done)
	for {
		f, err := e.tr.RecvFrame()
		if err != nil {
			if err == io.EOF {
				err = ErrClosed
			} else {
				err = errors.Wrap(err, "message exchange link broken")
			}
			e.fail(err)
			return
		}

		e.mu.Lock()
		if f.Ack > 0 {
			e.acked++
		}
		if f.Seq > 0 {
			e.inbox.Add(f)
		}
		e.signalLocked()
		e.mu.Unlock()
	}
}

// signalLocked wakes up waiters. e.mu must be held.
func (e *Endpoint) signalLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Endpoint) fail(err error) {
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.signalLocked()
	e.mu.Unlock()

	e.closeOnce.Do(func() { e.tr.Close() })
}

// Send enqueues msg for the remote end.
func (e *Endpoint) Send(msg control.Msg) error {
	b, err := control.Marshal(msg)
	if err != nil {
		return err
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	if e.err != nil {
		err := e.err
		e.mu.Unlock()
		return err
	}
	e.sent++
	seq := e.sent
	e.mu.Unlock()

	if err := e.tr.SendFrame(&Frame{Seq: seq, Msg: b}); err != nil {
		err = errors.Wrapf(err, "failed to send %T", msg)
		e.fail(err)
		return err
	}
	return nil
}

// WriteMessage is the same as Send. It allows an Endpoint to be used as a
// control.Sink.
func (e *Endpoint) WriteMessage(msg control.Msg) error {
	return e.Send(msg)
}

// Receive waits up to timeout for the next message.
func (e *Endpoint) Receive(timeout time.Duration) (control.Msg, error) {
	var timeoutCh <-chan time.Time
	for {
		e.mu.Lock()
		if e.inbox.Length() > 0 {
			f := e.inbox.Remove().(*Frame)
			e.mu.Unlock()
			e.ack(f.Seq)
			msg, err := control.Unmarshal(f.Msg)
			if err != nil {
				return nil, &MessageError{Seq: f.Seq, cause: err}
			}
			return msg, nil
		}
		if e.err != nil {
			err := e.err
			e.mu.Unlock()
			return nil, err
		}
		changed := e.changed
		e.mu.Unlock()

		if timeoutCh == nil {
			if timeout <= 0 {
				return nil, nil
			}
			timer := e.clk.NewTimer(timeout)
			defer timer.Stop()
			timeoutCh = timer.C()
		}

		select {
		case <-changed:
		case <-timeoutCh:
			return nil, nil
		}
	}
}

func (e *Endpoint) ack(seq uint64) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	// A failed acknowledgement means the link is going away; the next Receive
	// reports it.
	if err := e.tr.SendFrame(&Frame{Ack: seq}); err != nil {
		e.fail(errors.Wrap(err, "failed to acknowledge a message"))
	}
}

// WaitForPublishedMessagesToBeReceived waits up to timeout until every
// message sent so far has been received by the remote end.
func (e *Endpoint) WaitForPublishedMessagesToBeReceived(timeout time.Duration) bool {
	var timeoutCh <-chan time.Time
	for {
		e.mu.Lock()
		if e.acked >= e.sent {
			e.mu.Unlock()
			return true
		}
		if e.err != nil {
			e.mu.Unlock()
			return false
		}
		changed := e.changed
		e.mu.Unlock()

		if timeoutCh == nil {
			if timeout <= 0 {
				return false
			}
			timer := e.clk.NewTimer(timeout)
			defer timer.Stop()
			timeoutCh = timer.C()
		}

		select {
		case <-changed:
		case <-timeoutCh:
			return false
		}
	}
}

// Close closes the link and waits for the frame reader to stop.
func (e *Endpoint) Close() error {
	e.fail(ErrClosed)
	<-e.done
	return nil
}

// Done returns a channel closed when the link stops delivering frames, either
// because it was closed or because the transport broke.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Err returns the reason the link stopped, or nil while it is open.
func (e *Endpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package isolation

import (
	"context"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/control"
	"go.chromium.org/gallio/internal/link"
	"go.chromium.org/gallio/internal/logging"
	"go.chromium.org/gallio/internal/task"
)

// Client runs isolated tasks dispatched by a server on the other end of a
// message exchange link.
type Client struct {
	link link.Link
	reg  *task.Registry
	opts *options
}

// NewClient creates a client running tasks from reg. The global registry is
// used if reg is nil.
func NewClient(l link.Link, reg *task.Registry, opts ...Option) *Client {
	if reg == nil {
		reg = task.GlobalRegistry()
	}
	return &Client{link: l, reg: reg, opts: newOptions(opts)}
}

type remoteSinkKey struct{}

// RemoteSink returns the sink forwarding messages to the server that
// dispatched the current isolated task.
func RemoteSink(ctx context.Context) (control.Sink, bool) {
	s, ok := ctx.Value(remoteSinkKey{}).(control.Sink)
	return s, ok
}

// Run runs the receive loop until the server asks the client to shut down
// or the server becomes unavailable. Tasks run one at a time on the calling
// goroutine. Ping messages are sent in the background meanwhile.
func (c *Client) Run(ctx context.Context) error {
	sink := control.SinkFunc(c.link.Send)
	pw := control.NewPingWriter(sink, c.opts.clk, c.opts.pingInterval)
	defer pw.Stop()

	ctx = context.WithValue(ctx, remoteSinkKey{}, control.Sink(sink))

	for {
		msg, err := c.link.Receive(c.opts.pollTimeout)
		var me *link.MessageError
		if errors.As(err, &me) {
			logging.Infof(ctx, "Dropping message from the isolation server: %v", err)
			continue
		}
		if err != nil {
			logging.Infof(ctx, "Isolation server is unavailable: %v", err)
			return newIsolationError("isolation server is unavailable", err)
		}

		switch msg := msg.(type) {
		case nil:
		case *control.Shutdown:
			logging.Debug(ctx, "Isolation client shutting down")
			return nil
		case *control.RunIsolatedTask:
			if err := c.runTask(ctx, msg); err != nil {
				logging.Infof(ctx, "Isolation server is unavailable: %v", err)
				return newIsolationError("isolation server is unavailable", err)
			}
		default:
			logging.Debugf(ctx, "Ignoring unexpected message %T", msg)
		}
	}
}

// runTask runs a task and sends back its result. Only failures to send the
// result are returned.
func (c *Client) runTask(ctx context.Context, msg *control.RunIsolatedTask) error {
	logging.Debugf(ctx, "Running isolated task %s (%s)", msg.TaskType, msg.ID)
	fin := &control.IsolatedTaskFinished{ID: msg.ID}
	res, err := task.Execute(ctx, c.reg, msg.TaskType, task.ArgsFromRaw(msg.Args))
	if err != nil {
		fin.Error = task.ErrorInfo(err)
	} else {
		fin.Result = res.Raw()
	}
	fin.Time = c.opts.clk.Now()
	return c.link.Send(fin)
}

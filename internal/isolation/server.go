// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package isolation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/control"
	"go.chromium.org/gallio/internal/link"
	"go.chromium.org/gallio/internal/logging"
	"go.chromium.org/gallio/internal/task"
)

// Server dispatches isolated tasks to a client on the other end of a message
// exchange link. Messages other than isolation protocol messages, such as
// test step messages published by tasks, are relayed to a sink.
type Server struct {
	link   link.Link
	sink   control.Sink
	opts   *options
	logCtx context.Context

	mu       sync.Mutex
	pending  map[string]*pendingTask
	lastSeen time.Time
	err      error // set when the receive loop stops

	done chan struct{}
}

// pendingTask is the wait state of a dispatched task.
type pendingTask struct {
	done chan struct{} // closed when msg is set
	msg  *control.IsolatedTaskFinished
}

// NewServer starts a server on l. Relayed messages go to sink. ctx is used
// for logging by the receive loop.
func NewServer(ctx context.Context, l link.Link, sink control.Sink, opts ...Option) *Server {
	o := newOptions(opts)
	s := &Server{
		link:     l,
		sink:     sink,
		opts:     o,
		logCtx:   ctx,
		pending:  make(map[string]*pendingTask),
		lastSeen: o.clk.Now(),
		done:     make(chan struct{}),
	}
	go s.receiveLoop()
	return s
}

func (s *Server) receiveLoop() {
	defer close(s.done)

	consumer := control.NewConsumer()
	control.Handle(consumer, s.handleFinished)
	control.Handle(consumer, func(*control.Ping) error {
		s.opts.metrics.pingsReceived.Inc()
		return nil
	})
	consumer.HandleOthers(s.sink.WriteMessage)

	for {
		msg, err := s.link.Receive(s.opts.pollTimeout)
		if err != nil {
			var me *link.MessageError
			if errors.As(err, &me) {
				logging.Infof(s.logCtx, "Dropping message from the isolation client: %v", err)
				continue
			}
			s.stop(newIsolationError("message exchange link is down", err))
			s.link.Close()
			return
		}
		if msg == nil {
			if err := s.checkLiveness(); err != nil {
				s.stop(err)
				s.link.Close()
				return
			}
			continue
		}

		s.mu.Lock()
		s.lastSeen = s.opts.clk.Now()
		s.mu.Unlock()

		if err := consumer.WriteMessage(msg); err != nil {
			logging.Infof(s.logCtx, "Failed to handle %T: %v", msg, err)
		}
	}
}

func (s *Server) handleFinished(msg *control.IsolatedTaskFinished) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[msg.ID]
	if !ok {
		logging.Debugf(s.logCtx, "Ignoring result of unknown task %s", msg.ID)
		return nil
	}
	if p.msg != nil {
		return nil
	}
	p.msg = msg
	close(p.done)
	return nil
}

func (s *Server) checkLiveness() error {
	if s.opts.livenessTimeout <= 0 {
		return nil
	}
	s.mu.Lock()
	silent := s.opts.clk.Since(s.lastSeen)
	s.mu.Unlock()
	if silent <= s.opts.livenessTimeout {
		return nil
	}
	return newIsolationError(fmt.Sprintf("no message from the isolation client for %v", silent), nil)
}

func (s *Server) stop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the reason the server stopped, or nil while it is running.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done returns a channel closed when the server stops receiving messages.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// RunIsolatedTaskOnClient runs a task of type taskType on the client with
// args and waits for its result. Failures, including remote task failures,
// are returned as *TestIsolationError.
func (s *Server) RunIsolatedTaskOnClient(ctx context.Context, taskType string, args ...interface{}) (task.Result, error) {
	a, err := task.NewArgs(args...)
	if err != nil {
		return task.Result{}, err
	}

	id := uuid.NewString()
	p := &pendingTask{done: make(chan struct{})}

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return task.Result{}, newIsolationError("isolation server is not running", err)
	}
	s.pending[id] = p
	s.mu.Unlock()
	s.opts.metrics.pendingTasks.Inc()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		s.opts.metrics.pendingTasks.Dec()
	}()

	if err := s.link.Send(&control.RunIsolatedTask{
		Time:     s.opts.clk.Now(),
		ID:       id,
		TaskType: taskType,
		Args:     a.Raw(),
	}); err != nil {
		s.opts.metrics.taskCompleted(resultAborted)
		return task.Result{}, newIsolationError("failed to dispatch isolated task "+taskType, err)
	}

	select {
	case <-p.done:
	case <-s.done:
		// The result may have arrived right before the loop stopped.
		select {
		case <-p.done:
		default:
			s.opts.metrics.taskCompleted(resultAborted)
			return task.Result{}, newIsolationError("isolated task "+taskType+" was aborted", s.Err())
		}
	case <-ctx.Done():
		s.opts.metrics.taskCompleted(resultAborted)
		return task.Result{}, newIsolationError("isolated task "+taskType+" was abandoned", ctx.Err())
	}

	if e := p.msg.Error; e != nil {
		s.opts.metrics.taskCompleted(resultFailed)
		return task.Result{}, &TestIsolationError{
			Reason:       fmt.Sprintf("isolated task %s failed remotely: %s", taskType, e.Reason),
			RemoteDetail: e.Detail,
		}
	}
	s.opts.metrics.taskCompleted(resultSucceeded)
	return task.ResultFromRaw(p.msg.Result), nil
}

// Shutdown asks the client to leave its receive loop and waits up to timeout
// for the request to be received.
func (s *Server) Shutdown(timeout time.Duration) error {
	if err := s.link.Send(&control.Shutdown{Time: s.opts.clk.Now()}); err != nil {
		return newIsolationError("failed to send shutdown request", err)
	}
	if !s.link.WaitForPublishedMessagesToBeReceived(timeout) {
		return newIsolationError(fmt.Sprintf("isolation client did not receive shutdown request within %v", timeout), nil)
	}
	return nil
}

// Close closes the link and waits for the receive loop to stop.
func (s *Server) Close() error {
	err := s.link.Close()
	<-s.done
	return err
}

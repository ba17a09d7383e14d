// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package testing

import (
	"context"
	"sync"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/control"
	"go.chromium.org/gallio/internal/testcontext"
)

// ContextManager starts steps as ObservableContexts that publish to a sink.
type ContextManager struct {
	tracker *testcontext.Tracker
	sink    control.Sink
	clk     clock.Clock
	stub    *StubContext

	mu      sync.Mutex
	running map[string]*ObservableContext // keyed by step ID
}

// ManagerOption customizes a ContextManager.
type ManagerOption func(m *ContextManager)

// WithClock sets the clock used for timestamps and step durations.
func WithClock(clk clock.Clock) ManagerOption {
	return func(m *ContextManager) { m.clk = clk }
}

// WithStubLogContext makes the stub context returned by CurrentContext
// write its log to the logger attached to ctx.
func WithStubLogContext(ctx context.Context) ManagerOption {
	return func(m *ContextManager) { m.stub = NewStubContext(ctx) }
}

// NewContextManager returns a manager that tracks contexts with tracker and
// publishes their messages to sink. sink must be safe for concurrent use.
func NewContextManager(tracker *testcontext.Tracker, sink control.Sink, opts ...ManagerOption) *ContextManager {
	m := &ContextManager{
		tracker: tracker,
		sink:    sink,
		clk:     clock.NewClock(),
		running: make(map[string]*ObservableContext),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.stub == nil {
		m.stub = NewStubContext(context.Background())
	}
	return m
}

// Tracker returns the tracker contexts are entered with.
func (m *ContextManager) Tracker() *testcontext.Tracker {
	return m.tracker
}

// CurrentContext returns the current test context of ctx. It returns a stub
// context if no test step is running.
func (m *ContextManager) CurrentContext(ctx context.Context) Context {
	if c, ok := m.tracker.CurrentContext(ctx).(Context); ok {
		return c
	}
	return m.stub
}

// StartStep starts step as a child of the current context of ctx. The
// returned context.Context has the new step entered; the caller must
// eventually call FinishStep or Close on the returned context.
func (m *ContextManager) StartStep(ctx context.Context, step *Step) (context.Context, *ObservableContext, error) {
	if step == nil {
		return nil, nil, errors.Wrap(ErrNilArgument, "step")
	}
	var parent Context
	if c, ok := m.tracker.CurrentContext(ctx).(Context); ok {
		if _, stub := c.(*StubContext); !stub {
			parent = c
		}
	}
	return m.startStep(ctx, step, parent)
}

func (m *ContextManager) startStep(ctx context.Context, step *Step, parent Context) (context.Context, *ObservableContext, error) {
	c := newObservableContext(m, step, parent)

	m.mu.Lock()
	if _, ok := m.running[step.ID]; ok {
		m.mu.Unlock()
		return nil, nil, errors.Wrapf(ErrAlreadyStarted, "%s", step.FullName)
	}
	m.running[step.ID] = c
	m.mu.Unlock()

	ctx, err := c.begin(ctx)
	if err != nil {
		m.forget(c)
		return nil, nil, err
	}
	return ctx, c, nil
}

func (m *ContextManager) forget(c *ObservableContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running[c.step.ID] == c {
		delete(m.running, c.step.ID)
	}
}

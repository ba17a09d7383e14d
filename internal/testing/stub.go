// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package testing

import (
	"context"
	"sync"
	"sync/atomic"
)

// StubContext is a Context that is always running and never publishes
// anything. Its log goes to the logger attached to the context.Context it
// was created with.
//
// It is used as the current context when no test step is running.
type StubContext struct {
	logCtx      context.Context
	parent      Context
	step        *Step
	log         LogWriter
	data        UserData
	assertCount int64 // atomic

	mu      sync.Mutex
	phase   string
	outcome Outcome
}

var _ Context = (*StubContext)(nil)

// NewStubContext returns a root stub context logging to ctx.
func NewStubContext(ctx context.Context) *StubContext {
	return newStubContext(ctx, nil, NewStep(nil, "Stub", ""))
}

func newStubContext(ctx context.Context, parent Context, step *Step) *StubContext {
	return &StubContext{
		logCtx:  ctx,
		parent:  parent,
		step:    step,
		log:     loggingLogWriter{ctx: ctx},
		outcome: Passed,
	}
}

func (c *StubContext) StepID() string       { return c.step.ID }
func (c *StubContext) IsFinished() bool     { return false }
func (c *StubContext) IsRunning() bool      { return true }
func (c *StubContext) Parent() Context      { return c.parent }
func (c *StubContext) Step() *Step          { return c.step }
func (c *StubContext) LogWriter() LogWriter { return c.log }
func (c *StubContext) Data() *UserData      { return &c.data }

func (c *StubContext) LifecyclePhase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *StubContext) SetLifecyclePhase(phase string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = phase
	return nil
}

func (c *StubContext) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

func (c *StubContext) SetInterimOutcome(outcome Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcome = outcome
	return nil
}

func (c *StubContext) AssertCount() int {
	return int(atomic.LoadInt64(&c.assertCount))
}

func (c *StubContext) AddAssertCount(n int) {
	atomic.AddInt64(&c.assertCount, int64(n))
	if c.parent != nil {
		c.parent.AddAssertCount(n)
	}
}

func (c *StubContext) AddMetadata(key, value string) error {
	c.step.AddMetadata(key, value)
	return nil
}

// OnFinishing never calls f since a stub context never finishes.
func (c *StubContext) OnFinishing(ctx context.Context, f func(ctx context.Context) error) (remove func()) {
	return func() {}
}

// StartChildStep returns another stub context for step. ctx is returned
// unchanged.
func (c *StubContext) StartChildStep(ctx context.Context, step *Step) (context.Context, Context, error) {
	if step == nil {
		return nil, nil, ErrNilArgument
	}
	return ctx, newStubContext(c.logCtx, c, step), nil
}

func (c *StubContext) FinishStep(ctx context.Context, outcome Outcome, opts ...FinishOption) error {
	return nil
}

func (c *StubContext) Close(ctx context.Context) {}

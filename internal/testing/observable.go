// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package testing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/control"
	"go.chromium.org/gallio/internal/testcontext"
	"go.chromium.org/gallio/internal/usercode"
)

type executionStatus int

const (
	statusCreated executionStatus = iota
	statusStarted
	statusFinishing
	statusFinished
)

const orphanMessage = "The test step was orphaned by the test runner!\n"

type finishingObserver struct {
	f func(ctx context.Context) error
}

// ObservableContext is a Context that publishes its state changes to the
// sink of its ContextManager.
type ObservableContext struct {
	manager    *ContextManager
	parent     Context
	step       *Step
	log        *observableLogWriter
	visibleLog LogWriter
	data       UserData

	assertCount int64 // atomic

	// mu guards the fields below. It is never held while calling handlers
	// or other contexts.
	mu               sync.Mutex
	status           executionStatus
	phase            string
	outcome          Outcome
	observers        []*finishingObserver
	start            time.Time
	cookie           *testcontext.Cookie
	removeFromParent func()
}

var _ Context = (*ObservableContext)(nil)

func newObservableContext(m *ContextManager, step *Step, parent Context) *ObservableContext {
	c := &ObservableContext{
		manager: m,
		parent:  parent,
		step:    step,
		log:     newObservableLogWriter(m.sink, m.clk, step.ID),
		outcome: Passed,
	}
	var fallback LogWriter = nullLogWriter{}
	if parent != nil {
		fallback = parent.LogWriter()
	}
	c.visibleLog = &fallbackLogWriter{primary: c.log, fallback: fallback}
	return c
}

// StepID returns the id of the step of c.
func (c *ObservableContext) StepID() string { return c.step.ID }

// Parent returns the context of the enclosing step, or nil.
func (c *ObservableContext) Parent() Context { return c.parent }

// Step returns the step c executes.
func (c *ObservableContext) Step() *Step { return c.step }

// LogWriter returns the log writer of the step.
func (c *ObservableContext) LogWriter() LogWriter { return c.visibleLog }

// Data returns the user data bag of c.
func (c *ObservableContext) Data() *UserData { return &c.data }

// IsFinished reports whether the step finished.
func (c *ObservableContext) IsFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == statusFinished
}

// IsRunning reports whether the step is started and not finished.
func (c *ObservableContext) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRunningLocked()
}

func (c *ObservableContext) isRunningLocked() bool {
	return c.status == statusStarted || c.status == statusFinishing
}

// LifecyclePhase returns the current lifecycle phase.
func (c *ObservableContext) LifecyclePhase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// SetLifecyclePhase changes the lifecycle phase and publishes the change.
func (c *ObservableContext) SetLifecyclePhase(phase string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isRunningLocked() {
		return errors.Wrap(ErrNotRunning, "cannot set the lifecycle phase")
	}
	return c.setPhaseLocked(phase)
}

func (c *ObservableContext) setPhaseLocked(phase string) error {
	if c.phase == phase {
		return nil
	}
	c.phase = phase
	return c.manager.sink.WriteMessage(&control.StepLifecyclePhaseChanged{
		Time:   c.manager.clk.Now(),
		StepID: c.step.ID,
		Phase:  phase,
	})
}

// Outcome returns the interim outcome while running, and the final one after.
func (c *ObservableContext) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// SetInterimOutcome records outcome until the step finishes.
func (c *ObservableContext) SetInterimOutcome(outcome Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isRunningLocked() {
		return errors.Wrap(ErrNotRunning, "cannot set the interim outcome")
	}
	c.outcome = outcome
	return nil
}

// AssertCount returns the number of assertions made by the step and its
// descendants.
func (c *ObservableContext) AssertCount() int {
	return int(atomic.LoadInt64(&c.assertCount))
}

// AddAssertCount adds n to the assert count of c and its ancestors.
func (c *ObservableContext) AddAssertCount(n int) {
	atomic.AddInt64(&c.assertCount, int64(n))
	if c.parent != nil {
		c.parent.AddAssertCount(n)
	}
}

// AddMetadata adds a metadata entry to the step and publishes it.
func (c *ObservableContext) AddMetadata(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isRunningLocked() {
		return errors.Wrap(ErrNotRunning, "cannot add metadata")
	}
	c.step.AddMetadata(key, value)
	return c.manager.sink.WriteMessage(&control.StepMetadataAdded{
		Time:   c.manager.clk.Now(),
		StepID: c.step.ID,
		Key:    key,
		Value:  value,
	})
}

// OnFinishing registers f to run when the step starts finishing.
func (c *ObservableContext) OnFinishing(ctx context.Context, f func(ctx context.Context) error) (remove func()) {
	o := &finishingObserver{f: f}

	c.mu.Lock()
	if c.status < statusFinishing {
		c.observers = append(c.observers, o)
		c.mu.Unlock()
		return func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.observers = slices.DeleteFunc(c.observers, func(x *finishingObserver) bool { return x == o })
		}
	}
	c.mu.Unlock()

	c.runFinishing(ctx, []*finishingObserver{o})
	return func() {}
}

func (c *ObservableContext) runFinishing(ctx context.Context, observers []*finishingObserver) {
	for _, o := range observers {
		if err := usercode.Call(ctx, "finishing handler", o.f); err != nil {
			usercode.ReportUnhandled(ctx, "A finishing handler of test step "+c.step.FullName+" failed", err)
		}
	}
}

// StartChildStep starts step as a child of c.
func (c *ObservableContext) StartChildStep(ctx context.Context, step *Step) (context.Context, Context, error) {
	if step == nil {
		return nil, nil, errors.Wrap(ErrNilArgument, "step")
	}
	if step.ParentID != c.step.ID {
		return nil, nil, errors.Wrapf(ErrNotChild, "%s is not a child of %s", step.FullName, c.step.FullName)
	}
	if !c.IsRunning() {
		return nil, nil, errors.Wrap(ErrNotRunning, "cannot start a child step")
	}
	ctx, child, err := c.manager.startStep(ctx, step, c)
	if err != nil {
		return nil, nil, err
	}
	return ctx, child, nil
}

// begin publishes the start of the step and enters c.
func (c *ObservableContext) begin(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	if c.status != statusCreated {
		c.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	c.start = c.manager.clk.Now()
	if err := c.manager.sink.WriteMessage(&control.StepStarted{
		Time:        c.start,
		Step:        c.step.Info(),
		CodeElement: c.step.CodeLocation,
	}); err != nil {
		c.mu.Unlock()
		return nil, errors.Wrapf(err, "failed to publish the start of %s", c.step.FullName)
	}
	c.status = statusStarted
	phaseErr := c.setPhaseLocked(PhaseStarting)
	ctx, c.cookie = c.manager.tracker.EnterContext(ctx, c)
	c.mu.Unlock()

	if phaseErr != nil {
		usercode.ReportUnhandled(ctx, "Failed to publish the lifecycle phase of "+c.step.FullName, phaseErr)
	}

	// The parent is touched outside of the lock since its handlers may call
	// back into c.
	if c.parent != nil {
		remove := c.parent.OnFinishing(ctx, func(ctx context.Context) error {
			c.Close(ctx)
			return nil
		})
		c.mu.Lock()
		if c.status == statusStarted {
			c.removeFromParent = remove
		}
		c.mu.Unlock()
	}
	return ctx, nil
}

// FinishStep finishes the step with outcome. It fails with ErrNotRunning
// if the step already finished or is finishing.
func (c *ObservableContext) FinishStep(ctx context.Context, outcome Outcome, opts ...FinishOption) error {
	var cfg finishConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return c.finish(ctx, outcome, &cfg, false)
}

// Close finishes the step with outcome Error and a note in the failures
// stream, unless it is already finishing or finished. A top-level step is
// exited on the worker of ctx as FinishStep would; a child step stays on its
// worker as an orphan until its parent is exited.
func (c *ObservableContext) Close(ctx context.Context) {
	c.finish(ctx, Error, &finishConfig{}, true)
}

func (c *ObservableContext) finish(ctx context.Context, outcome Outcome, cfg *finishConfig, disposing bool) error {
	c.mu.Lock()
	if c.status != statusStarted {
		c.mu.Unlock()
		if disposing {
			return nil
		}
		return errors.Wrapf(ErrNotRunning, "cannot finish %s", c.step.FullName)
	}
	c.outcome = outcome
	c.status = statusFinishing
	phaseErr := c.setPhaseLocked(PhaseFinishing)
	observers := c.observers
	c.observers = nil
	remove := c.removeFromParent
	c.removeFromParent = nil
	cookie := c.cookie
	c.cookie = nil
	start := c.start
	c.mu.Unlock()

	// State is frozen from here on.
	report := func(err error) {
		usercode.ReportUnhandled(ctx, "An error occurred while finishing test step "+c.step.FullName, err)
	}
	if phaseErr != nil {
		report(phaseErr)
	}

	if remove != nil {
		remove()
	}

	rctx, reentry := c.manager.tracker.EnterContext(ctx, c)
	c.runFinishing(rctx, observers)
	if err := reentry.Exit(rctx); err != nil {
		report(errors.Wrap(err, "failed to exit the context after finishing handlers"))
	}

	if disposing {
		if err := c.log.Write(StreamFailures, orphanMessage); err != nil {
			report(err)
		}
	}
	c.log.Close()

	d := cfg.duration
	if !cfg.hasDuration {
		d = c.manager.clk.Since(start)
	}
	if err := c.manager.sink.WriteMessage(&control.StepFinished{
		Time:   c.manager.clk.Now(),
		StepID: c.step.ID,
		Result: control.StepResult{
			AssertCount: c.AssertCount(),
			Duration:    d.Seconds(),
			Outcome:     outcome.wire(),
		},
	}); err != nil {
		report(err)
	}

	c.mu.Lock()
	c.status = statusFinished
	c.mu.Unlock()
	c.manager.forget(c)

	// A disposed child is exited along with its parent's link. A top-level
	// step has no such owner.
	if cookie != nil && (!disposing || c.parent == nil) {
		if err := cookie.Exit(ctx); err != nil {
			report(errors.Wrap(err, "failed to exit the context"))
		}
	}
	return nil
}

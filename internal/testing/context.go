// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package testing

import (
	"context"
	"time"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/testcontext"
)

// Errors returned for misuse of a Context.
var (
	ErrNotRunning     = errors.New("test step is not running")
	ErrAlreadyStarted = errors.New("test step is already running")
	ErrNotChild       = errors.New("expected a child of this step")
	ErrNilArgument    = errors.New("required argument is nil")
)

// Context is the live execution state of one test step.
type Context interface {
	testcontext.Context

	// Parent returns the context of the enclosing step, or nil.
	Parent() Context
	Step() *Step
	// LogWriter returns the writer for the step log. Writes made after the
	// step finished go to the parent's log.
	LogWriter() LogWriter
	Data() *UserData

	// IsRunning reports whether the step was started and did not finish
	// yet. A step that is running its finishing handlers is still running.
	IsRunning() bool
	LifecyclePhase() string
	SetLifecyclePhase(phase string) error
	Outcome() Outcome
	SetInterimOutcome(outcome Outcome) error
	AssertCount() int
	// AddAssertCount adds n to the assert count of the step and of every
	// enclosing step.
	AddAssertCount(n int)
	AddMetadata(key, value string) error

	// OnFinishing registers f to be called, with the context re-entered,
	// when the step starts finishing. If the step is already finishing, f
	// is called right away.
	OnFinishing(ctx context.Context, f func(ctx context.Context) error) (remove func())

	// StartChildStep starts a step whose parent is this context's step.
	StartChildStep(ctx context.Context, step *Step) (context.Context, Context, error)
	// FinishStep finishes the step with outcome. Finishing a step that is
	// not running is an error.
	FinishStep(ctx context.Context, outcome Outcome, opts ...FinishOption) error
	// Close finishes the step with outcome Error if it is still running.
	// It is a no-op otherwise.
	Close(ctx context.Context)
}

type finishConfig struct {
	duration    time.Duration
	hasDuration bool
}

// FinishOption customizes FinishStep.
type FinishOption func(cfg *finishConfig)

// WithDuration reports d as the duration of the step instead of the time
// measured since it started.
func WithDuration(d time.Duration) FinishOption {
	return func(cfg *finishConfig) {
		cfg.duration = d
		cfg.hasDuration = true
	}
}

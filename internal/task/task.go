// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package task defines isolated tasks: named units of work that run in an
// isolated host and exchange JSON-encoded arguments and results with the
// controller.
package task

import (
	"context"
	"encoding/json"
	"fmt"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/control"
	"go.chromium.org/gallio/internal/usercode"
)

// Task is a unit of work run in an isolated host. A fresh Task is created
// for every dispatch and discarded after Run returns.
type Task interface {
	// Run runs the task. The returned value must be JSON-marshalable.
	Run(ctx context.Context, args *Args) (interface{}, error)
}

// Func adapts a function to Task.
type Func func(ctx context.Context, args *Args) (interface{}, error)

// Run calls f.
func (f Func) Run(ctx context.Context, args *Args) (interface{}, error) {
	return f(ctx, args)
}

// Args holds the JSON-encoded arguments of a task.
type Args struct {
	raw []json.RawMessage
}

// NewArgs encodes vals as task arguments.
func NewArgs(vals ...interface{}) (*Args, error) {
	raw := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode argument %d", i)
		}
		raw[i] = b
	}
	return &Args{raw: raw}, nil
}

// ArgsFromRaw wraps already encoded arguments.
func ArgsFromRaw(raw []json.RawMessage) *Args {
	return &Args{raw: raw}
}

// Len returns the number of arguments.
func (a *Args) Len() int { return len(a.raw) }

// Raw returns the encoded arguments.
func (a *Args) Raw() []json.RawMessage { return a.raw }

// Decode decodes the i-th argument into v.
func (a *Args) Decode(i int, v interface{}) error {
	if i < 0 || i >= len(a.raw) {
		return errors.Errorf("argument %d requested but only %d given", i, len(a.raw))
	}
	if err := json.Unmarshal(a.raw[i], v); err != nil {
		return errors.Wrapf(err, "failed to decode argument %d", i)
	}
	return nil
}

// Result is the JSON-encoded value returned by a task.
type Result struct {
	raw json.RawMessage
}

// NewResult encodes v as a task result.
func NewResult(v interface{}) (Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to encode the task result")
	}
	return Result{raw: b}, nil
}

// ResultFromRaw wraps an already encoded result.
func ResultFromRaw(raw json.RawMessage) Result {
	return Result{raw: raw}
}

// Raw returns the encoded result.
func (r Result) Raw() json.RawMessage { return r.raw }

// IsNull reports whether the task returned nothing.
func (r Result) IsNull() bool {
	return len(r.raw) == 0 || string(r.raw) == "null"
}

// Decode decodes the result into v.
func (r Result) Decode(v interface{}) error {
	if len(r.raw) == 0 {
		return errors.New("task returned no result")
	}
	if err := json.Unmarshal(r.raw, v); err != nil {
		return errors.Wrap(err, "failed to decode the task result")
	}
	return nil
}

// ModelError is returned when an isolated task fails. It carries the string
// form of the original error since the error itself cannot cross a host
// boundary.
type ModelError struct {
	TaskType string
	// Reason is the message of the original error.
	Reason string
	// Detail is the original error formatted with "%+v".
	Detail string
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("isolated task %s failed: %s", e.TaskType, e.Reason)
}

// Execute creates a task of type taskType from reg and runs it with args.
// Any failure, including a panic, is returned as a *ModelError.
func Execute(ctx context.Context, reg *Registry, taskType string, args *Args) (Result, error) {
	t, err := reg.New(taskType)
	if err != nil {
		return Result{}, toModelError(taskType, err)
	}

	var val interface{}
	if err := usercode.Call(ctx, "isolated task "+taskType, func(ctx context.Context) error {
		var err error
		val, err = t.Run(ctx, args)
		return err
	}); err != nil {
		return Result{}, toModelError(taskType, err)
	}

	res, err := NewResult(val)
	if err != nil {
		return Result{}, toModelError(taskType, err)
	}
	return res, nil
}

func toModelError(taskType string, err error) *ModelError {
	var me *ModelError
	if errors.As(err, &me) {
		return me
	}
	reason, detail := usercode.Describe(err)
	return &ModelError{TaskType: taskType, Reason: reason, Detail: detail}
}

// ErrorInfo converts a failure returned by Execute to the form sent across
// a host boundary. FromErrorInfo reverses it.
func ErrorInfo(err error) *control.ErrorInfo {
	me := toModelError("", err)
	return &control.ErrorInfo{Reason: me.Reason, Detail: me.Detail}
}

// FromErrorInfo rebuilds the *ModelError of a task of type taskType from
// info.
func FromErrorInfo(taskType string, info *control.ErrorInfo) *ModelError {
	return &ModelError{TaskType: taskType, Reason: info.Reason, Detail: info.Detail}
}

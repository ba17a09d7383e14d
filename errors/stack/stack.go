// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package stack captures and formats goroutine stack traces for error values.
// Use the errors package rather than this package directly.
package stack

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	maxDepth = 10 // maximum number of stack frames to record

	ellipsis = "\t..." // trailing marker line added if stack trace is too long
)

// Stack holds a snapshot of program counters.
type Stack []uintptr

// Frame is a single resolved stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// String formats f as "function (file:line)" with the base name of the file.
func (f Frame) String() string {
	return fmt.Sprintf("%s (%s:%d)", f.Function, filepath.Base(f.File), f.Line)
}

// New captures a stack trace. skip specifies the number of frames to skip from
// a stack trace. skip=0 records stack.New call as the innermost frame.
func New(skip int) Stack {
	pc := make([]uintptr, maxDepth+1)
	pc = pc[:runtime.Callers(skip+2, pc)]
	return Stack(pc)
}

// Frames resolves the recorded program counters, innermost first.
// At most maxDepth frames are returned.
func (s Stack) Frames() []Frame {
	var frames []Frame
	cf := runtime.CallersFrames(s)
	for len(frames) < maxDepth {
		f, more := cf.Next()
		frames = append(frames, Frame{Function: f.Function, File: f.File, Line: f.Line})
		if !more {
			break
		}
	}
	return frames
}

// Top returns the innermost frame. ok is false if the stack is empty.
func (s Stack) Top() (f Frame, ok bool) {
	if len(s) == 0 {
		return Frame{}, false
	}
	frames := s.Frames()
	return frames[0], true
}

// String formats a stack trace to a human-friendly text.
func (s Stack) String() string {
	frames := s.Frames()
	lines := make([]string, 0, len(frames)+1)
	for _, f := range frames {
		lines = append(lines, "\tat "+f.String())
	}
	// runtime.Callers filled one more slot than we print when the real stack
	// is deeper than maxDepth.
	if len(s) > maxDepth {
		lines = append(lines, ellipsis)
	}
	return strings.Join(lines, "\n")
}

// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package stack

import (
	"regexp"
	"strings"
	"testing"
)

func TestShort(t *testing.T) {
	trace := New(0).String()

	lines := strings.Split(trace, "\n")
	if len(lines) < 2 {
		t.Fatalf("Stack trace is too short: %q", trace)
	}

	firstRegexp := regexp.MustCompile(`^\tat go\.chromium\.org/gallio/errors/stack\.TestShort \(stack_test.go:\d+\)$`)
	if s := lines[0]; !firstRegexp.MatchString(s) {
		t.Errorf("First line of stack trace is wrong: expected to match %q, got %q", firstRegexp, s)
	}
	if s := lines[len(lines)-1]; s == ellipsis {
		t.Error("Stack trace ends with ellipsis")
	}
}

func getDeepStack(depth int) Stack {
	if depth == 0 {
		return New(0)
	}
	return getDeepStack(depth - 1)
}

func TestLong(t *testing.T) {
	trace := getDeepStack(maxDepth * 2).String()

	lines := strings.Split(trace, "\n")
	if len(lines) != maxDepth+1 {
		t.Fatalf("Stack trace has %d lines; want %d: %q", len(lines), maxDepth+1, trace)
	}
	if s := lines[len(lines)-1]; s != ellipsis {
		t.Errorf("Last line is %q; want %q", s, ellipsis)
	}
}

func TestTop(t *testing.T) {
	f, ok := New(0).Top()
	if !ok {
		t.Fatal("Top returned false for a non-empty stack")
	}
	if want := "go.chromium.org/gallio/errors/stack.TestTop"; f.Function != want {
		t.Errorf("Top().Function = %q; want %q", f.Function, want)
	}

	if _, ok := Stack(nil).Top(); ok {
		t.Error("Top returned true for an empty stack")
	}
}

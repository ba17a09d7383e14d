// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging

import (
	"io"
	"strings"
	"sync"
	"time"
)

const textTimeLayout = "2006-01-02T15:04:05.000000Z"

// TextLogger writes logs as lines of text. Host processes log to stderr
// with it, and the controller relays that stream line by line, so every
// line of a multi-line message gets its own header.
type TextLogger struct {
	level     Level
	timestamp bool

	mu sync.Mutex // serializes writes to w
	w  io.Writer
}

var _ Logger = (*TextLogger)(nil)

// NewTextLogger returns a TextLogger writing logs of level or above to w.
// If timestamp is true, each line starts with the UTC time of its log.
func NewTextLogger(w io.Writer, level Level, timestamp bool) *TextLogger {
	return &TextLogger{level: level, timestamp: timestamp, w: w}
}

// Log writes msg to the underlying writer. Write errors are dropped.
func (l *TextLogger) Log(level Level, ts time.Time, msg string) {
	if level < l.level {
		return
	}
	var head string
	if l.timestamp {
		head = ts.UTC().Format(textTimeLayout) + " "
	}
	if level >= LevelWarning {
		head += level.String() + ": "
	}

	var b strings.Builder
	for _, line := range strings.Split(strings.TrimSuffix(msg, "\n"), "\n") {
		b.WriteString(head)
		b.WriteString(line)
		b.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.w, b.String())
}

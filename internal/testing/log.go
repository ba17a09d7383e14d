// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package testing

import (
	"context"
	"io"
	"sync"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/control"
	"go.chromium.org/gallio/internal/logging"
)

// Names of the standard log streams.
const (
	StreamFailures      = "Failures"
	StreamWarnings      = "Warnings"
	StreamConsoleOutput = "ConsoleOutput"
	StreamConsoleError  = "ConsoleError"
	StreamDebugTrace    = "DebugTrace"
	StreamDefault       = "Default"
)

// Well-known markers for LogWriter.BeginMarker.
const (
	MarkerStackTrace = "stackTrace"
	MarkerException  = "exception"
	MarkerAssertion  = "assertion"
)

// ErrLogClosed is returned by a step log writer after the step finished.
var ErrLogClosed = errors.New("log writer is closed")

// LogWriter writes to the named streams of a step log.
type LogWriter interface {
	Write(stream, text string) error
	// Embed references an attachment previously added with AttachText or
	// AttachBytes.
	Embed(stream, attachmentName string) error
	BeginSection(stream, name string) error
	BeginMarker(stream, marker string) error
	// End closes the innermost section or marker of stream.
	End(stream string) error
	AttachText(name, contentType, text string) error
	AttachBytes(name, contentType string, b []byte) error
	Close() error
}

// StreamWriter returns an io.Writer that writes to stream of w.
func StreamWriter(w LogWriter, stream string) io.Writer {
	return &streamWriter{w: w, stream: stream}
}

type streamWriter struct {
	w      LogWriter
	stream string
}

func (s *streamWriter) Write(p []byte) (int, error) {
	if err := s.w.Write(s.stream, string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// observableLogWriter publishes log operations of a step as messages.
type observableLogWriter struct {
	sink   control.Sink
	clk    clock.Clock
	stepID string

	mu     sync.Mutex
	closed bool
}

func newObservableLogWriter(sink control.Sink, clk clock.Clock, stepID string) *observableLogWriter {
	return &observableLogWriter{sink: sink, clk: clk, stepID: stepID}
}

func (w *observableLogWriter) publish(msg control.Msg) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrLogClosed
	}
	return w.sink.WriteMessage(msg)
}

func (w *observableLogWriter) Write(stream, text string) error {
	return w.publish(&control.LogStreamWrite{Time: w.clk.Now(), StepID: w.stepID, Stream: stream, Text: text})
}

func (w *observableLogWriter) Embed(stream, attachmentName string) error {
	return w.publish(&control.LogStreamEmbed{Time: w.clk.Now(), StepID: w.stepID, Stream: stream, AttachmentName: attachmentName})
}

func (w *observableLogWriter) BeginSection(stream, name string) error {
	return w.publish(&control.LogStreamBeginSection{Time: w.clk.Now(), StepID: w.stepID, Stream: stream, SectionName: name})
}

func (w *observableLogWriter) BeginMarker(stream, marker string) error {
	return w.publish(&control.LogStreamBeginMarker{Time: w.clk.Now(), StepID: w.stepID, Stream: stream, Marker: marker})
}

func (w *observableLogWriter) End(stream string) error {
	return w.publish(&control.LogStreamEnd{Time: w.clk.Now(), StepID: w.stepID, Stream: stream})
}

func (w *observableLogWriter) AttachText(name, contentType, text string) error {
	return w.publish(&control.LogAttach{Time: w.clk.Now(), StepID: w.stepID, Name: name, ContentType: contentType, Text: text})
}

func (w *observableLogWriter) AttachBytes(name, contentType string, b []byte) error {
	return w.publish(&control.LogAttach{Time: w.clk.Now(), StepID: w.stepID, Name: name, ContentType: contentType, Bytes: b})
}

func (w *observableLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// fallbackLogWriter writes to primary until it is closed, then to fallback.
// Code that keeps writing to a finished step's log thus ends up in the log
// of an enclosing step instead of being lost.
type fallbackLogWriter struct {
	primary  LogWriter
	fallback LogWriter
}

func (w *fallbackLogWriter) do(f func(LogWriter) error) error {
	if err := f(w.primary); err != ErrLogClosed {
		return err
	}
	return f(w.fallback)
}

func (w *fallbackLogWriter) Write(stream, text string) error {
	return w.do(func(lw LogWriter) error { return lw.Write(stream, text) })
}

func (w *fallbackLogWriter) Embed(stream, attachmentName string) error {
	return w.do(func(lw LogWriter) error { return lw.Embed(stream, attachmentName) })
}

func (w *fallbackLogWriter) BeginSection(stream, name string) error {
	return w.do(func(lw LogWriter) error { return lw.BeginSection(stream, name) })
}

func (w *fallbackLogWriter) BeginMarker(stream, marker string) error {
	return w.do(func(lw LogWriter) error { return lw.BeginMarker(stream, marker) })
}

func (w *fallbackLogWriter) End(stream string) error {
	return w.do(func(lw LogWriter) error { return lw.End(stream) })
}

func (w *fallbackLogWriter) AttachText(name, contentType, text string) error {
	return w.do(func(lw LogWriter) error { return lw.AttachText(name, contentType, text) })
}

func (w *fallbackLogWriter) AttachBytes(name, contentType string, b []byte) error {
	return w.do(func(lw LogWriter) error { return lw.AttachBytes(name, contentType, b) })
}

// Close is a no-op: the step owning the primary writer closes it.
func (w *fallbackLogWriter) Close() error {
	return nil
}

// nullLogWriter drops everything.
type nullLogWriter struct{}

func (nullLogWriter) Write(string, string) error               { return nil }
func (nullLogWriter) Embed(string, string) error               { return nil }
func (nullLogWriter) BeginSection(string, string) error        { return nil }
func (nullLogWriter) BeginMarker(string, string) error         { return nil }
func (nullLogWriter) End(string) error                         { return nil }
func (nullLogWriter) AttachText(string, string, string) error  { return nil }
func (nullLogWriter) AttachBytes(string, string, []byte) error { return nil }
func (nullLogWriter) Close() error                             { return nil }

// loggingLogWriter forwards stream writes to the logger attached to a
// context. It backs the log of StubContext.
type loggingLogWriter struct {
	ctx context.Context
}

func (w loggingLogWriter) Write(stream, text string) error {
	logging.Infof(w.ctx, "[%s] %s", stream, text)
	return nil
}

func (w loggingLogWriter) Embed(stream, attachmentName string) error {
	logging.Infof(w.ctx, "[%s] <attachment %s>", stream, attachmentName)
	return nil
}

func (w loggingLogWriter) BeginSection(stream, name string) error {
	logging.Infof(w.ctx, "[%s] %s", stream, name)
	return nil
}

func (loggingLogWriter) BeginMarker(string, string) error         { return nil }
func (loggingLogWriter) End(string) error                         { return nil }
func (loggingLogWriter) AttachText(string, string, string) error  { return nil }
func (loggingLogWriter) AttachBytes(string, string, []byte) error { return nil }
func (loggingLogWriter) Close() error                             { return nil }

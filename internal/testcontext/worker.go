// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package testcontext

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"
)

var nextWorkerID uint64

// Worker is an execution identity. Goroutines carry their worker in a
// context.Context; a goroutine started with a fresh context has no worker
// and thus no current test context until it enters one.
//
// Contexts must be exited on the worker that entered them.
type Worker struct {
	id   uint64
	name string

	mu    sync.Mutex
	stack []*contextLink // links entered on this worker, innermost last
	dead  bool
	// implicit workers are created by EnterContext and end when their
	// outermost link is exited.
	implicit bool
	done     chan struct{}
}

func newWorker(name string, implicit bool) *Worker {
	return &Worker{
		id:       atomic.AddUint64(&nextWorkerID, 1),
		name:     name,
		implicit: implicit,
		done:     make(chan struct{}),
	}
}

// ID returns a process-unique id of w.
func (w *Worker) ID() uint64 { return w.id }

// Name returns the name w was created with.
func (w *Worker) Name() string { return w.name }

// Alive reports whether w has not ended yet.
func (w *Worker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.dead
}

// Done returns a channel closed when w ends.
func (w *Worker) Done() <-chan struct{} { return w.done }

// End marks w as ended. Defaults registered for an ended worker are removed
// by the next cleanup. It is safe to call End multiple times.
func (w *Worker) End() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.endLocked()
}

func (w *Worker) endLocked() {
	if w.dead {
		return
	}
	w.dead = true
	close(w.done)
}

// top returns the innermost link entered on w, or nil.
func (w *Worker) top() *contextLink {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.stack) == 0 {
		return nil
	}
	return w.stack[len(w.stack)-1]
}

func (w *Worker) push(l *contextLink) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stack = append(w.stack, l)
}

// pop removes l and every link above it from w's stack. Links above l must
// belong to finished contexts.
func (w *Worker) pop(l *contextLink) (popped []*contextLink, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	i := slices.Index(w.stack, l)
	if i < 0 {
		return nil, ErrAlreadyExited
	}
	for _, above := range w.stack[i+1:] {
		if above.context == nil || !above.context.IsFinished() {
			return nil, ErrOutOfOrder
		}
	}
	popped = slices.Clone(w.stack[i:])
	w.stack = w.stack[:i]
	if w.implicit && len(w.stack) == 0 {
		w.endLocked()
	}
	return popped, nil
}

type workerKey struct{}

// WorkerFromContext returns the worker carried by ctx, if any.
func WorkerFromContext(ctx context.Context) (*Worker, bool) {
	w, ok := ctx.Value(workerKey{}).(*Worker)
	return w, ok
}

func withWorker(ctx context.Context, w *Worker) context.Context {
	return context.WithValue(ctx, workerKey{}, w)
}

// NewWorker returns a context carrying a new worker. The current test
// context of ctx flows into the new worker. The caller must call End when the
// work is over.
func NewWorker(ctx context.Context, name string) (context.Context, *Worker) {
	w := newWorker(name, false)
	return withWorker(ctx, w), w
}

// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package testcontext tracks which test context is current for a piece of
// running code.
//
// The current context is found from a context.Context in this order:
//
//  1. the innermost context entered on the logical call chain, which flows
//     to everything derived from the context.Context returned by
//     Tracker.EnterContext, including goroutines started with Tracker.Go;
//  2. if the chain was lost (e.g. the context.Context was rebuilt at a
//     transport boundary), the innermost context entered on the worker;
//  3. the default context registered for the worker;
//  4. the tracker's global context.
package testcontext

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/logging"
)

// DefaultCleanupInterval is the default interval between scans for defaults
// registered for ended workers.
const DefaultCleanupInterval = 60 * time.Second

// Errors returned for misuse of the tracker.
var (
	ErrWrongWorker       = errors.New("context must be exited on the worker that entered it")
	ErrAlreadyExited     = errors.New("context already exited")
	ErrOutOfOrder        = errors.New("contexts must be exited in the reverse order they were entered")
	ErrNilWorker         = errors.New("worker must not be nil")
	ErrGlobalAlreadySet  = errors.New("global context is already set")
	ErrNilGlobalContext  = errors.New("global context must not be nil")
	errLinkNotRegistered = errors.New("context link is not registered")
)

// Context is the part of a test context the tracker relies on.
type Context interface {
	// StepID returns the id of the step the context runs.
	StepID() string
	// IsFinished reports whether the context has finished. Links of finished
	// contexts left on a worker are popped when an enclosing link exits.
	IsFinished() bool
}

// contextLink is one entry of the linked list of entered contexts.
type contextLink struct {
	id      string
	parent  *contextLink
	context Context
	worker  *Worker

	mu     sync.Mutex
	exited bool
}

func (l *contextLink) isExited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exited
}

type linkKey struct{}

func linkFromContext(ctx context.Context) *contextLink {
	l, _ := ctx.Value(linkKey{}).(*contextLink)
	return l
}

// Tracker maintains the current test context of running code.
// It is safe for concurrent use.
type Tracker struct {
	clk             clock.Clock
	cleanupInterval time.Duration
	logCtx          context.Context

	mu          sync.Mutex // protects the fields below
	global      Context
	defaults    map[*Worker]Context
	cleanupStop chan struct{} // non-nil while the cleanup goroutine runs
	cleanupDone chan struct{}

	linksMu sync.Mutex
	links   map[string]*contextLink // live links by id
}

// Option customizes a Tracker.
type Option func(t *Tracker)

// WithClock sets the clock driving the cleanup timer.
func WithClock(clk clock.Clock) Option {
	return func(t *Tracker) { t.clk = clk }
}

// WithCleanupInterval sets the interval between scans for defaults registered
// for ended workers.
func WithCleanupInterval(d time.Duration) Option {
	return func(t *Tracker) { t.cleanupInterval = d }
}

// WithLogContext sets the context the cleanup goroutine logs to.
func WithLogContext(ctx context.Context) Option {
	return func(t *Tracker) { t.logCtx = ctx }
}

// NewTracker creates a Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		clk:             clock.NewClock(),
		cleanupInterval: DefaultCleanupInterval,
		logCtx:          context.Background(),
		defaults:        make(map[*Worker]Context),
		links:           make(map[string]*contextLink),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Cookie records a single EnterContext call.
type Cookie struct {
	t    *Tracker
	link *contextLink
}

// EnterContext makes c the current context of the returned context.Context.
// c may be nil to hide the contexts entered so far.
//
// If ctx carries no worker, a new worker is attached; it ends when the
// returned cookie is exited.
func (t *Tracker) EnterContext(ctx context.Context, c Context) (context.Context, *Cookie) {
	w, ok := WorkerFromContext(ctx)
	if !ok {
		w = newWorker("", true)
		ctx = withWorker(ctx, w)
	}

	l := &contextLink{
		id:      uuid.NewString(),
		parent:  t.currentLink(ctx, w),
		context: c,
		worker:  w,
	}
	w.push(l)

	t.linksMu.Lock()
	t.links[l.id] = l
	t.linksMu.Unlock()

	return context.WithValue(ctx, linkKey{}, l), &Cookie{t: t, link: l}
}

// Exit undoes the EnterContext call that returned c. ctx must carry the
// same worker as the context.Context returned by EnterContext.
//
// Links entered above c's link on the same worker must belong to finished
// contexts (orphans); they are exited together with c. Otherwise Exit fails
// with ErrOutOfOrder and nothing changes.
func (c *Cookie) Exit(ctx context.Context) error {
	w, ok := WorkerFromContext(ctx)
	if !ok || w != c.link.worker {
		return ErrWrongWorker
	}
	popped, err := w.pop(c.link)
	if err != nil {
		return err
	}
	c.t.linksMu.Lock()
	for _, l := range popped {
		delete(c.t.links, l.id)
	}
	c.t.linksMu.Unlock()
	for _, l := range popped {
		l.mu.Lock()
		l.exited = true
		l.mu.Unlock()
	}
	return nil
}

// Context returns the test context c entered.
func (c *Cookie) Context() Context {
	return c.link.context
}

// currentLink returns the innermost link that has not been exited.
func (t *Tracker) currentLink(ctx context.Context, w *Worker) *contextLink {
	l := linkFromContext(ctx)
	if l == nil && w != nil {
		l = w.top()
	}
	for l != nil && l.isExited() {
		l = l.parent
	}
	return l
}

// CurrentContext returns the current test context of ctx. It returns nil if
// there is none and no global context is set.
func (t *Tracker) CurrentContext(ctx context.Context) Context {
	w, _ := WorkerFromContext(ctx)
	if l := t.currentLink(ctx, w); l != nil && l.context != nil {
		return l.context
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if w != nil {
		if c, ok := t.defaults[w]; ok {
			return c
		}
	}
	return t.global
}

// Go runs f on a new goroutine with a new worker. The current test context
// of ctx flows into the goroutine. The worker ends when f returns.
func (t *Tracker) Go(ctx context.Context, name string, f func(ctx context.Context)) *Worker {
	ctx, w := NewWorker(ctx, name)
	go func() {
		defer w.End()
		f(ctx)
	}()
	return w
}

// SetWorkerDefaultContext registers c as the context of w to use when no
// context was entered. Setting nil or the global context removes the
// registration.
func (t *Tracker) SetWorkerDefaultContext(w *Worker, c Context) error {
	if w == nil {
		return ErrNilWorker
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if c == nil || c == t.global {
		delete(t.defaults, w)
	} else {
		t.defaults[w] = c
	}
	t.updateCleanupLocked()
	return nil
}

// WorkerDefaultContext returns the default context registered for w, or the
// global context if none.
func (t *Tracker) WorkerDefaultContext(w *Worker) (Context, error) {
	if w == nil {
		return nil, ErrNilWorker
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.defaults[w]; ok {
		return c, nil
	}
	return t.global, nil
}

// GlobalContext returns the global context, or nil if unset.
func (t *Tracker) GlobalContext() Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.global
}

// SetGlobalContext sets the global context. It can be set only once until
// ResetGlobalContext is called.
func (t *Tracker) SetGlobalContext(c Context) error {
	if c == nil {
		return ErrNilGlobalContext
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.global != nil {
		return ErrGlobalAlreadySet
	}
	t.global = c
	for w, d := range t.defaults {
		if d == c {
			delete(t.defaults, w)
		}
	}
	t.updateCleanupLocked()
	return nil
}

// ResetGlobalContext unsets the global context.
func (t *Tracker) ResetGlobalContext() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.global = nil
}

// updateCleanupLocked starts the cleanup goroutine if some defaults are
// registered and stops it otherwise. t.mu must be held.
func (t *Tracker) updateCleanupLocked() {
	switch {
	case len(t.defaults) > 0 && t.cleanupStop == nil:
		t.cleanupStop = make(chan struct{})
		t.cleanupDone = make(chan struct{})
		go t.runCleanup(t.cleanupStop, t.cleanupDone)
	case len(t.defaults) == 0 && t.cleanupStop != nil:
		close(t.cleanupStop)
		t.cleanupStop = nil
	}
}

func (t *Tracker) runCleanup(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := t.clk.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			if !t.purgeEndedWorkers(stop) {
				return
			}
		case <-stop:
			return
		}
	}
}

// purgeEndedWorkers removes defaults of ended workers. It returns false if
// the cleanup goroutine identified by stop should exit.
func (t *Tracker) purgeEndedWorkers(stop <-chan struct{}) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cleanupStop != stop {
		// Stopped concurrently.
		return false
	}
	for w := range t.defaults {
		if !w.Alive() {
			logging.Debugf(t.logCtx, "Removing the default context of ended worker %d %q", w.id, w.name)
			delete(t.defaults, w)
		}
	}
	if len(t.defaults) == 0 {
		t.cleanupStop = nil
		return false
	}
	return true
}

// Close stops the cleanup goroutine, if running, and waits for it to exit.
// The tracker stays usable; the goroutine restarts when a default is
// registered again.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.cleanupStop != nil {
		close(t.cleanupStop)
		t.cleanupStop = nil
	}
	done := t.cleanupDone
	t.mu.Unlock()

	if done != nil {
		<-done
	}
}

// LinkID returns an id identifying the current entered context of ctx so
// that it can be resumed with Resume, possibly after crossing a transport
// boundary within the process.
func (t *Tracker) LinkID(ctx context.Context) (string, bool) {
	w, _ := WorkerFromContext(ctx)
	l := t.currentLink(ctx, w)
	if l == nil {
		return "", false
	}
	return l.id, true
}

// Resume returns a context carrying a new worker whose current context is
// the one identified by id. The caller must call End on the returned worker
// when the work is over.
func (t *Tracker) Resume(ctx context.Context, id, name string) (context.Context, *Worker, error) {
	t.linksMu.Lock()
	l, ok := t.links[id]
	t.linksMu.Unlock()
	if !ok {
		return ctx, nil, errors.Wrapf(errLinkNotRegistered, "link %s", id)
	}
	ctx, w := NewWorker(ctx, name)
	return context.WithValue(ctx, linkKey{}, l), w, nil
}

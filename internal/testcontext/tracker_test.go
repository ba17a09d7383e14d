// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package testcontext_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/poll"
	"go.chromium.org/gallio/internal/testcontext"
)

// fakeContext is a minimal testcontext.Context.
type fakeContext struct {
	id string

	mu       sync.Mutex
	finished bool
}

func newFakeContext(id string) *fakeContext { return &fakeContext{id: id} }

func (c *fakeContext) StepID() string { return c.id }

func (c *fakeContext) IsFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *fakeContext) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = true
}

func currentID(tr *testcontext.Tracker, ctx context.Context) string {
	c := tr.CurrentContext(ctx)
	if c == nil {
		return "<nil>"
	}
	return c.StepID()
}

func TestEnterExit(t *testing.T) {
	tr := testcontext.NewTracker()
	ctx := context.Background()

	if c := tr.CurrentContext(ctx); c != nil {
		t.Errorf("CurrentContext of a bare context = %v; want nil", c)
	}

	ctx1, cookie1 := tr.EnterContext(ctx, newFakeContext("a"))
	ctx2, cookie2 := tr.EnterContext(ctx1, newFakeContext("b"))

	if got := currentID(tr, ctx2); got != "b" {
		t.Errorf("CurrentContext(ctx2) = %s; want b", got)
	}
	if got := currentID(tr, ctx1); got != "a" {
		t.Errorf("CurrentContext(ctx1) = %s; want a", got)
	}

	if err := cookie2.Exit(ctx2); err != nil {
		t.Fatal("Exit(b) failed: ", err)
	}
	// The exited link is skipped even through a context derived after it.
	if got := currentID(tr, ctx2); got != "a" {
		t.Errorf("CurrentContext(ctx2) after exit = %s; want a", got)
	}
	if err := cookie2.Exit(ctx2); !errors.Is(err, testcontext.ErrAlreadyExited) {
		t.Errorf("Second Exit(b) returned %v; want ErrAlreadyExited", err)
	}
	if err := cookie1.Exit(ctx1); err != nil {
		t.Fatal("Exit(a) failed: ", err)
	}
	if got := currentID(tr, ctx2); got != "<nil>" {
		t.Errorf("CurrentContext(ctx2) after all exits = %s; want <nil>", got)
	}
}

func TestExitOutOfOrder(t *testing.T) {
	tr := testcontext.NewTracker()
	ctx1, cookie1 := tr.EnterContext(context.Background(), newFakeContext("a"))
	ctx2, cookie2 := tr.EnterContext(ctx1, newFakeContext("b"))

	if err := cookie1.Exit(ctx2); !errors.Is(err, testcontext.ErrOutOfOrder) {
		t.Errorf("Exit(a) above a running context returned %v; want ErrOutOfOrder", err)
	}
	if got := currentID(tr, ctx2); got != "b" {
		t.Errorf("CurrentContext after failed exit = %s; want b", got)
	}

	// Exiting in order still works after the rejected exit.
	if err := cookie2.Exit(ctx2); err != nil {
		t.Fatal("Exit(b) failed: ", err)
	}
	if err := cookie1.Exit(ctx1); err != nil {
		t.Error("Exit(a) after Exit(b) failed: ", err)
	}
}

func TestExitPopsOrphans(t *testing.T) {
	tr := testcontext.NewTracker()
	child := newFakeContext("child")
	ctx1, cookie1 := tr.EnterContext(context.Background(), newFakeContext("parent"))
	ctx2, _ := tr.EnterContext(ctx1, child)

	// The child finishes without exiting, e.g. when it was force-finished
	// by its parent.
	child.finish()
	if err := cookie1.Exit(ctx2); err != nil {
		t.Fatal("Exit(parent) over a finished child failed: ", err)
	}
	if got := currentID(tr, ctx2); got != "<nil>" {
		t.Errorf("CurrentContext after exit = %s; want <nil>", got)
	}
}

func TestExitWrongWorker(t *testing.T) {
	tr := testcontext.NewTracker()
	ctx, cookie := tr.EnterContext(context.Background(), newFakeContext("a"))

	if err := cookie.Exit(context.Background()); !errors.Is(err, testcontext.ErrWrongWorker) {
		t.Errorf("Exit without worker returned %v; want ErrWrongWorker", err)
	}

	errCh := make(chan error, 1)
	w := tr.Go(ctx, "other", func(ctx context.Context) {
		errCh <- cookie.Exit(ctx)
	})
	<-w.Done()
	if err := <-errCh; !errors.Is(err, testcontext.ErrWrongWorker) {
		t.Errorf("Exit on another worker returned %v; want ErrWrongWorker", err)
	}
	if err := cookie.Exit(ctx); err != nil {
		t.Errorf("Exit on the entering worker failed: %v", err)
	}
}

func TestGoFlowsContext(t *testing.T) {
	tr := testcontext.NewTracker()
	ctx, cookie := tr.EnterContext(context.Background(), newFakeContext("parent"))
	defer cookie.Exit(ctx)

	type result struct{ inherited, entered, afterExit string }
	ch := make(chan result, 1)
	w := tr.Go(ctx, "continuation", func(ctx context.Context) {
		var r result
		r.inherited = currentID(tr, ctx)
		cctx, c := tr.EnterContext(ctx, newFakeContext("child"))
		r.entered = currentID(tr, cctx)
		if err := c.Exit(cctx); err != nil {
			t.Errorf("Exit(child) failed: %v", err)
		}
		r.afterExit = currentID(tr, cctx)
		ch <- r
	})
	<-w.Done()

	want := result{inherited: "parent", entered: "child", afterExit: "parent"}
	if got := <-ch; got != want {
		t.Errorf("Continuation saw %+v; want %+v", got, want)
	}

	// An unrelated goroutine sees nothing.
	unrelated := make(chan string, 1)
	go func() { unrelated <- currentID(tr, context.Background()) }()
	if got := <-unrelated; got != "<nil>" {
		t.Errorf("Unrelated goroutine saw %s; want <nil>", got)
	}
}

func TestWorkerFallback(t *testing.T) {
	tr := testcontext.NewTracker()
	ctx, w := testcontext.NewWorker(context.Background(), "w")
	defer w.End()

	entered, cookie := tr.EnterContext(ctx, newFakeContext("a"))
	defer cookie.Exit(entered)

	// ctx carries the worker but lost the flowing link; the worker's
	// innermost context is used.
	if got := currentID(tr, ctx); got != "a" {
		t.Errorf("CurrentContext via worker = %s; want a", got)
	}
}

func TestResume(t *testing.T) {
	tr := testcontext.NewTracker()
	ctx, cookie := tr.EnterContext(context.Background(), newFakeContext("a"))

	id, ok := tr.LinkID(ctx)
	if !ok {
		t.Fatal("LinkID returned false")
	}
	rctx, w, err := tr.Resume(context.Background(), id, "rpc")
	if err != nil {
		t.Fatal("Resume failed: ", err)
	}
	defer w.End()
	if got := currentID(tr, rctx); got != "a" {
		t.Errorf("CurrentContext of resumed context = %s; want a", got)
	}

	if err := cookie.Exit(ctx); err != nil {
		t.Fatal("Exit failed: ", err)
	}
	if _, _, err := tr.Resume(context.Background(), id, "rpc"); err == nil {
		t.Error("Resume succeeded for an exited link")
	}
	if _, ok := tr.LinkID(context.Background()); ok {
		t.Error("LinkID returned true for a bare context")
	}
}

func TestGlobalContext(t *testing.T) {
	tr := testcontext.NewTracker()
	global := newFakeContext("global")

	if err := tr.SetGlobalContext(nil); !errors.Is(err, testcontext.ErrNilGlobalContext) {
		t.Errorf("SetGlobalContext(nil) returned %v; want ErrNilGlobalContext", err)
	}
	if err := tr.SetGlobalContext(global); err != nil {
		t.Fatal("SetGlobalContext failed: ", err)
	}
	if err := tr.SetGlobalContext(newFakeContext("other")); !errors.Is(err, testcontext.ErrGlobalAlreadySet) {
		t.Errorf("Second SetGlobalContext returned %v; want ErrGlobalAlreadySet", err)
	}
	if got := currentID(tr, context.Background()); got != "global" {
		t.Errorf("CurrentContext = %s; want global", got)
	}

	tr.ResetGlobalContext()
	if got := currentID(tr, context.Background()); got != "<nil>" {
		t.Errorf("CurrentContext after reset = %s; want <nil>", got)
	}
}

func TestWorkerDefaultContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	tr := testcontext.NewTracker()
	defer tr.Close()
	global := newFakeContext("global")
	if err := tr.SetGlobalContext(global); err != nil {
		t.Fatal("SetGlobalContext failed: ", err)
	}

	ctx, w := testcontext.NewWorker(context.Background(), "pool")
	defer w.End()

	if err := tr.SetWorkerDefaultContext(nil, global); !errors.Is(err, testcontext.ErrNilWorker) {
		t.Errorf("SetWorkerDefaultContext(nil) returned %v; want ErrNilWorker", err)
	}
	if err := tr.SetWorkerDefaultContext(w, newFakeContext("assigned")); err != nil {
		t.Fatal("SetWorkerDefaultContext failed: ", err)
	}
	if got := currentID(tr, ctx); got != "assigned" {
		t.Errorf("CurrentContext = %s; want assigned", got)
	}

	// An entered context takes precedence over the default.
	ectx, cookie := tr.EnterContext(ctx, newFakeContext("entered"))
	if got := currentID(tr, ectx); got != "entered" {
		t.Errorf("CurrentContext while entered = %s; want entered", got)
	}
	if err := cookie.Exit(ectx); err != nil {
		t.Fatal("Exit failed: ", err)
	}

	// Setting the global context removes the override.
	if err := tr.SetWorkerDefaultContext(w, global); err != nil {
		t.Fatal("SetWorkerDefaultContext failed: ", err)
	}
	if c, err := tr.WorkerDefaultContext(w); err != nil || c != testcontext.Context(global) {
		t.Errorf("WorkerDefaultContext = (%v, %v); want the global context", c, err)
	}
}

func TestWorkerDefaultCleanup(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const interval = time.Minute
	clk := fakeclock.NewFakeClock(time.Unix(0, 0))
	tr := testcontext.NewTracker(testcontext.WithClock(clk), testcontext.WithCleanupInterval(interval))
	defer tr.Close()

	global := newFakeContext("global")
	if err := tr.SetGlobalContext(global); err != nil {
		t.Fatal("SetGlobalContext failed: ", err)
	}

	release := make(chan struct{})
	w := tr.Go(context.Background(), "short-lived", func(context.Context) { <-release })
	if err := tr.SetWorkerDefaultContext(w, newFakeContext("assigned")); err != nil {
		t.Fatal("SetWorkerDefaultContext failed: ", err)
	}

	// The cleanup timer keeps alive workers.
	clk.WaitForWatcherAndIncrement(interval)
	if c, _ := tr.WorkerDefaultContext(w); c.StepID() != "assigned" {
		t.Errorf("Default of a live worker = %s; want assigned", c.StepID())
	}

	close(release)
	<-w.Done()
	clk.WaitForWatcherAndIncrement(interval)

	if err := poll.Poll(context.Background(), func(context.Context) error {
		c, err := tr.WorkerDefaultContext(w)
		if err != nil {
			return poll.Break(err)
		}
		if c != testcontext.Context(global) {
			return errors.Errorf("default is still %s", c.StepID())
		}
		return nil
	}, &poll.Options{Timeout: 10 * time.Second, Interval: time.Millisecond}); err != nil {
		t.Error("Default of an ended worker was not cleaned up: ", err)
	}
}

// TestExitOrderProperty checks that exiting cookies of one worker succeeds
// exactly for the innermost remaining context.
func TestExitOrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tr := testcontext.NewTracker()
		n := rapid.IntRange(1, 8).Draw(rt, "n")

		ctx, w := testcontext.NewWorker(context.Background(), "w")
		defer w.End()
		var cookies []*testcontext.Cookie
		for i := 0; i < n; i++ {
			var c *testcontext.Cookie
			ctx, c = tr.EnterContext(ctx, newFakeContext(fmt.Sprint(i)))
			cookies = append(cookies, c)
		}

		remaining := n
		check := func() {
			want := "<nil>"
			if remaining > 0 {
				want = fmt.Sprint(remaining - 1)
			}
			if got := currentID(tr, ctx); got != want {
				rt.Fatalf("CurrentContext = %s; want %s", got, want)
			}
		}

		steps := rapid.IntRange(0, 3*n).Draw(rt, "steps")
		for s := 0; s < steps; s++ {
			i := rapid.IntRange(0, n-1).Draw(rt, "exit")
			err := cookies[i].Exit(ctx)
			switch {
			case i == remaining-1:
				if err != nil {
					rt.Fatalf("Exit(%d) with %d remaining failed: %v", i, remaining, err)
				}
				remaining--
			case i >= remaining:
				if !errors.Is(err, testcontext.ErrAlreadyExited) {
					rt.Fatalf("Exit(%d) of an exited context returned %v", i, err)
				}
			default:
				if !errors.Is(err, testcontext.ErrOutOfOrder) {
					rt.Fatalf("Exit(%d) with %d remaining returned %v; want ErrOutOfOrder", i, remaining, err)
				}
			}
			check()
		}

		// Exiting the rest in reverse order always succeeds.
		for remaining > 0 {
			if err := cookies[remaining-1].Exit(ctx); err != nil {
				rt.Fatalf("Exit(%d) in reverse order failed: %v", remaining-1, err)
			}
			remaining--
			check()
		}
	})
}

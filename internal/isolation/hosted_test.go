// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package isolation

import (
	"context"
	"strings"
	"sync"
	gotesting "testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/host"
	"go.chromium.org/gallio/internal/task"
	"go.chromium.org/gallio/internal/testcontext"
	"go.chromium.org/gallio/internal/usercode"
)

// newHostRegistry returns a registry with tasks run in hosts by tests in
// this package. test.Block signals started and waits for release.
func newHostRegistry(t *gotesting.T, started chan<- struct{}, release <-chan struct{}) *task.Registry {
	reg := task.NewRegistry()
	for name, f := range map[string]task.Func{
		"test.Props": func(ctx context.Context, args *task.Args) (interface{}, error) {
			rt, ok := host.RuntimeFromContext(ctx)
			if !ok {
				return nil, errors.New("no runtime")
			}
			return rt.Properties, nil
		},
		"test.Boom": func(ctx context.Context, args *task.Args) (interface{}, error) {
			return nil, errors.New("boom")
		},
		"test.Block": func(ctx context.Context, args *task.Args) (interface{}, error) {
			started <- struct{}{}
			<-release
			return nil, nil
		},
	} {
		f := f
		if err := reg.Add(name, func() task.Task { return f }); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

// fakeFactory creates local hosts and remembers them.
type fakeFactory struct {
	local     *host.LocalFactory
	closeErr  error // returned by Close of created hosts if not nil
	createErr error

	mu    sync.Mutex
	hosts []*host.LocalHost
}

func newFakeFactory(t *gotesting.T, reg *task.Registry) *fakeFactory {
	tracker := testcontext.NewTracker()
	t.Cleanup(tracker.Close)
	return &fakeFactory{local: &host.LocalFactory{Registry: reg, Tracker: tracker}}
}

func (f *fakeFactory) CreateHost(ctx context.Context, setup *host.Setup) (host.Host, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	h, err := f.local.CreateHost(ctx, setup)
	if err != nil {
		return nil, err
	}
	lh := h.(*host.LocalHost)
	f.mu.Lock()
	f.hosts = append(f.hosts, lh)
	f.mu.Unlock()
	if f.closeErr != nil {
		return &failingCloseHost{h, f.closeErr}, nil
	}
	return h, nil
}

func (f *fakeFactory) created() []*host.LocalHost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*host.LocalHost(nil), f.hosts...)
}

type failingCloseHost struct {
	host.Host
	err error
}

func (h *failingCloseHost) Close(ctx context.Context) error {
	h.Host.Close(ctx)
	return h.err
}

// statusRecorder is a StatusReporter remembering reported statuses.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []string
}

func (r *statusRecorder) report(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *statusRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

var fullStatusSequence = []string{
	StatusCreatingHost,
	StatusInitializingRuntime,
	"",
	StatusShuttingDownRuntime,
	"",
	StatusDisposingHost,
	"",
}

func TestHostedRunIsolatedTask(t *gotesting.T) {
	f := newFakeFactory(t, newHostRegistry(t, nil, nil))
	m := NewMetrics(nil)
	c := NewHostedContext(f, WithConfig(testConfig()), WithMetrics(m), WithProperties(map[string]string{"b": "2"}))

	setup := &host.Setup{Properties: map[string]string{"a": "1"}}
	var rec statusRecorder
	res, err := c.RunIsolatedTask(context.Background(), "test.Props", setup, rec.report)
	if err != nil {
		t.Fatal("RunIsolatedTask failed: ", err)
	}

	var got map[string]string
	if err := res.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, map[string]string{"a": "1", "b": "2"}); diff != "" {
		t.Errorf("Runtime properties mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(setup.Properties, map[string]string{"a": "1"}); diff != "" {
		t.Errorf("Setup was modified (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(rec.get(), fullStatusSequence); diff != "" {
		t.Errorf("Statuses mismatch (-got +want):\n%s", diff)
	}

	hosts := f.created()
	if len(hosts) != 1 {
		t.Fatalf("%d hosts created; want 1", len(hosts))
	}
	select {
	case <-hosts[0].Disconnected():
	default:
		t.Error("Host was not disposed")
	}
	if got := testutil.ToFloat64(m.hostsCreated.WithLabelValues(resultSucceeded)); got != 1 {
		t.Errorf("Hosts created = %v; want 1", got)
	}
}

func TestHostedRunIsolatedTaskFailure(t *gotesting.T) {
	f := newFakeFactory(t, newHostRegistry(t, nil, nil))
	c := NewHostedContext(f, WithConfig(testConfig()))

	var rec statusRecorder
	_, err := c.RunIsolatedTask(context.Background(), "test.Boom", &host.Setup{}, rec.report)
	var me *task.ModelError
	if !errors.As(err, &me) {
		t.Fatalf("RunIsolatedTask returned %v; want *task.ModelError", err)
	}
	if me.TaskType != "test.Boom" || me.Reason != "boom" {
		t.Errorf("RunIsolatedTask returned %+v; want test.Boom failing with boom", me)
	}
	if diff := cmp.Diff(rec.get(), fullStatusSequence); diff != "" {
		t.Errorf("Statuses mismatch (-got +want):\n%s", diff)
	}
}

func TestHostedRunIsolatedTaskNilArguments(t *gotesting.T) {
	f := newFakeFactory(t, newHostRegistry(t, nil, nil))
	c := NewHostedContext(f, WithConfig(testConfig()))
	ctx := context.Background()

	if _, err := c.RunIsolatedTask(ctx, "test.Props", nil, func(string) {}); !errors.Is(err, ErrNilArgument) {
		t.Errorf("RunIsolatedTask with nil setup returned %v; want ErrNilArgument", err)
	}
	if _, err := c.RunIsolatedTask(ctx, "test.Props", &host.Setup{}, nil); !errors.Is(err, ErrNilArgument) {
		t.Errorf("RunIsolatedTask with nil status returned %v; want ErrNilArgument", err)
	}
	if _, err := c.BeginBatch(nil); !errors.Is(err, ErrNilArgument) {
		t.Errorf("BeginBatch(nil) returned %v; want ErrNilArgument", err)
	}
	if n := len(f.created()); n != 0 {
		t.Errorf("%d hosts created; want 0", n)
	}
}

func TestHostedCreateHostFailure(t *gotesting.T) {
	f := newFakeFactory(t, newHostRegistry(t, nil, nil))
	f.createErr = errors.New("no hosts today")
	c := NewHostedContext(f, WithConfig(testConfig()))

	var rec statusRecorder
	_, err := c.RunIsolatedTask(context.Background(), "test.Props", &host.Setup{}, rec.report)
	var ie *TestIsolationError
	if !errors.As(err, &ie) {
		t.Fatalf("RunIsolatedTask returned %v; want *TestIsolationError", err)
	}
	if !strings.Contains(err.Error(), "no hosts today") {
		t.Errorf("Error %q does not contain the cause", err)
	}
	if diff := cmp.Diff(rec.get(), []string{StatusCreatingHost, ""}); diff != "" {
		t.Errorf("Statuses mismatch (-got +want):\n%s", diff)
	}
}

func TestHostedHostDisconnected(t *gotesting.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)

	f := newFakeFactory(t, newHostRegistry(t, started, release))
	m := NewMetrics(nil)
	c := NewHostedContext(f, WithConfig(testConfig()), WithMetrics(m))

	done := make(chan error, 1)
	go func() {
		_, err := c.RunIsolatedTask(context.Background(), "test.Block", &host.Setup{}, func(string) {})
		done <- err
	}()

	<-started
	f.created()[0].Disconnect()

	err := <-done
	var ie *TestIsolationError
	if !errors.As(err, &ie) {
		t.Fatalf("RunIsolatedTask returned %v; want *TestIsolationError", err)
	}
	if !strings.Contains(ie.Reason, "disconnected") {
		t.Errorf("Unexpected error: %v", err)
	}
	if got := testutil.ToFloat64(m.hostDisconnects); got != 1 {
		t.Errorf("Host disconnects = %v; want 1", got)
	}
}

func TestHostedDisposeErrorIsUnhandled(t *gotesting.T) {
	f := newFakeFactory(t, newHostRegistry(t, nil, nil))
	f.closeErr = errors.New("dispose failed")
	c := NewHostedContext(f, WithConfig(testConfig()))

	var mu sync.Mutex
	var unhandled []string
	remove := usercode.AddUnhandledObserver(func(desc string, err error) {
		mu.Lock()
		defer mu.Unlock()
		unhandled = append(unhandled, desc+": "+err.Error())
	})
	defer remove()

	if _, err := c.RunIsolatedTask(context.Background(), "test.Props", &host.Setup{}, func(string) {}); err != nil {
		t.Fatal("RunIsolatedTask failed: ", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(unhandled, []string{"Disposing test host: dispose failed"}); diff != "" {
		t.Errorf("Unhandled errors mismatch (-got +want):\n%s", diff)
	}
}

func TestBatch(t *gotesting.T) {
	f := newFakeFactory(t, newHostRegistry(t, nil, nil))
	c := NewHostedContext(f, WithConfig(testConfig()))
	ctx := context.Background()

	var rec statusRecorder
	b, err := c.BeginBatch(rec.report)
	if err != nil {
		t.Fatal("BeginBatch failed: ", err)
	}

	setupA := &host.Setup{Properties: map[string]string{"a": "1"}}
	setupB := &host.Setup{Properties: map[string]string{"b": "2"}}
	for i, setup := range []*host.Setup{setupA, setupA, setupB, setupA} {
		res, err := b.RunIsolatedTask(ctx, "test.Props", setup)
		if err != nil {
			t.Fatalf("RunIsolatedTask #%d failed: %v", i, err)
		}
		var got map[string]string
		if err := res.Decode(&got); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(got, setup.Properties); diff != "" {
			t.Errorf("RunIsolatedTask #%d: properties mismatch (-got +want):\n%s", i, diff)
		}
	}
	if n := len(f.created()); n != 2 {
		t.Errorf("%d hosts created; want 2", n)
	}

	// A lost host is replaced by a new one.
	f.created()[0].Disconnect()
	if _, err := b.RunIsolatedTask(ctx, "test.Props", setupA); err != nil {
		t.Fatal("RunIsolatedTask after disconnect failed: ", err)
	}
	if n := len(f.created()); n != 3 {
		t.Errorf("%d hosts created; want 3", n)
	}

	b.End(ctx)
	b.End(ctx)
	for i, h := range f.created() {
		select {
		case <-h.Disconnected():
		default:
			t.Errorf("Host #%d was not disposed", i)
		}
	}

	if _, err := b.RunIsolatedTask(ctx, "test.Props", setupA); !errors.Is(err, ErrBatchEnded) {
		t.Errorf("RunIsolatedTask after End returned %v; want ErrBatchEnded", err)
	}
}

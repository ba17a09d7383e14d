// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package bundle

import (
	"bytes"
	"context"
	"flag"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/subcommands"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/config"
	"go.chromium.org/gallio/internal/control"
	"go.chromium.org/gallio/internal/host"
	"go.chromium.org/gallio/internal/isolation"
	"go.chromium.org/gallio/internal/task"
	"go.chromium.org/gallio/internal/testcontext"
)

// hostEnv makes the test binary act as a host executable.
const hostEnv = "GALLIO_BUNDLE_TEST_HOST"

func TestMain(m *testing.M) {
	if os.Getenv(hostEnv) != "" {
		os.Exit(Main(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, newHostRegistry()))
	}
	os.Exit(m.Run())
}

// newHostRegistry returns the tasks served when the test binary runs as a
// host executable.
func newHostRegistry() *task.Registry {
	reg := task.NewRegistry()
	reg.Add("test.Pid", func() task.Task {
		return task.Func(func(ctx context.Context, args *task.Args) (interface{}, error) {
			return os.Getpid(), nil
		})
	})
	reg.Add("test.Greet", func() task.Task {
		return task.Func(func(ctx context.Context, args *task.Args) (interface{}, error) {
			var name string
			if err := args.Decode(0, &name); err != nil {
				return nil, err
			}
			rt, ok := host.RuntimeFromContext(ctx)
			if !ok {
				return "hello, " + name, nil
			}
			return rt.Properties["greeting"] + ", " + name, nil
		})
	})
	reg.Add("test.Boom", func() task.Task {
		return task.Func(func(ctx context.Context, args *task.Args) (interface{}, error) {
			return nil, errors.New("boom")
		})
	})
	return reg
}

func executable(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatal("Failed to locate the test executable: ", err)
	}
	return exe
}

func TestShimInHostProcess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := config.Default()
	cfg.HostExecutable = executable(t)
	c := isolation.NewHostedContext(host.NewLocalProcessFactory(cfg), isolation.WithConfig(cfg))
	setup := &host.Setup{
		Env:        []string{hostEnv + "=1"},
		Properties: map[string]string{"greeting": "hi"},
	}

	res, err := c.RunIsolatedTask(ctx, "test.Pid", setup, func(string) {})
	if err != nil {
		t.Fatal("RunIsolatedTask(test.Pid) failed: ", err)
	}
	var pid int
	if err := res.Decode(&pid); err != nil {
		t.Fatal(err)
	}
	if pid == 0 || pid == os.Getpid() {
		t.Errorf("Task ran in process %d; want a host process other than %d", pid, os.Getpid())
	}

	res, err = c.RunIsolatedTask(ctx, "test.Greet", setup, func(string) {}, "gallio")
	if err != nil {
		t.Fatal("RunIsolatedTask(test.Greet) failed: ", err)
	}
	var greeting string
	if err := res.Decode(&greeting); err != nil {
		t.Fatal(err)
	}
	if want := "hi, gallio"; greeting != want {
		t.Errorf("test.Greet returned %q; want %q", greeting, want)
	}

	_, err = c.RunIsolatedTask(ctx, "test.Boom", setup, func(string) {})
	var me *task.ModelError
	if !errors.As(err, &me) || me.Reason != "boom" {
		t.Errorf("RunIsolatedTask(test.Boom) returned %v; want a ModelError with reason boom", err)
	}
}

func TestClientInHostProcess(t *testing.T) {
	const (
		port = "gallio-bundle-test"
		guid = "e2e"
	)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	tracker := testcontext.NewTracker()
	defer tracker.Close()

	dir := t.TempDir()
	lis, err := isolation.Listen(ctx, dir, port, guid, tracker)
	if err != nil {
		t.Fatal("Listen failed: ", err)
	}
	defer lis.Close()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, executable(t), "client",
		"-port="+port, "-guid="+guid, "-socket_dir="+dir, "-ping_interval=100ms")
	cmd.Env = append(os.Environ(), hostEnv+"=1")
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		t.Fatal("Failed to start the client: ", err)
	}
	defer func() {
		if err := cmd.Wait(); err != nil {
			t.Errorf("Client exited with %v; stderr:\n%s", err, stderr.String())
		}
	}()

	a, err := lis.Accept(ctx)
	if err != nil {
		t.Fatal("Accept failed: ", err)
	}
	srv := isolation.NewServer(ctx, a.Endpoint, control.Discard)
	defer srv.Close()

	res, err := srv.RunIsolatedTaskOnClient(ctx, "test.Greet", "gallio")
	if err != nil {
		t.Fatal("RunIsolatedTaskOnClient failed: ", err)
	}
	var greeting string
	if err := res.Decode(&greeting); err != nil {
		t.Fatal(err)
	}
	if want := "hello, gallio"; greeting != want {
		t.Errorf("test.Greet returned %q; want %q", greeting, want)
	}

	if err := srv.Shutdown(10 * time.Second); err != nil {
		t.Error("Shutdown failed: ", err)
	}
}

func TestVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if st := run(context.Background(), []string{"version"}, nil, &stdout, &stderr, task.NewRegistry()); st != 0 {
		t.Fatalf("version exited with %d; stderr:\n%s", st, stderr.String())
	}
	if got := stdout.String(); !strings.HasPrefix(got, "gallio_host version ") {
		t.Errorf("version printed %q", got)
	}
}

func TestRegistrationErrors(t *testing.T) {
	reg := task.NewRegistry()
	reg.RecordError(errors.New("task type test.Dup registered twice"))

	var stdout, stderr bytes.Buffer
	if st := run(context.Background(), []string{"version"}, nil, &stdout, &stderr, reg); st == 0 {
		t.Error("run succeeded with a broken registry")
	}
}

func TestShimFlags(t *testing.T) {
	cfg := config.Default()
	cmd := &shimCmd{cfg: cfg}
	f := flag.NewFlagSet("shim", flag.ContinueOnError)
	cmd.SetFlags(f)
	if err := f.Parse([]string{"-debug", "-owner-pid=42", "-ping_interval=1s"}); err != nil {
		t.Fatal("Parse failed: ", err)
	}
	got := []interface{}{cmd.debug, cmd.ownerPID, cfg.PingInterval}
	want := []interface{}{true, 42, time.Second}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Flags mismatch (-got +want):\n%s", diff)
	}
}

func TestClientUsageErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
	}{
		{"missing port", []string{"-guid=g"}},
		{"invalid config", []string{"-port=p", "-guid=g", "-poll_timeout=0s"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var stderr bytes.Buffer
			cmd := &clientCmd{cfg: config.Default(), reg: task.NewRegistry(), stderr: &stderr}
			f := flag.NewFlagSet("client", flag.ContinueOnError)
			cmd.SetFlags(f)
			if err := f.Parse(tc.args); err != nil {
				t.Fatal("Parse failed: ", err)
			}
			if st := cmd.Execute(context.Background(), f); st != subcommands.ExitUsageError {
				t.Errorf("Execute returned %v; want %v", st, subcommands.ExitUsageError)
			}
		})
	}
}

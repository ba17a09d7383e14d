// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Error("Default config is invalid: ", err)
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
ping_interval: 1s
poll_timeout: 250ms
liveness_timeout: 3s
host_executable: /usr/bin/gallio_host
`))
	if err != nil {
		t.Fatal("Parse failed: ", err)
	}

	want := Default()
	want.PingInterval = time.Second
	want.PollTimeout = 250 * time.Millisecond
	want.LivenessTimeout = 3 * time.Second
	want.HostExecutable = "/usr/bin/gallio_host"
	if diff := cmp.Diff(cfg, want); diff != "" {
		t.Errorf("Parse returned unexpected config (-got +want):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		data string
		want string
	}{
		{"unknown field", "pong_interval: 1s", "failed to parse"},
		{"bad duration", "poll_timeout: soon", "failed to parse"},
		{"zero poll", "poll_timeout: 0s", "poll_timeout must be positive"},
		{"negative liveness", "liveness_timeout: -1s", "liveness_timeout must not be negative"},
		{"liveness shorter than ping", "liveness_timeout: 1s\nping_interval: 2s", "must be longer than ping_interval"},
		{"no executable", `host_executable: ""`, "host_executable must not be empty"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.data))
			if err == nil {
				t.Fatal("Parse succeeded unexpectedly")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Parse returned %q; want it to contain %q", err, tc.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gallio.yaml")
	if err := os.WriteFile(path, []byte("join_after_abort: 1m\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal("Load failed: ", err)
	}
	if cfg.JoinAfterAbort != time.Minute {
		t.Errorf("JoinAfterAbort = %v; want %v", cfg.JoinAfterAbort, time.Minute)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load succeeded for a missing file")
	}
}

func TestSetFlags(t *testing.T) {
	cfg := Default()
	cfg.PollTimeout = 3 * time.Second

	f := flag.NewFlagSet("", flag.ContinueOnError)
	cfg.SetFlags(f)
	if err := f.Parse([]string{"-ping_interval=100ms", "-socket_dir=/run/gallio"}); err != nil {
		t.Fatal(err)
	}

	want := Default()
	want.PollTimeout = 3 * time.Second
	want.PingInterval = 100 * time.Millisecond
	want.SocketDir = "/run/gallio"
	if diff := cmp.Diff(cfg, want); diff != "" {
		t.Errorf("Config mismatch after flag parsing (-got +want):\n%s", diff)
	}
}

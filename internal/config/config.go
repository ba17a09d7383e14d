// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config holds the runtime configuration of the isolation subsystem.
//
// A Config starts from Default, may be overlaid with a YAML file by Load or
// Parse, and may be further overridden by command line flags registered with
// SetFlags. Durations are written as Go duration strings (e.g. "5s").
package config

import (
	"flag"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"go.chromium.org/gallio/errors"
)

// Config contains every tunable of the isolation subsystem.
type Config struct {
	// PingInterval is the interval at which an isolation client sends ping
	// messages. A non-positive value disables pings.
	PingInterval time.Duration `yaml:"ping_interval"`
	// PollTimeout bounds each receive of a message exchange link loop.
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// CleanupInterval is the interval at which worker default contexts of
	// ended workers are purged.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// ShutdownTimeout bounds the wait for a client to receive a shutdown
	// request.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// LivenessTimeout fails pending tasks of a server if no message arrives
	// from the client for this long. Zero disables the check.
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`

	// HostReadyTimeout bounds the wait for a new host process to answer.
	HostReadyTimeout time.Duration `yaml:"host_ready_timeout"`
	// HostReadyPollInterval is the interval of readiness pings.
	HostReadyPollInterval time.Duration `yaml:"host_ready_poll_interval"`
	// JoinBeforeAbort is how long a host process is given to exit after its
	// input is closed.
	JoinBeforeAbort time.Duration `yaml:"join_before_abort"`
	// JoinAfterAbort is how long to wait for a host process after killing it.
	JoinAfterAbort time.Duration `yaml:"join_after_abort"`
	// OwnerPollInterval is the interval at which a host checks that its
	// owner process is still alive.
	OwnerPollInterval time.Duration `yaml:"owner_poll_interval"`

	// HostExecutable is the path to the gallio_host binary.
	HostExecutable string `yaml:"host_executable"`
	// SocketDir is the directory where IPC sockets are created.
	SocketDir string `yaml:"socket_dir"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		PingInterval:          5 * time.Second,
		PollTimeout:           2 * time.Second,
		CleanupInterval:       60 * time.Second,
		ShutdownTimeout:       10 * time.Second,
		HostReadyTimeout:      60 * time.Second,
		HostReadyPollInterval: 500 * time.Millisecond,
		JoinBeforeAbort:       60 * time.Second,
		JoinAfterAbort:        15 * time.Second,
		OwnerPollInterval:     5 * time.Second,
		HostExecutable:        "gallio_host",
		SocketDir:             os.TempDir(),
	}
}

// Parse returns the default Config overlaid with YAML data b.
func Parse(b []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(b, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads a YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cfg, nil
}

// SetFlags adds flags to f that override the values of c. The current
// values of c become the flag defaults.
func (c *Config) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&c.PingInterval, "ping_interval", c.PingInterval, "interval between ping messages from an isolation client")
	f.DurationVar(&c.PollTimeout, "poll_timeout", c.PollTimeout, "timeout of each receive in a message loop")
	f.DurationVar(&c.CleanupInterval, "cleanup_interval", c.CleanupInterval, "interval of purging default contexts of ended workers")
	f.DurationVar(&c.ShutdownTimeout, "shutdown_timeout", c.ShutdownTimeout, "timeout of shutting down an isolation client")
	f.DurationVar(&c.LivenessTimeout, "liveness_timeout", c.LivenessTimeout, "fail pending tasks if the client is silent for this long (0 to disable)")
	f.DurationVar(&c.HostReadyTimeout, "host_ready_timeout", c.HostReadyTimeout, "timeout of waiting for a host process to become ready")
	f.DurationVar(&c.HostReadyPollInterval, "host_ready_poll_interval", c.HostReadyPollInterval, "interval of readiness checks of a host process")
	f.DurationVar(&c.JoinBeforeAbort, "join_before_abort", c.JoinBeforeAbort, "time given to a host process to exit before it is killed")
	f.DurationVar(&c.JoinAfterAbort, "join_after_abort", c.JoinAfterAbort, "time to wait for a killed host process")
	f.DurationVar(&c.OwnerPollInterval, "owner_poll_interval", c.OwnerPollInterval, "interval of checking that the owner process is alive")
	f.StringVar(&c.HostExecutable, "host_executable", c.HostExecutable, "path to the gallio_host executable")
	f.StringVar(&c.SocketDir, "socket_dir", c.SocketDir, "directory where IPC sockets are created")
}

// Validate checks that c is usable.
func (c *Config) Validate() error {
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"poll_timeout", c.PollTimeout},
		{"cleanup_interval", c.CleanupInterval},
		{"shutdown_timeout", c.ShutdownTimeout},
		{"host_ready_timeout", c.HostReadyTimeout},
		{"host_ready_poll_interval", c.HostReadyPollInterval},
		{"join_before_abort", c.JoinBeforeAbort},
		{"join_after_abort", c.JoinAfterAbort},
		{"owner_poll_interval", c.OwnerPollInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return errors.Errorf("%s must be positive; got %v", p.name, p.d)
		}
	}
	if c.LivenessTimeout < 0 {
		return errors.Errorf("liveness_timeout must not be negative; got %v", c.LivenessTimeout)
	}
	if c.LivenessTimeout > 0 && c.PingInterval > 0 && c.LivenessTimeout <= c.PingInterval {
		return errors.Errorf("liveness_timeout (%v) must be longer than ping_interval (%v)", c.LivenessTimeout, c.PingInterval)
	}
	if c.HostExecutable == "" {
		return errors.New("host_executable must not be empty")
	}
	return nil
}

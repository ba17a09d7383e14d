// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package isolation

import (
	"time"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/gallio/internal/config"
)

type options struct {
	clk             clock.Clock
	pollTimeout     time.Duration
	pingInterval    time.Duration
	livenessTimeout time.Duration
	shutdownTimeout time.Duration
	disposeTimeout  time.Duration
	metrics         *Metrics
	properties      map[string]string
}

func newOptions(opts []Option) *options {
	o := &options{clk: clock.NewClock()}
	WithConfig(config.Default())(o)
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	return o
}

// Option customizes servers, clients and hosted contexts.
type Option func(o *options)

// WithClock sets the clock driving timeouts and pings.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clk = clk }
}

// WithConfig takes timeouts and intervals from cfg.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.pollTimeout = cfg.PollTimeout
		o.pingInterval = cfg.PingInterval
		o.livenessTimeout = cfg.LivenessTimeout
		o.shutdownTimeout = cfg.ShutdownTimeout
		o.disposeTimeout = cfg.JoinBeforeAbort + cfg.JoinAfterAbort
	}
}

// WithMetrics records metrics to m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithProperties sets isolation properties merged into the setup of every
// host created by a hosted context.
func WithProperties(props map[string]string) Option {
	return func(o *options) { o.properties = props }
}

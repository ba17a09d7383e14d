// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package isolation

import "github.com/prometheus/client_golang/prometheus"

// Task results recorded by Metrics.
const (
	resultSucceeded = "succeeded"
	resultFailed    = "failed"
	resultAborted   = "aborted"
)

// Metrics stores isolation metrics.
type Metrics struct {
	pendingTasks    prometheus.Gauge
	completedTasks  *prometheus.CounterVec
	pingsReceived   prometheus.Counter
	hostsCreated    *prometheus.CounterVec
	hostDisconnects prometheus.Counter
}

// NewMetrics creates a new set of metrics. Metrics are registered to reg
// unless it is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var m Metrics

	m.pendingTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gallio",
		Subsystem: "isolation",
		Name:      "pending_tasks",
		Help:      "Number of isolated tasks dispatched to a client and not finished yet",
	})

	m.completedTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gallio",
		Subsystem: "isolation",
		Name:      "completed_tasks_total",
		Help:      "Total number of isolated tasks by result",
	}, []string{"result"})

	m.pingsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gallio",
		Subsystem: "isolation",
		Name:      "pings_received_total",
		Help:      "Total number of ping messages received from clients",
	})

	m.hostsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gallio",
		Subsystem: "isolation",
		Name:      "hosts_created_total",
		Help:      "Total number of attempts to create a test host by result",
	}, []string{"result"})

	m.hostDisconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gallio",
		Subsystem: "isolation",
		Name:      "host_disconnects_total",
		Help:      "Total number of test hosts lost while running a task",
	})

	if reg != nil {
		reg.MustRegister(m.pendingTasks, m.completedTasks, m.pingsReceived, m.hostsCreated, m.hostDisconnects)
	}
	return &m
}

func (m *Metrics) taskCompleted(result string) {
	m.completedTasks.WithLabelValues(result).Inc()
}

func (m *Metrics) hostCreated(err error) {
	result := resultSucceeded
	if err != nil {
		result = resultFailed
	}
	m.hostsCreated.WithLabelValues(result).Inc()
}

// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package testing

import (
	"go.chromium.org/gallio/internal/control"
)

// Status is the coarse result of a step.
type Status string

// Valid statuses.
const (
	StatusPassed       Status = "passed"
	StatusFailed       Status = "failed"
	StatusSkipped      Status = "skipped"
	StatusInconclusive Status = "inconclusive"
)

// Outcome is a status refined by an optional category.
type Outcome struct {
	Status   Status
	Category string
}

// Common outcomes.
var (
	Passed       = Outcome{Status: StatusPassed}
	Failed       = Outcome{Status: StatusFailed}
	Error        = Outcome{Status: StatusFailed, Category: "error"}
	Timeout      = Outcome{Status: StatusFailed, Category: "timeout"}
	Canceled     = Outcome{Status: StatusFailed, Category: "canceled"}
	Skipped      = Outcome{Status: StatusSkipped}
	Ignored      = Outcome{Status: StatusSkipped, Category: "ignored"}
	Inconclusive = Outcome{Status: StatusInconclusive}
	Pending      = Outcome{Status: StatusInconclusive, Category: "pending"}
)

// String returns "status" or "status/category".
func (o Outcome) String() string {
	if o.Category == "" {
		return string(o.Status)
	}
	return string(o.Status) + "/" + o.Category
}

func (o Outcome) wire() control.Outcome {
	return control.Outcome{Status: string(o.Status), Category: o.Category}
}

// Lifecycle phases a step goes through. Frameworks may use other phases.
const (
	PhaseStarting   = "Starting"
	PhaseInitialize = "Initialize"
	PhaseSetUp      = "SetUp"
	PhaseExecute    = "Execute"
	PhaseTearDown   = "TearDown"
	PhaseDispose    = "Dispose"
	PhaseFinishing  = "Finishing"
)

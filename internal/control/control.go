// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package control defines the messages exchanged between an isolation server
// and client, and the test step messages consumed by report writers.
//
// Messages are JSON-marshaled. A typical sequence on a message exchange link
// is as follows:
//
//	server -> client: RunIsolatedTask (task dispatched)
//	client -> server: Ping (periodically, independent of task traffic)
//	client -> server: StepStarted (task code started a step)
//	client -> server:   LogStreamWrite (step wrote to a log stream)
//	client -> server: StepFinished (step finished)
//	client -> server: IsolatedTaskFinished (task completed or failed)
//	server -> client: Shutdown
//
// Messages of different types are unmarshaled into a single messageUnion
// struct. To be able to infer a message's type, each message struct must
// contain a Time field with a message-type-prefixed JSON name (e.g. "pingTime"
// for Ping.Time), and all other fields must be similarly namespaced.
package control

import (
	"encoding/json"
	"time"
)

// Msg is an interface implemented by all message types.
type Msg interface {
	// isMsg indicates that a type is a message type. It is not intended to be called.
	// Since this method is unexported, no other packages can define message types.
	isMsg()
}

// ErrorInfo describes an error that crossed a process boundary as data.
type ErrorInfo struct {
	// Reason is the error message, err.Error() on the remote side.
	Reason string `json:"reason"`
	// Detail is the error formatted with "%+v", including stack traces if any.
	Detail string `json:"detail,omitempty"`
}

// RunIsolatedTask asks the client to run a registered isolated task.
type RunIsolatedTask struct {
	Time time.Time `json:"runTaskTime"`
	// ID is the correlation id echoed back in IsolatedTaskFinished.
	ID string `json:"runTaskId"`
	// TaskType is the name the task was registered with.
	TaskType string `json:"runTaskType"`
	// Args holds JSON-encoded task arguments.
	Args []json.RawMessage `json:"runTaskArgs"`
}

func (*RunIsolatedTask) isMsg() {}

// IsolatedTaskFinished reports the completion of a task started by
// RunIsolatedTask. Exactly one of Result and Error is meaningful.
type IsolatedTaskFinished struct {
	Time   time.Time       `json:"taskFinishedTime"`
	ID     string          `json:"taskFinishedId"`
	Result json.RawMessage `json:"taskFinishedResult,omitempty"`
	Error  *ErrorInfo      `json:"taskFinishedError,omitempty"`
}

func (*IsolatedTaskFinished) isMsg() {}

// Ping is sent periodically by the client to assert that it is alive.
type Ping struct {
	Time time.Time `json:"pingTime"`
}

func (*Ping) isMsg() {}

// Shutdown asks the client to leave its receive loop.
type Shutdown struct {
	Time time.Time `json:"shutdownTime"`
}

func (*Shutdown) isMsg() {}

// StepInfo is a snapshot of a test step.
type StepInfo struct {
	ID           string              `json:"id"`
	ParentID     string              `json:"parentId,omitempty"`
	Name         string              `json:"name"`
	FullName     string              `json:"fullName,omitempty"`
	CodeLocation string              `json:"codeLocation,omitempty"`
	IsPrimary    bool                `json:"isPrimary,omitempty"`
	IsTestCase   bool                `json:"isTestCase,omitempty"`
	Metadata     map[string][]string `json:"metadata,omitempty"`
}

// Outcome is the wire form of a step outcome.
type Outcome struct {
	Status   string `json:"status"`
	Category string `json:"category,omitempty"`
}

// StepResult is the final state of a step.
type StepResult struct {
	AssertCount int     `json:"assertCount"`
	Duration    float64 `json:"durationSeconds"`
	Outcome     Outcome `json:"outcome"`
}

// StepStarted describes the start of a test step.
type StepStarted struct {
	Time time.Time `json:"stepStartedTime"`
	Step StepInfo  `json:"stepStartedStep"`
	// CodeElement names the code the step executes, if known.
	CodeElement string `json:"stepStartedCodeElement,omitempty"`
}

func (*StepStarted) isMsg() {}

// StepMetadataAdded describes a metadata entry added to a running step.
type StepMetadataAdded struct {
	Time   time.Time `json:"stepMetadataTime"`
	StepID string    `json:"stepMetadataStepId"`
	Key    string    `json:"stepMetadataKey"`
	Value  string    `json:"stepMetadataValue"`
}

func (*StepMetadataAdded) isMsg() {}

// StepLifecyclePhaseChanged describes a lifecycle phase transition of a step.
type StepLifecyclePhaseChanged struct {
	Time   time.Time `json:"stepPhaseTime"`
	StepID string    `json:"stepPhaseStepId"`
	Phase  string    `json:"stepPhasePhase"`
}

func (*StepLifecyclePhaseChanged) isMsg() {}

// StepFinished describes the end of a test step.
type StepFinished struct {
	Time   time.Time  `json:"stepFinishedTime"`
	StepID string     `json:"stepFinishedStepId"`
	Result StepResult `json:"stepFinishedResult"`
}

func (*StepFinished) isMsg() {}

// LogAttach adds an attachment to a step log. Text attachments set Text,
// binary ones set Bytes.
type LogAttach struct {
	Time        time.Time `json:"logAttachTime"`
	StepID      string    `json:"logAttachStepId"`
	Name        string    `json:"logAttachName"`
	ContentType string    `json:"logAttachContentType"`
	Text        string    `json:"logAttachText,omitempty"`
	Bytes       []byte    `json:"logAttachBytes,omitempty"`
}

func (*LogAttach) isMsg() {}

// LogStreamWrite appends text to a named log stream of a step.
type LogStreamWrite struct {
	Time   time.Time `json:"logWriteTime"`
	StepID string    `json:"logWriteStepId"`
	Stream string    `json:"logWriteStream"`
	Text   string    `json:"logWriteText"`
}

func (*LogStreamWrite) isMsg() {}

// LogStreamEmbed embeds a previously attached attachment into a log stream.
type LogStreamEmbed struct {
	Time           time.Time `json:"logEmbedTime"`
	StepID         string    `json:"logEmbedStepId"`
	Stream         string    `json:"logEmbedStream"`
	AttachmentName string    `json:"logEmbedAttachmentName"`
}

func (*LogStreamEmbed) isMsg() {}

// LogStreamBeginSection opens a named section in a log stream.
type LogStreamBeginSection struct {
	Time        time.Time `json:"logSectionTime"`
	StepID      string    `json:"logSectionStepId"`
	Stream      string    `json:"logSectionStream"`
	SectionName string    `json:"logSectionName"`
}

func (*LogStreamBeginSection) isMsg() {}

// LogStreamBeginMarker opens a marked region (e.g. "stackTrace") in a log
// stream.
type LogStreamBeginMarker struct {
	Time   time.Time `json:"logMarkerTime"`
	StepID string    `json:"logMarkerStepId"`
	Stream string    `json:"logMarkerStream"`
	Marker string    `json:"logMarkerMarker"`
}

func (*LogStreamBeginMarker) isMsg() {}

// LogStreamEnd closes the innermost open section or marker of a log stream.
type LogStreamEnd struct {
	Time   time.Time `json:"logEndTime"`
	StepID string    `json:"logEndStepId"`
	Stream string    `json:"logEndStream"`
}

func (*LogStreamEnd) isMsg() {}

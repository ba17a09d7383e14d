// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package control

import (
	"encoding/json"
	"io"
	"sync"

	"go.chromium.org/gallio/errors"
)

// messageUnion contains all message types. It aids in marshaling and unmarshaling heterogeneous messages.
type messageUnion struct {
	*RunIsolatedTask
	*IsolatedTaskFinished
	*Ping
	*Shutdown
	*StepStarted
	*StepMetadataAdded
	*StepLifecyclePhaseChanged
	*StepFinished
	*LogAttach
	*LogStreamWrite
	*LogStreamEmbed
	*LogStreamBeginSection
	*LogStreamBeginMarker
	*LogStreamEnd
}

func wrap(msg Msg) (*messageUnion, error) {
	switch v := msg.(type) {
	case *RunIsolatedTask:
		return &messageUnion{RunIsolatedTask: v}, nil
	case *IsolatedTaskFinished:
		return &messageUnion{IsolatedTaskFinished: v}, nil
	case *Ping:
		return &messageUnion{Ping: v}, nil
	case *Shutdown:
		return &messageUnion{Shutdown: v}, nil
	case *StepStarted:
		return &messageUnion{StepStarted: v}, nil
	case *StepMetadataAdded:
		return &messageUnion{StepMetadataAdded: v}, nil
	case *StepLifecyclePhaseChanged:
		return &messageUnion{StepLifecyclePhaseChanged: v}, nil
	case *StepFinished:
		return &messageUnion{StepFinished: v}, nil
	case *LogAttach:
		return &messageUnion{LogAttach: v}, nil
	case *LogStreamWrite:
		return &messageUnion{LogStreamWrite: v}, nil
	case *LogStreamEmbed:
		return &messageUnion{LogStreamEmbed: v}, nil
	case *LogStreamBeginSection:
		return &messageUnion{LogStreamBeginSection: v}, nil
	case *LogStreamBeginMarker:
		return &messageUnion{LogStreamBeginMarker: v}, nil
	case *LogStreamEnd:
		return &messageUnion{LogStreamEnd: v}, nil
	default:
		return nil, errors.Errorf("unable to encode message of unknown type %T", msg)
	}
}

func (mu *messageUnion) unwrap() (Msg, error) {
	switch {
	case mu.RunIsolatedTask != nil:
		return mu.RunIsolatedTask, nil
	case mu.IsolatedTaskFinished != nil:
		return mu.IsolatedTaskFinished, nil
	case mu.Ping != nil:
		return mu.Ping, nil
	case mu.Shutdown != nil:
		return mu.Shutdown, nil
	case mu.StepStarted != nil:
		return mu.StepStarted, nil
	case mu.StepMetadataAdded != nil:
		return mu.StepMetadataAdded, nil
	case mu.StepLifecyclePhaseChanged != nil:
		return mu.StepLifecyclePhaseChanged, nil
	case mu.StepFinished != nil:
		return mu.StepFinished, nil
	case mu.LogAttach != nil:
		return mu.LogAttach, nil
	case mu.LogStreamWrite != nil:
		return mu.LogStreamWrite, nil
	case mu.LogStreamEmbed != nil:
		return mu.LogStreamEmbed, nil
	case mu.LogStreamBeginSection != nil:
		return mu.LogStreamBeginSection, nil
	case mu.LogStreamBeginMarker != nil:
		return mu.LogStreamBeginMarker, nil
	case mu.LogStreamEnd != nil:
		return mu.LogStreamEnd, nil
	default:
		return nil, errors.New("unable to decode message of unknown type")
	}
}

// Marshal encodes a single message.
func Marshal(msg Msg) ([]byte, error) {
	mu, err := wrap(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(mu)
}

// Unmarshal decodes a single message encoded by Marshal.
func Unmarshal(b []byte) (Msg, error) {
	var mu messageUnion
	if err := json.Unmarshal(b, &mu); err != nil {
		return nil, errors.Wrap(err, "unable to decode message")
	}
	return mu.unwrap()
}

// MessageWriter writes a stream of messages to an io.Writer.
// It is safe to call its methods concurrently from multiple goroutines.
type MessageWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewMessageWriter returns a new MessageWriter for writing to w.
func NewMessageWriter(w io.Writer) *MessageWriter {
	return &MessageWriter{enc: json.NewEncoder(w)}
}

// WriteMessage writes msg.
func (mw *MessageWriter) WriteMessage(msg Msg) error {
	mu, err := wrap(msg)
	if err != nil {
		return err
	}
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return mw.enc.Encode(mu)
}

// MessageReader reads a stream of messages written by MessageWriter.
type MessageReader json.Decoder

// NewMessageReader returns a new MessageReader for reading from r.
func NewMessageReader(r io.Reader) *MessageReader {
	return (*MessageReader)(json.NewDecoder(r))
}

// More returns true if more messages are available.
func (mr *MessageReader) More() bool {
	return (*json.Decoder)(mr).More()
}

// ReadMessage reads and returns the next message.
func (mr *MessageReader) ReadMessage() (Msg, error) {
	dec := (*json.Decoder)(mr)
	var mu messageUnion
	if err := dec.Decode(&mu); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errors.Wrap(err, "unable to decode message")
	}
	return mu.unwrap()
}

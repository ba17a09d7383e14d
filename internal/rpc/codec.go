// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rpc

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"google.golang.org/grpc/encoding"
)

// jsonCodec marshals gRPC messages as JSON. Every message exchanged by
// gallio services is a plain Go struct.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}

var _ encoding.Codec = jsonCodec{}

const (
	// lengthSize is the number of bytes the message length takes before the
	// JSON data.
	lengthSize uint32 = 4
)

// sendRawMessage sends a length-prefixed JSON message to the I/O data stream.
func sendRawMessage(w io.Writer, msg interface{}) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	// Add data length to the message head.
	lenData := make([]byte, lengthSize)
	binary.LittleEndian.PutUint32(lenData, uint32(len(raw)))
	d := append(lenData, raw...)

	if _, err := w.Write(d); err != nil {
		return err
	}
	return nil
}

// receiveRawMessage receives a length-prefixed JSON message from the I/O
// data stream.
func receiveRawMessage(r io.Reader, msg interface{}) error {
	// Decode data length.
	lengthData := make([]byte, lengthSize)
	if _, err := io.ReadFull(r, lengthData); err != nil {
		return err
	}
	length := binary.LittleEndian.Uint32(lengthData)
	// Read message data.
	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return err
	}
	return json.Unmarshal(raw, msg)
}

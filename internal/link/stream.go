// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package link

import (
	"encoding/json"
	"io"

	"code.cloudfoundry.org/clock"
)

// streamTransport carries JSON-encoded frames over a byte stream.
type streamTransport struct {
	enc   *json.Encoder
	dec   *json.Decoder
	close func() error
}

// NewStreamTransport returns a Transport exchanging newline-delimited JSON
// frames over r and w. close is called by Close and must unblock reads
// from r.
func NewStreamTransport(r io.Reader, w io.Writer, close func() error) Transport {
	return &streamTransport{
		enc:   json.NewEncoder(w),
		dec:   json.NewDecoder(r),
		close: close,
	}
}

func (t *streamTransport) SendFrame(f *Frame) error {
	return t.enc.Encode(f)
}

func (t *streamTransport) RecvFrame() (*Frame, error) {
	f := &Frame{}
	if err := t.dec.Decode(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (t *streamTransport) Close() error {
	return t.close()
}

// NewPair returns two endpoints connected to each other in memory.
func NewPair(clk clock.Clock) (*Endpoint, *Endpoint) {
	ar, bw := io.Pipe() // b -> a
	br, aw := io.Pipe() // a -> b

	a := NewEndpoint(NewStreamTransport(ar, aw, func() error {
		aw.Close()
		return ar.Close()
	}), clk)
	b := NewEndpoint(NewStreamTransport(br, bw, func() error {
		bw.Close()
		return br.Close()
	}), clk)
	return a, b
}

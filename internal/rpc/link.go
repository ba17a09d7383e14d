// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const linkStreamName = "Exchange"

// LinkServer serves message exchange link streams.
type LinkServer interface {
	// Exchange serves one bidirectional stream of link frames. Returning
	// ends the stream.
	Exchange(stream grpc.ServerStream) error
}

func linkServiceDesc(guid string) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: LinkServiceName(guid),
		HandlerType: (*LinkServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName: linkStreamName,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(LinkServer).Exchange(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		}},
	}
}

// RegisterLinkServer registers srv to s as the message exchange link
// identified by guid.
func RegisterLinkServer(s *grpc.Server, guid string, srv LinkServer) {
	s.RegisterService(linkServiceDesc(guid), srv)
}

// OpenLink opens a stream to the message exchange link identified by guid.
// The stream lives until ctx is canceled.
func OpenLink(ctx context.Context, cc grpc.ClientConnInterface, guid string) (grpc.ClientStream, error) {
	desc := &linkServiceDesc(guid).Streams[0]
	return cc.NewStream(ctx, desc, "/"+LinkServiceName(guid)+"/"+linkStreamName)
}

// Package proto holds the gRPC contract of the ingest transport. The
// service carries only well-known message types (BytesValue chunks in, a
// Struct reply out), so the descriptor is written by hand instead of being
// generated from a .proto file.
package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	IngestServiceName      = "filevault.ingest.IngestService"
	IngestUploadFullMethod = "/filevault.ingest.IngestService/Upload"
)

// IngestServiceServer is the server API for IngestService.
type IngestServiceServer interface {
	// Upload receives the object as a stream of chunks and replies once
	// with {fileId, status, size, parts} after the object is committed.
	Upload(grpc.ClientStreamingServer[wrapperspb.BytesValue, structpb.Struct]) error
}

func RegisterIngestServiceServer(s grpc.ServiceRegistrar, srv IngestServiceServer) {
	s.RegisterService(&IngestServiceDesc, srv)
}

func ingestUploadHandler(srv any, stream grpc.ServerStream) error {
	return srv.(IngestServiceServer).Upload(&grpc.GenericServerStream[wrapperspb.BytesValue, structpb.Struct]{ServerStream: stream})
}

var IngestServiceDesc = grpc.ServiceDesc{
	ServiceName: IngestServiceName,
	HandlerType: (*IngestServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Upload",
			Handler:       ingestUploadHandler,
			ClientStreams: true,
		},
	},
	Metadata: "filevault/ingest.proto",
}

// IngestServiceClient is the client API for IngestService.
type IngestServiceClient interface {
	Upload(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[wrapperspb.BytesValue, structpb.Struct], error)
}

type ingestServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewIngestServiceClient(cc grpc.ClientConnInterface) IngestServiceClient {
	return &ingestServiceClient{cc}
}

func (c *ingestServiceClient) Upload(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[wrapperspb.BytesValue, structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &IngestServiceDesc.Streams[0], IngestUploadFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[wrapperspb.BytesValue, structpb.Struct]{ClientStream: stream}, nil
}

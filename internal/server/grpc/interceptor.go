package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/filevault/internal/common"
	pb "github.com/dmitrijs2005/filevault/internal/proto"
	"github.com/dmitrijs2005/filevault/internal/server/auth"
)

type ctxKey string

const IdentityKey ctxKey = "identity"

// identityStream overrides the stream context with one carrying the
// caller's identity.
type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identityStream) Context() context.Context {
	return s.ctx
}

func metadataValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

func (s *GRPCServer) accessTokenStreamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {

	if info.FullMethod != pb.IngestUploadFullMethod {
		return handler(srv, ss)
	}

	var accessToken string
	if md, ok := metadata.FromIncomingContext(ss.Context()); ok {
		accessToken = metadataValue(md, common.AccessTokenHeaderName)
	}
	if len(accessToken) == 0 {
		return status.Error(codes.Unauthenticated, "missing token")
	}

	id, err := s.verifier.Verify(accessToken)
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}

	ctx := context.WithValue(ss.Context(), IdentityKey, id)
	return handler(srv, &identityStream{ServerStream: ss, ctx: ctx})
}

func identityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(auth.Identity)
	return id, ok
}

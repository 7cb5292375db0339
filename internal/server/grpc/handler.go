package grpc

import (
	"errors"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/server/services"
)

// FileIDTrailer carries the file id of a failed upload, so clients can
// inspect it later.
const FileIDTrailer = "x-file-id"

type uploadStream = grpc.ClientStreamingServer[wrapperspb.BytesValue, structpb.Struct]

// chunkReader adapts an upload stream to io.Reader. The end of the client
// stream is io.EOF; any other receive error, including cancellation,
// surfaces as is.
type chunkReader struct {
	stream uploadStream
	buf    []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		msg, err := r.stream.Recv()
		if err != nil {
			return 0, err
		}
		r.buf = msg.GetValue()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (s *GRPCServer) Upload(stream uploadStream) error {
	ctx := stream.Context()

	id, ok := identityFrom(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "unauthenticated")
	}

	req := services.IngestRequest{OwnerID: id.UserID, DisplayName: id.DisplayName}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		req.Name = metadataValue(md, common.FileNameHeaderName)
		req.ContentType = metadataValue(md, common.ContentTypeHeaderName)
		if v := metadataValue(md, common.SizeHintHeaderName); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return status.Errorf(codes.InvalidArgument, "bad %s: %q", common.SizeHintHeaderName, v)
			}
			req.SizeHint = &n
		}
	}

	s.logger.Info(ctx, "Upload request", "user_id", id.UserID, "name", req.Name)

	res, err := s.ingest.Ingest(ctx, req, &chunkReader{stream: stream})
	if err != nil {
		if res != nil {
			stream.SetTrailer(metadata.Pairs(FileIDTrailer, res.FileID))
		}
		code := codeFor(err)
		switch code {
		case codes.Internal:
			s.logger.Error(ctx, "upload failed", "error", err)
			return status.Error(code, common.ErrorInternal.Error())
		case codes.Unavailable:
			s.logger.Error(ctx, "upload failed", "error", err)
		}
		return status.Error(code, err.Error())
	}

	reply, err := structpb.NewStruct(map[string]any{
		"fileId": res.FileID,
		"status": string(res.State),
		"size":   res.Size,
		"parts":  int64(res.Parts),
	})
	if err != nil {
		return status.Error(codes.Internal, common.ErrorInternal.Error())
	}

	s.logger.Info(ctx, "Uploaded", "file_id", res.FileID, "size", res.Size)
	return stream.SendAndClose(reply)
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, common.ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, common.ErrIngestAborted):
		return codes.Aborted
	case errors.Is(err, common.ErrorUnauthorized):
		return codes.Unauthenticated
	case errors.Is(err, common.ErrAccessDenied):
		return codes.PermissionDenied
	case errors.Is(err, common.ErrorNotFound):
		return codes.NotFound
	case errors.Is(err, common.ErrConflict):
		return codes.AlreadyExists
	case errors.Is(err, common.ErrQuotaExceeded), errors.Is(err, common.ErrFileTooLarge):
		return codes.ResourceExhausted
	case errors.Is(err, common.ErrTransient):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dmitrijs2005/filevault/internal/common"
	pb "github.com/dmitrijs2005/filevault/internal/proto"
)

const defaultChunkSize = 256 << 10

type GRPCClient struct {
	endpointURL string
	conn        *grpc.ClientConn
	client      pb.IngestServiceClient
	accessToken string
}

// UploadRequest describes one object to stream. Size is sent as the size
// hint when it is not negative.
type UploadRequest struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
	ChunkSize   int
	// OnProgress, if set, is called after every chunk with the total bytes
	// sent so far.
	OnProgress func(sent int64)
}

type UploadResult struct {
	FileID string
	Status string
	Size   int64
	Parts  int64
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Delete(common.AccessTokenHeaderName)
	md.Set(common.AccessTokenHeaderName, token)

	return metadata.NewOutgoingContext(ctx, md)
}

func (s *GRPCClient) accessTokenStreamInterceptor(
	ctx context.Context,
	desc *grpc.StreamDesc,
	cc *grpc.ClientConn,
	method string,
	streamer grpc.Streamer,
	opts ...grpc.CallOption,
) (grpc.ClientStream, error) {
	return streamer(withAccessToken(ctx, s.accessToken), desc, cc, method, opts...)
}

func NewGRPCClient(endpointURL, accessToken string) (*GRPCClient, error) {
	c := &GRPCClient{endpointURL: endpointURL, accessToken: accessToken}
	err := c.InitGRPCClient()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *GRPCClient) InitGRPCClient() error {

	conn, err := grpc.NewClient(s.endpointURL, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithStreamInterceptor(s.accessTokenStreamInterceptor))
	if err != nil {
		return err
	}
	s.conn = conn
	s.client = pb.NewIngestServiceClient(conn)
	return nil
}

func (s *GRPCClient) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Upload streams req.Body to the server. A failure reading the body
// cancels the stream, so the server aborts the upload.
func (s *GRPCClient) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var kv []string
	if req.Name != "" {
		kv = append(kv, common.FileNameHeaderName, req.Name)
	}
	if req.ContentType != "" {
		kv = append(kv, common.ContentTypeHeaderName, req.ContentType)
	}
	if req.Size >= 0 {
		kv = append(kv, common.SizeHintHeaderName, strconv.FormatInt(req.Size, 10))
	}
	if len(kv) > 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, kv...)
	}

	stream, err := s.client.Upload(ctx)
	if err != nil {
		return nil, s.mapError(err)
	}

	chunk := req.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	buf := make([]byte, chunk)
	var sent int64

	for {
		n, rerr := req.Body.Read(buf)
		if n > 0 {
			if err := stream.Send(wrapperspb.Bytes(buf[:n])); err != nil {
				// the server ended the call; its status comes with CloseAndRecv
				if errors.Is(err, io.EOF) {
					_, err = stream.CloseAndRecv()
				}
				return nil, s.mapError(err)
			}
			sent += int64(n)
			if req.OnProgress != nil {
				req.OnProgress(sent)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("read source: %w", rerr)
		}
	}

	reply, err := stream.CloseAndRecv()
	if err != nil {
		return nil, s.mapError(err)
	}

	f := reply.GetFields()
	return &UploadResult{
		FileID: f["fileId"].GetStringValue(),
		Status: f["status"].GetStringValue(),
		Size:   int64(f["size"].GetNumberValue()),
		Parts:  int64(f["parts"].GetNumberValue()),
	}, nil
}

func (s *GRPCClient) mapError(err error) error {
	if err == nil {
		return nil
	}
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return ErrUnauthorized
	case codes.Unavailable, codes.DeadlineExceeded:
		return ErrUnavailable
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", ErrRejected, st.Message())
	default:
		return fmt.Errorf("rpc error: %w", err)
	}
}

// Package miniostore implements storage.Backend with the minio-go Core
// API, which exposes the low-level multipart calls.
package miniostore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/server/storage"
)

// MinPartSize matches the S3 multipart lower bound MinIO enforces.
const MinPartSize = 5 << 20

// Config selects the server, bucket and credentials. Endpoint may carry a
// scheme; "https" turns TLS on.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
}

type coreAPI interface {
	NewMultipartUpload(ctx context.Context, bucket, object string, opts minio.PutObjectOptions) (string, error)
	PutObjectPart(ctx context.Context, bucket, object, uploadID string, partID int, data io.Reader, size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error
	GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error)
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
	PresignedGetObject(ctx context.Context, bucket, object string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
}

var newCore = func(endpoint string, opts *minio.Options) (coreAPI, error) {
	return minio.NewCore(endpoint, opts)
}

// Store is safe for concurrent use.
type Store struct {
	core   coreAPI
	bucket string
}

var (
	_ storage.Backend   = (*Store)(nil)
	_ storage.Presigner = (*Store)(nil)
)

// New connects to MinIO and creates the bucket when it does not exist.
func New(ctx context.Context, c Config) (*Store, error) {
	if c.Bucket == "" {
		return nil, fmt.Errorf("%w: empty bucket", common.ErrInvalidArgument)
	}
	host, secure := splitEndpoint(c.Endpoint, c.Secure)

	core, err := newCore(host, &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: secure,
		Region: c.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := core.BucketExists(ctx, c.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", classify(err))
	}
	if !exists {
		if err := core.MakeBucket(ctx, c.Bucket, minio.MakeBucketOptions{Region: c.Region}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", classify(err))
		}
	}
	return &Store{core: core, bucket: c.Bucket}, nil
}

// splitEndpoint accepts "host:port" or a URL and returns the host part.
func splitEndpoint(endpoint string, secure bool) (string, bool) {
	if !strings.Contains(endpoint, "://") {
		return strings.TrimSuffix(endpoint, "/"), secure
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint, secure
	}
	return u.Host, u.Scheme == "https"
}

func (s *Store) BeginMultipart(ctx context.Context, key, contentType string) (*storage.Session, error) {
	id, err := s.core.NewMultipartUpload(ctx, s.bucket, key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, classify(err)
	}
	return &storage.Session{Key: key, UploadID: id, ContentType: contentType}, nil
}

func (s *Store) UploadPart(ctx context.Context, sess *storage.Session, partNumber int32, data []byte) (storage.Part, error) {
	p, err := s.core.PutObjectPart(ctx, s.bucket, sess.Key, sess.UploadID, int(partNumber),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if err != nil {
		return storage.Part{}, classify(err)
	}
	return storage.Part{Number: partNumber, ETag: p.ETag, Size: int64(len(data))}, nil
}

func (s *Store) CompleteMultipart(ctx context.Context, sess *storage.Session, parts []storage.Part) (string, error) {
	done := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		done = append(done, minio.CompletePart{PartNumber: int(p.Number), ETag: p.ETag})
	}
	info, err := s.core.CompleteMultipartUpload(ctx, s.bucket, sess.Key, sess.UploadID, done,
		minio.PutObjectOptions{ContentType: sess.ContentType})
	if err != nil {
		return "", classify(err)
	}
	if info.VersionID != "" {
		return info.VersionID, nil
	}
	return info.ETag, nil
}

func (s *Store) AbortMultipart(ctx context.Context, sess *storage.Session) error {
	if err := s.core.AbortMultipartUpload(ctx, s.bucket, sess.Key, sess.UploadID); err != nil {
		err = classify(err)
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Store) RangeGet(ctx context.Context, key string, start, end int64) (*storage.Object, error) {
	if start < 0 || (end >= 0 && end < start) {
		return nil, storage.Permanent(fmt.Errorf("%w: bytes=%d-%d", common.ErrInvalidArgument, start, end))
	}

	opts := minio.GetObjectOptions{}
	whole := start == 0 && end < 0
	if !whole {
		opts.Set("Range", storage.FormatRange(start, end))
	}

	body, info, hdr, err := s.core.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		err = classify(err)
		if errors.Is(err, common.ErrRangeNotSatisfiable) {
			if exists, size, herr := s.HeadObject(ctx, key); herr == nil && exists {
				return nil, storage.Permanent(&common.RangeNotSatisfiableError{Size: size})
			}
		}
		return nil, err
	}

	if whole {
		return &storage.Object{Body: body, Start: 0, End: info.Size - 1, Total: info.Size}, nil
	}
	rs, re, total, err := storage.ParseContentRange(hdr.Get("Content-Range"))
	if err != nil {
		_ = body.Close()
		return nil, storage.Permanent(err)
	}
	return &storage.Object{Body: body, Start: rs, End: re, Total: total}, nil
}

func (s *Store) HeadObject(ctx context.Context, key string) (bool, int64, error) {
	info, err := s.core.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		err = classify(err)
		if errors.Is(err, common.ErrorNotFound) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return true, info.Size, nil
}

func (s *Store) DeleteObject(ctx context.Context, key string) error {
	if err := s.core.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		err = classify(err)
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Store) MinPartSize() int64 {
	return MinPartSize
}

func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.core.PresignedGetObject(ctx, s.bucket, key, ttl, nil)
	if err != nil {
		return "", classify(err)
	}
	return u.String(), nil
}

// classify maps minio errors onto the storage error classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return storage.ClassifyGeneric(err)
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchUpload", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%w: %w: %w", common.ErrPermanent, common.ErrorNotFound, err)
	case "InvalidRange":
		return storage.Permanent(fmt.Errorf("%w: %w", common.ErrRangeNotSatisfiable, err))
	case "SlowDown", "SlowDownRead", "SlowDownWrite", "RequestTimeout", "InternalError", "ServiceUnavailable", "XMinioServerNotInitialized":
		return storage.Transient(err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidArgument", "InvalidPart", "EntityTooSmall":
		return storage.Permanent(err)
	}
	if c := storage.ClassifyStatus(resp.StatusCode, err); c != nil {
		return c
	}
	if c := storage.ClassifyGeneric(err); c != nil {
		return c
	}
	return storage.Permanent(err)
}

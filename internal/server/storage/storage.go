// Package storage defines the object store contract used by ingestion and
// delivery, the error classification shared by every backend, and a
// retrying decorator for transient failures.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Session identifies an open multipart upload.
type Session struct {
	Key         string
	UploadID    string
	ContentType string
}

// Part is an uploaded part. Numbers are 1-based and contiguous.
type Part struct {
	Number int32
	ETag   string
	Size   int64
}

// Object is a lazily read byte range of a stored object. Start and End
// are inclusive offsets; Total is the full object size. Callers must close
// Body.
type Object struct {
	Body  io.ReadCloser
	Start int64
	End   int64
	Total int64
}

// Length is the number of bytes Body yields.
func (o *Object) Length() int64 {
	if o.Total == 0 {
		return 0
	}
	return o.End - o.Start + 1
}

// Backend is a multipart-capable object store.
//
// Errors are classified: wrapped common.ErrTransient for failures worth
// retrying, common.ErrPermanent otherwise. A read past the end of an
// object is reported as common.RangeNotSatisfiableError.
type Backend interface {
	BeginMultipart(ctx context.Context, key, contentType string) (*Session, error)
	UploadPart(ctx context.Context, s *Session, partNumber int32, data []byte) (Part, error)
	// CompleteMultipart assembles parts in order and returns the store's
	// version tag for the object.
	CompleteMultipart(ctx context.Context, s *Session, parts []Part) (string, error)
	AbortMultipart(ctx context.Context, s *Session) error
	// RangeGet reads bytes [start, end]; end < 0 reads to the end.
	RangeGet(ctx context.Context, key string, start, end int64) (*Object, error)
	HeadObject(ctx context.Context, key string) (exists bool, size int64, err error)
	// DeleteObject succeeds when the key does not exist.
	DeleteObject(ctx context.Context, key string) error
	// MinPartSize is the smallest size accepted for a non-final part.
	MinPartSize() int64
}

// Presigner is implemented by backends that can hand out time-limited
// direct download URLs.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// NewStorageKey returns a fresh key of the form
// users/<owner>/<yyyy>/<mm>/<dd>/<uuid>.
func NewStorageKey(ownerID string, now time.Time) string {
	return fmt.Sprintf("users/%s/%04d/%02d/%02d/%s", ownerID, now.Year(), now.Month(), now.Day(), uuid.New())
}

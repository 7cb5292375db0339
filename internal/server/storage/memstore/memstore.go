// Package memstore is an in-process storage.Backend. It enforces the same
// multipart rules as the S3 backends and supports fault injection, which
// makes it the backend of choice for tests and single-node development.
package memstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/server/storage"
)

// Op names an operation for fault injection.
type Op string

const (
	OpBegin      Op = "begin"
	OpUploadPart Op = "upload_part"
	OpComplete   Op = "complete"
	OpAbort      Op = "abort"
	OpRangeGet   Op = "range_get"
	OpHead       Op = "head"
	OpDelete     Op = "delete"
)

type upload struct {
	key         string
	contentType string
	parts       map[int32][]byte
}

type object struct {
	data        []byte
	contentType string
	version     string
}

type fault struct {
	remaining int
	err       error
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	minPart int64
	uploads map[string]*upload
	objects map[string]*object
	faults  map[Op]*fault
	calls   map[Op]int
}

var (
	_ storage.Backend   = (*Store)(nil)
	_ storage.Presigner = (*Store)(nil)
)

// New returns an empty store. minPartSize <= 0 means 1 byte.
func New(minPartSize int64) *Store {
	if minPartSize <= 0 {
		minPartSize = 1
	}
	return &Store{
		minPart: minPartSize,
		uploads: make(map[string]*upload),
		objects: make(map[string]*object),
		faults:  make(map[Op]*fault),
		calls:   make(map[Op]int),
	}
}

// FailNext makes the next n calls of op return err.
func (s *Store) FailNext(op Op, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{remaining: n, err: err}
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// OpenUploads returns the number of multipart uploads neither completed
// nor aborted.
func (s *Store) OpenUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// Put stores data under key directly, bypassing multipart.
func (s *Store) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = &object{data: append([]byte(nil), data...), version: etag(data)}
}

// enter records the call and returns an injected fault, if any. Callers
// hold s.mu.
func (s *Store) enter(ctx context.Context, op Op) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return storage.ClassifyGeneric(err)
	}
	f, ok := s.faults[op]
	if !ok || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return f.err
}

func etag(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func (s *Store) BeginMultipart(ctx context.Context, key, contentType string) (*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpBegin); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, storage.Permanent(fmt.Errorf("%w: empty key", common.ErrInvalidArgument))
	}
	id := uuid.NewString()
	s.uploads[id] = &upload{key: key, contentType: contentType, parts: make(map[int32][]byte)}
	return &storage.Session{Key: key, UploadID: id, ContentType: contentType}, nil
}

func (s *Store) UploadPart(ctx context.Context, sess *storage.Session, partNumber int32, data []byte) (storage.Part, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpUploadPart); err != nil {
		return storage.Part{}, err
	}
	u, ok := s.uploads[sess.UploadID]
	if !ok {
		return storage.Part{}, storage.NotFound("upload " + sess.UploadID)
	}
	if partNumber < 1 || partNumber > 10000 {
		return storage.Part{}, storage.Permanent(fmt.Errorf("%w: part number %d", common.ErrInvalidArgument, partNumber))
	}
	buf := append([]byte(nil), data...)
	u.parts[partNumber] = buf
	return storage.Part{Number: partNumber, ETag: etag(buf), Size: int64(len(buf))}, nil
}

func (s *Store) CompleteMultipart(ctx context.Context, sess *storage.Session, parts []storage.Part) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpComplete); err != nil {
		return "", err
	}
	u, ok := s.uploads[sess.UploadID]
	if !ok {
		return "", storage.NotFound("upload " + sess.UploadID)
	}
	if len(parts) == 0 {
		return "", storage.Permanent(fmt.Errorf("%w: no parts", common.ErrInvalidArgument))
	}

	var buf bytes.Buffer
	for i, p := range parts {
		if p.Number != int32(i+1) {
			return "", storage.Permanent(fmt.Errorf("%w: part %d out of order", common.ErrInvalidArgument, p.Number))
		}
		data, ok := u.parts[p.Number]
		if !ok || etag(data) != p.ETag {
			return "", storage.Permanent(fmt.Errorf("%w: part %d missing or modified", common.ErrInvalidArgument, p.Number))
		}
		if i < len(parts)-1 && int64(len(data)) < s.minPart {
			return "", storage.Permanent(fmt.Errorf("%w: part %d smaller than %d bytes", common.ErrInvalidArgument, p.Number, s.minPart))
		}
		buf.Write(data)
	}

	data := buf.Bytes()
	version := etag(data)
	s.objects[u.key] = &object{data: data, contentType: u.contentType, version: version}
	delete(s.uploads, sess.UploadID)
	return version, nil
}

func (s *Store) AbortMultipart(ctx context.Context, sess *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpAbort); err != nil {
		return err
	}
	delete(s.uploads, sess.UploadID)
	return nil
}

func (s *Store) RangeGet(ctx context.Context, key string, start, end int64) (*storage.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpRangeGet); err != nil {
		return nil, err
	}
	obj, ok := s.objects[key]
	if !ok {
		return nil, storage.NotFound(key)
	}

	total := int64(len(obj.data))
	if total == 0 && start == 0 && end < 0 {
		return &storage.Object{Body: io.NopCloser(bytes.NewReader(nil)), Start: 0, End: -1, Total: 0}, nil
	}
	if start < 0 || start >= total || (end >= 0 && end < start) {
		return nil, storage.Permanent(&common.RangeNotSatisfiableError{Size: total})
	}
	if end < 0 || end >= total {
		end = total - 1
	}

	chunk := append([]byte(nil), obj.data[start:end+1]...)
	return &storage.Object{Body: io.NopCloser(bytes.NewReader(chunk)), Start: start, End: end, Total: total}, nil
}

func (s *Store) HeadObject(ctx context.Context, key string) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpHead); err != nil {
		return false, 0, err
	}
	obj, ok := s.objects[key]
	if !ok {
		return false, 0, nil
	}
	return true, int64(len(obj.data)), nil
}

func (s *Store) DeleteObject(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpDelete); err != nil {
		return err
	}
	delete(s.objects, key)
	return nil
}

func (s *Store) MinPartSize() int64 {
	return s.minPart
}

// PresignGet returns a mem:// URL; it is only meaningful inside the process.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u := url.URL{Scheme: "mem", Path: "/" + key}
	q := u.Query()
	q.Set("expires", time.Now().Add(ttl).UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

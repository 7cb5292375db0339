// Package s3store implements storage.Backend on the AWS SDK v2 S3 client.
// It works against AWS S3 and S3-compatible stores such as Wasabi and MinIO.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/server/storage"
)

// MinPartSize is the S3 lower bound for every part except the last.
const MinPartSize = 5 << 20

// Config selects the bucket and credentials.
type Config struct {
	Region       string
	AccessKey    string
	SecretKey    string
	Bucket       string
	Endpoint     string
	UsePathStyle bool
}

type s3API interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}
)

// Store is safe for concurrent use.
type Store struct {
	client  s3API
	presign presignAPI
	bucket  string
}

var (
	_ storage.Backend   = (*Store)(nil)
	_ storage.Presigner = (*Store)(nil)
)

// New builds a Store from static credentials.
func New(ctx context.Context, c Config) (*Store, error) {
	if c.Bucket == "" {
		return nil, fmt.Errorf("%w: empty bucket", common.ErrInvalidArgument)
	}
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(c.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
		o.UsePathStyle = c.UsePathStyle
	})

	return &Store{client: client, presign: newS3PresignClient(client), bucket: c.Bucket}, nil
}

func (s *Store) BeginMultipart(ctx context.Context, key, contentType string) (*storage.Session, error) {
	in := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	out, err := s.client.CreateMultipartUpload(ctx, in)
	if err != nil {
		return nil, classify(err)
	}
	return &storage.Session{Key: key, UploadID: aws.ToString(out.UploadId), ContentType: contentType}, nil
}

func (s *Store) UploadPart(ctx context.Context, sess *storage.Session, partNumber int32, data []byte) (storage.Part, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(sess.Key),
		UploadId:      aws.String(sess.UploadID),
		PartNumber:    aws.Int32(partNumber),
		ContentLength: aws.Int64(int64(len(data))),
		Body:          bytes.NewReader(data),
	})
	if err != nil {
		return storage.Part{}, classify(err)
	}
	return storage.Part{Number: partNumber, ETag: aws.ToString(out.ETag), Size: int64(len(data))}, nil
}

func (s *Store) CompleteMultipart(ctx context.Context, sess *storage.Session, parts []storage.Part) (string, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Number),
		})
	}
	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(sess.Key),
		UploadId:        aws.String(sess.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", classify(err)
	}
	if v := aws.ToString(out.VersionId); v != "" {
		return v, nil
	}
	return aws.ToString(out.ETag), nil
}

func (s *Store) AbortMultipart(ctx context.Context, sess *storage.Session) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(sess.Key),
		UploadId: aws.String(sess.UploadID),
	})
	if err != nil {
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

	in := &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}
	whole := start == 0 && end < 0
	if !whole {
		in.Range = aws.String(storage.FormatRange(start, end))
	}

	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		err = classify(err)
		if errors.Is(err, common.ErrRangeNotSatisfiable) {
			return nil, s.rangeError(ctx, key, err)
		}
		return nil, err
	}

	length := aws.ToInt64(out.ContentLength)
	if whole {
		return &storage.Object{Body: out.Body, Start: 0, End: length - 1, Total: length}, nil
	}

	rs, re, total, err := storage.ParseContentRange(aws.ToString(out.ContentRange))
	if err != nil {
		_ = out.Body.Close()
		return nil, storage.Permanent(err)
	}
	return &storage.Object{Body: out.Body, Start: rs, End: re, Total: total}, nil
}

// rangeError attaches the object size to an InvalidRange failure.
func (s *Store) rangeError(ctx context.Context, key string, cause error) error {
	exists, size, err := s.HeadObject(ctx, key)
	if err != nil || !exists {
		return cause
	}
	return storage.Permanent(&common.RangeNotSatisfiableError{Size: size})
}

func (s *Store) HeadObject(ctx context.Context, key string) (bool, int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		err = classify(err)
		if errors.Is(err, common.ErrorNotFound) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return true, aws.ToInt64(out.ContentLength), nil
}

func (s *Store) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
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
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classify(err)
	}
	return req.URL, nil
}

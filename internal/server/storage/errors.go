package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/dmitrijs2005/filevault/internal/common"
)

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil || errors.Is(err, common.ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", common.ErrTransient, err)
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil || errors.Is(err, common.ErrPermanent) {
		return err
	}
	return fmt.Errorf("%w: %w", common.ErrPermanent, err)
}

// NotFound is a permanent not-found error for key.
func NotFound(key string) error {
	return fmt.Errorf("%w: %w: %s", common.ErrPermanent, common.ErrorNotFound, key)
}

// ClassifyStatus maps an HTTP status returned by an S3-compatible store.
// 0 means the status is unknown.
func ClassifyStatus(status int, err error) error {
	switch {
	case status == 404:
		return fmt.Errorf("%w: %w: %w", common.ErrPermanent, common.ErrorNotFound, err)
	case status == 416:
		return Permanent(fmt.Errorf("%w: %w", common.ErrRangeNotSatisfiable, err))
	case status == 408 || status == 429 || status >= 500:
		return Transient(err)
	case status >= 400:
		return Permanent(err)
	}
	return nil
}

// ClassifyGeneric handles errors that carry no store-specific code:
// cancellation is permanent, deadlines and network errors are transient.
// It returns nil when it cannot decide.
func ClassifyGeneric(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return Permanent(err)
	case errors.Is(err, context.DeadlineExceeded):
		return Transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Transient(err)
	}
	return nil
}

// ErrPresignUnsupported is returned by backends that cannot presign URLs.
var ErrPresignUnsupported = errors.New("presigned urls not supported by backend")

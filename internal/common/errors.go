// Package common defines shared constants and sentinel errors used across
// filevault components. Callers should use errors.Is / errors.As to match
// these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// Storage failure classes. Transient failures may be retried,
	// permanent ones are surfaced immediately.
	ErrTransient = errors.New("transient failure")
	ErrPermanent = errors.New("permanent failure")

	// Service-level errors.
	ErrorInternal          = errors.New("internal error")
	ErrorUnauthorized      = errors.New("unauthorized")
	ErrAccessDenied        = errors.New("access denied")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrFileTooLarge        = errors.New("file too large")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	ErrIngestAborted       = errors.New("ingest aborted by source")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// RangeNotSatisfiableError reports an unsatisfiable byte range together with
// the size of the object, so the caller can retry with a valid range.
type RangeNotSatisfiableError struct {
	Size int64
}

func (e *RangeNotSatisfiableError) Error() string {
	return fmt.Sprintf("%s: object size %d", ErrRangeNotSatisfiable, e.Size)
}

// Is makes errors.Is(err, ErrRangeNotSatisfiable) match.
func (e *RangeNotSatisfiableError) Is(target error) bool {
	return target == ErrRangeNotSatisfiable
}

// IsRetryable reports whether err was classified as transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

package client

import "errors"

var (
	ErrUnavailable  = errors.New("server unavailable")
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRejected means the server refused the object: over quota or
	// larger than the size limit.
	ErrRejected = errors.New("upload rejected")
)

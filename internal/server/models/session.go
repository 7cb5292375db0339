package models

import "time"

// SessionState is the state of a multipart upload session.
type SessionState string

const (
	SessionOpen      SessionState = "open"
	SessionCommitted SessionState = "committed"
	SessionAborted   SessionState = "aborted"
)

// UploadSession records the store-side multipart upload backing an
// in-flight File so that crashed uploads can be aborted later.
type UploadSession struct {
	FileID     string
	StorageKey string
	UploadID   string
	State      SessionState
	Parts      int32
	Bytes      int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

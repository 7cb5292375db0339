// Package models defines server-side records persisted in the metadata
// registry.
package models

import "time"

// FileState is the upload lifecycle state of a File.
type FileState string

const (
	FilePending    FileState = "pending"
	FileInProgress FileState = "in-progress"
	FileComplete   FileState = "complete"
	FileFailed     FileState = "failed"
	FileDeleted    FileState = "deleted"
)

// File describes one stored object. The object exists under StorageKey in
// the store exactly when State is FileComplete; complete files are never
// rewritten.
type File struct {
	ID          string
	OwnerID     string
	StorageKey  string
	OrigName    string
	ContentType string
	// SizeHint is the size declared by the client, if any. It is advisory.
	SizeHint *int64
	// Size is the final byte count, set on completion.
	Size          int64
	State         FileState
	FailureReason string
	DownloadCount int64
	CreatedAt     time.Time
	CompletedAt   *time.Time
	PurgedAt      *time.Time
}

// Readable reports whether content may be served.
func (f *File) Readable() bool {
	return f.State == FileComplete
}

package models

import "time"

// User is an account that owns files. StorageUsed counts complete files
// only and never exceeds StorageLimit.
type User struct {
	ID           string
	DisplayName  string
	StorageUsed  int64
	StorageLimit int64
	CreatedAt    time.Time
}

package models

import "time"

// SharedFile is a read grant on a file for a user other than its owner.
type SharedFile struct {
	FileID    string
	GranteeID string
	GrantedBy string
	GrantedAt time.Time
	ExpiresAt *time.Time
}

// ActiveAt reports whether the grant is in force at now.
func (s *SharedFile) ActiveAt(now time.Time) bool {
	return s.ExpiresAt == nil || now.Before(*s.ExpiresAt)
}

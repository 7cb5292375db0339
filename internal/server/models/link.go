package models

import "time"

// LinkKind distinguishes permanent links from expiring ones.
type LinkKind string

const (
	LinkPermanent LinkKind = "permanent"
	LinkTemporary LinkKind = "temporary"
)

// UnlimitedAccess marks a link that may be resolved any number of times.
const UnlimitedAccess = -1

// DownloadLink is a bearer capability to read one file.
type DownloadLink struct {
	ID          string
	FileID      string
	Kind        LinkKind
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	CreatedBy   string
	MaxAccess   int
	AccessCount int
}

// UsableAt reports whether the link would still grant access at now.
func (l *DownloadLink) UsableAt(now time.Time) bool {
	if l.ExpiresAt != nil && !now.Before(*l.ExpiresAt) {
		return false
	}
	return l.MaxAccess == UnlimitedAccess || l.AccessCount < l.MaxAccess
}

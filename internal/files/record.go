// Package files implements the upload/download lifecycle of shared files:
// reserving a record, handing out presigned URLs for direct object store
// transfers, and reconciling the record's status with what the object
// store actually holds.
package files

import (
	"time"
)

// Status is the lifecycle state of a FileRecord.
type Status string

const (
	StatusReserved  Status = "reserved"
	StatusUploaded  Status = "uploaded"
	StatusValidated Status = "validated"
	StatusFailed    Status = "failed"
)

// transitions lists the only legal status moves. Anything absent is rejected.
var transitions = map[Status][]Status{
	StatusReserved: {StatusUploaded, StatusFailed},
	StatusUploaded: {StatusValidated, StatusFailed},
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusReserved, StatusUploaded, StatusValidated, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusValidated || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Permission controls who may download a file without owning it.
type Permission string

const (
	PermissionPrivate Permission = "private"
	PermissionPublic  Permission = "public"
)

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	return p == PermissionPrivate || p == PermissionPublic
}

// ExpirationInfinite is the only expiration policy currently issued.
const ExpirationInfinite = "infinite"

// FileRecord is the persisted metadata of one shared file.
// ID, OwnerID and Locator never change after creation.
type FileRecord struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner_id"`
	DirectoryID      string     `json:"directory_id"`
	Locator          string     `json:"locator"`
	Filename         string     `json:"filename"`
	MimeType         string     `json:"mime_type"`
	SizeBytes        int64      `json:"size_bytes"`
	Status           Status     `json:"status"`
	Permissions      Permission `json:"permissions"`
	ExpirationPolicy string     `json:"expiration_policy"`
	FullPath         string     `json:"full_path"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Clone returns a copy that can be handed out without sharing state.
func (r *FileRecord) Clone() *FileRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Locator derives the object key for a file owned by ownerID.
func Locator(ownerID, fileID string) string {
	return "uploads/" + ownerID + "/" + fileID
}

// FullPath builds the display path of a file inside a directory.
func FullPath(directoryID, filename string) string {
	return directoryID + "/" + filename
}

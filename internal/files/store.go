package files

import (
	"context"
	"time"
)

// RecordStore persists FileRecords. Every method is atomic for a single
// record; nothing in this package needs multi-record transactions.
type RecordStore interface {
	// Create inserts a new record. A duplicate id yields KindConflict.
	Create(ctx context.Context, rec *FileRecord) error
	FindByID(ctx context.Context, id string) (*FileRecord, error)
	FindByIDAndOwner(ctx context.Context, id, ownerID string) (*FileRecord, error)
	// UpdateStatus moves a record from `from` to `to` only if its current
	// status is still `from`. A mismatch yields KindConflict, an illegal
	// transition KindValidation, a missing record KindNotFound.
	UpdateStatus(ctx context.Context, id string, from, to Status) (*FileRecord, error)
	// UpdateStatusAndSize is UpdateStatus that also replaces size_bytes in
	// the same atomic write.
	UpdateStatusAndSize(ctx context.Context, id string, from, to Status, size int64) (*FileRecord, error)
	UpdatePermissions(ctx context.Context, id, ownerID string, perm Permission) (*FileRecord, error)
	ListByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]*FileRecord, error)
	// ListStale returns records in status whose last update is older than before.
	ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*FileRecord, error)
	// TotalsByMimeType aggregates the owner's records in the given statuses.
	TotalsByMimeType(ctx context.Context, ownerID string, statuses []Status) ([]MimeTotal, error)
}

// ListOptions pages through a listing.
type ListOptions struct {
	Limit  int
	Offset int
}

// Normalize clamps paging values into a sane range.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// MimeTotal is one row of TotalsByMimeType.
type MimeTotal struct {
	MimeType string
	Count    int64
	Bytes    int64
}

// ObjectInfo is what a HEAD probe reports about a stored object.
type ObjectInfo struct {
	Size int64
	ETag string
}

// ObjectStore issues presigned URLs and probes objects. Implementations are
// single-shot: no retries, no multipart.
type ObjectStore interface {
	SignPut(ctx context.Context, locator, contentType string, ttl time.Duration) (string, error)
	SignGet(ctx context.Context, locator string, ttl time.Duration) (string, error)
	// HeadObject returns ErrObjectMissing (possibly wrapped) when nothing is stored.
	HeadObject(ctx context.Context, locator string) (ObjectInfo, error)
}

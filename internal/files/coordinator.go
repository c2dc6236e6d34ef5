package files

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultURLTTL is the validity of presigned URLs when none is configured.
	DefaultURLTTL = 5 * time.Minute
	// MaxURLTTL caps configured validity windows.
	MaxURLTTL = time.Hour
)

// ClampTTL keeps a presign window within (0, MaxURLTTL].
func ClampTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultURLTTL
	}
	if d > MaxURLTTL {
		return MaxURLTTL
	}
	return d
}

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	Records RecordStore
	Objects ObjectStore
	Cache   *RecordCache
	PutTTL  time.Duration
	Logger  zerolog.Logger

	// Now and NewID are replaceable in tests.
	Now   func() time.Time
	NewID func() string
}

// Coordinator drives a file through reserved -> uploaded -> validated,
// or into failed. It never moves bytes itself.
type Coordinator struct {
	records RecordStore
	objects ObjectStore
	cache   *RecordCache
	putTTL  time.Duration
	log     zerolog.Logger
	now     func() time.Time
	newID   func() string
}

// NewCoordinator builds a Coordinator from cfg.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		records: cfg.Records,
		objects: cfg.Objects,
		cache:   cfg.Cache,
		putTTL:  ClampTTL(cfg.PutTTL),
		log:     cfg.Logger.With().Str("component", "coordinator").Logger(),
		now:     cfg.Now,
		newID:   cfg.NewID,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

// Reservation is the result of ReserveUpload.
type Reservation struct {
	FileID    string
	PutURL    string
	ExpiresAt time.Time
	Record    *FileRecord
}

// ReserveUpload creates a reserved record and a presigned PUT URL bound to
// the record's locator and mime type. If signing fails the record is moved
// to failed so no reserved record is left without a usable URL.
func (c *Coordinator) ReserveUpload(ctx context.Context, p Principal, req ReserveRequest) (*Reservation, error) {
	const op = "reserve_upload"

	p = orAnonymous(p)
	if !p.Authenticated() {
		reservationsTotal.WithLabelValues("unauthenticated").Inc()
		return nil, E(KindUnauthenticated, op, "no principal")
	}
	if err := req.normalize(); err != nil {
		reservationsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	owner := p.ID()
	dir := req.DirectoryID
	if dir == "" {
		dir = owner
	}

	now := c.now().UTC()
	id := c.newID()
	rec := &FileRecord{
		ID:               id,
		OwnerID:          owner,
		DirectoryID:      dir,
		Locator:          Locator(owner, id),
		Filename:         req.Filename,
		MimeType:         req.MimeType,
		SizeBytes:        req.SizeBytes,
		Status:           StatusReserved,
		Permissions:      PermissionPrivate,
		ExpirationPolicy: ExpirationInfinite,
		FullPath:         FullPath(dir, req.Filename),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := c.records.Create(ctx, rec); err != nil {
		reservationsTotal.WithLabelValues("store_error").Inc()
		c.log.Error().Err(err).Str("file_id", id).Msg("record create failed")
		return nil, Wrap(KindInternal, op, err, "create record")
	}

	url, err := c.objects.SignPut(ctx, rec.Locator, rec.MimeType, c.putTTL)
	if err != nil {
		reservationsTotal.WithLabelValues("sign_error").Inc()
		c.log.Error().Err(err).Str("file_id", id).Msg("presign put failed, failing reservation")
		if _, uerr := c.records.UpdateStatus(ctx, id, StatusReserved, StatusFailed); uerr != nil {
			c.log.Error().Err(uerr).Str("file_id", id).Msg("could not fail orphaned reservation")
		} else {
			statusTransitionsTotal.WithLabelValues(string(StatusReserved), string(StatusFailed)).Inc()
		}
		return nil, Wrap(KindInternal, op, err, "sign upload url")
	}

	reservationsTotal.WithLabelValues("ok").Inc()
	reservedBytesTotal.Add(float64(rec.SizeBytes))
	c.log.Info().
		Str("file_id", id).
		Str("owner_id", owner).
		Str("mime_type", rec.MimeType).
		Int64("size_bytes", rec.SizeBytes).
		Msg("upload reserved")

	return &Reservation{
		FileID:    id,
		PutURL:    url,
		ExpiresAt: now.Add(c.putTTL),
		Record:    rec.Clone(),
	}, nil
}

// CompleteUpload reconciles a record with the object store after the
// client reports its upload. A successful probe moves the record to
// uploaded when claimed is "uploaded" and to validated otherwise, and
// replaces the announced size with the stored one; a failed
// probe moves it to failed and returns the failed record together with a
// KindExternalService error. Every write is a compare-and-set against the
// status read at the start, so a concurrent caller loses with KindConflict.
func (c *Coordinator) CompleteUpload(ctx context.Context, p Principal, fileID, claimed string) (*FileRecord, error) {
	const op = "complete_upload"

	rec, err := c.ownedRecord(ctx, op, p, fileID)
	if err != nil {
		completionsTotal.WithLabelValues(KindOf(err).String()).Inc()
		return nil, err
	}
	if claimed == "" {
		completionsTotal.WithLabelValues(KindValidation.String()).Inc()
		return nil, E(KindValidation, op, "status is required")
	}

	target := StatusValidated
	if Status(claimed) == StatusUploaded {
		target = StatusUploaded
	}
	if rec.Status.Terminal() || rec.Status == target {
		completionsTotal.WithLabelValues(KindConflict.String()).Inc()
		return nil, E(KindConflict, op, "file %s is already %s", rec.ID, rec.Status)
	}

	logger := c.log.With().Str("file_id", rec.ID).Str("claimed", claimed).Logger()

	info, probeErr := c.objects.HeadObject(ctx, rec.Locator)
	if probeErr != nil {
		failed, err := c.transition(ctx, rec.ID, rec.Status, StatusFailed)
		if err != nil {
			completionsTotal.WithLabelValues(KindOf(err).String()).Inc()
			return nil, err
		}
		completionsTotal.WithLabelValues(string(StatusFailed)).Inc()
		msg := "verification probe failed"
		if errors.Is(probeErr, ErrObjectMissing) {
			msg = "object not found in store"
		}
		logger.Warn().Err(probeErr).Msg("upload verification failed")
		return failed, Wrap(KindExternalService, op, probeErr, msg)
	}

	if info.Size != rec.SizeBytes {
		logger.Warn().
			Int64("announced", rec.SizeBytes).
			Int64("stored", info.Size).
			Msg("stored size differs from announced size, keeping stored size")
	}

	// The announced size is advisory; every successful step records the
	// size the store reported.
	cur := rec
	if cur.Status == StatusReserved {
		if cur, err = c.transitionSized(ctx, cur.ID, StatusReserved, StatusUploaded, info.Size); err != nil {
			completionsTotal.WithLabelValues(KindOf(err).String()).Inc()
			return nil, err
		}
	}
	if target == StatusValidated {
		if cur, err = c.transitionSized(ctx, cur.ID, StatusUploaded, StatusValidated, info.Size); err != nil {
			completionsTotal.WithLabelValues(KindOf(err).String()).Inc()
			return nil, err
		}
	}

	completionsTotal.WithLabelValues(string(cur.Status)).Inc()
	logger.Info().Str("status", string(cur.Status)).Str("etag", info.ETag).Msg("upload completed")
	return cur, nil
}

// SetPermissions changes who may download a file. Only the owner may do it.
func (c *Coordinator) SetPermissions(ctx context.Context, p Principal, fileID string, perm Permission) (*FileRecord, error) {
	const op = "set_permissions"

	if !perm.Valid() {
		return nil, E(KindValidation, op, "unknown permission %q", perm)
	}
	if _, err := c.ownedRecord(ctx, op, p, fileID); err != nil {
		return nil, err
	}
	rec, err := c.records.UpdatePermissions(ctx, fileID, p.ID(), perm)
	if err != nil {
		return nil, asDomain(op, err)
	}
	c.cache.Invalidate(fileID)
	c.log.Info().Str("file_id", fileID).Str("permissions", string(perm)).Msg("permissions changed")
	return rec, nil
}

// ListFiles returns the principal's own records, newest first.
func (c *Coordinator) ListFiles(ctx context.Context, p Principal, opts ListOptions) ([]*FileRecord, error) {
	const op = "list_files"

	p = orAnonymous(p)
	if !p.Authenticated() {
		return nil, E(KindUnauthenticated, op, "no principal")
	}
	recs, err := c.records.ListByOwner(ctx, p.ID(), opts.Normalize())
	if err != nil {
		return nil, asDomain(op, err)
	}
	return recs, nil
}

// ownedRecord loads fileID and checks that p owns it.
func (c *Coordinator) ownedRecord(ctx context.Context, op string, p Principal, fileID string) (*FileRecord, error) {
	p = orAnonymous(p)
	if !p.Authenticated() {
		return nil, E(KindUnauthenticated, op, "no principal")
	}
	if fileID == "" {
		return nil, E(KindValidation, op, "file id is required")
	}

	rec, err := c.records.FindByIDAndOwner(ctx, fileID, p.ID())
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, asDomain(op, err)
	}

	// Distinguish "no such file" from "someone else's file".
	other, err := c.records.FindByID(ctx, fileID)
	if err != nil {
		return nil, asDomain(op, err)
	}
	if !p.IsOwner(other) {
		return nil, E(KindUnauthorized, op, "file %s belongs to another user", fileID)
	}
	return other, nil
}

func (c *Coordinator) transition(ctx context.Context, id string, from, to Status) (*FileRecord, error) {
	rec, err := c.records.UpdateStatus(ctx, id, from, to)
	if err != nil {
		return nil, asDomain("update_status", err)
	}
	statusTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	return rec, nil
}

func (c *Coordinator) transitionSized(ctx context.Context, id string, from, to Status, size int64) (*FileRecord, error) {
	rec, err := c.records.UpdateStatusAndSize(ctx, id, from, to, size)
	if err != nil {
		return nil, asDomain("update_status", err)
	}
	statusTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	return rec, nil
}

// asDomain keeps *Error values and wraps anything else as internal.
func asDomain(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Wrap(KindInternal, op, err, "")
}

// Package records implements files.RecordStore on top of memory and SQL
// databases.
package records

import (
	"context"
	"sort"
	"sync"
	"time"

	"sharedrop/internal/files"
)

// MemoryStore keeps records in a map guarded by a mutex. It is used for
// local development and tests and applies the same compare-and-set rules
// as SQLStore.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]*files.FileRecord
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		recs: make(map[string]*files.FileRecord),
		now:  time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, rec *files.FileRecord) error {
	const op = "records.create"
	if rec == nil || rec.ID == "" {
		return files.E(files.KindValidation, op, "record id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.recs[rec.ID]; ok {
		return files.E(files.KindConflict, op, "file %s already exists", rec.ID)
	}
	for _, r := range m.recs {
		if r.Locator == rec.Locator {
			return files.E(files.KindConflict, op, "locator %s already in use", rec.Locator)
		}
	}
	m.recs[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryStore) FindByID(_ context.Context, id string) (*files.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recs[id]
	if !ok {
		return nil, files.E(files.KindNotFound, "records.find", "file %s not found", id)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) FindByIDAndOwner(_ context.Context, id, ownerID string) (*files.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recs[id]
	if !ok || rec.OwnerID != ownerID {
		return nil, files.E(files.KindNotFound, "records.find", "file %s not found for owner", id)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to files.Status) (*files.FileRecord, error) {
	return m.updateStatus("records.update_status", id, from, to, nil)
}

func (m *MemoryStore) UpdateStatusAndSize(_ context.Context, id string, from, to files.Status, size int64) (*files.FileRecord, error) {
	return m.updateStatus("records.update_status_size", id, from, to, &size)
}

func (m *MemoryStore) updateStatus(op, id string, from, to files.Status, size *int64) (*files.FileRecord, error) {
	if !from.CanTransitionTo(to) {
		return nil, files.E(files.KindValidation, op, "illegal transition %s -> %s", from, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recs[id]
	if !ok {
		return nil, files.E(files.KindNotFound, op, "file %s not found", id)
	}
	if rec.Status != from {
		return nil, files.E(files.KindConflict, op, "file %s is %s, expected %s", id, rec.Status, from)
	}
	rec.Status = to
	if size != nil {
		rec.SizeBytes = *size
	}
	rec.UpdatedAt = m.now().UTC()
	return rec.Clone(), nil
}

func (m *MemoryStore) UpdatePermissions(_ context.Context, id, ownerID string, perm files.Permission) (*files.FileRecord, error) {
	const op = "records.update_permissions"

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recs[id]
	if !ok || rec.OwnerID != ownerID {
		return nil, files.E(files.KindNotFound, op, "file %s not found for owner", id)
	}
	rec.Permissions = perm
	rec.UpdatedAt = m.now().UTC()
	return rec.Clone(), nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string, opts files.ListOptions) ([]*files.FileRecord, error) {
	opts = opts.Normalize()

	m.mu.Lock()
	var out []*files.FileRecord
	for _, r := range m.recs {
		if r.OwnerID == ownerID {
			out = append(out, r.Clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, opts), nil
}

func (m *MemoryStore) ListStale(_ context.Context, status files.Status, before time.Time, limit int) ([]*files.FileRecord, error) {
	m.mu.Lock()
	var out []*files.FileRecord
	for _, r := range m.recs {
		if r.Status == status && r.UpdatedAt.Before(before) {
			out = append(out, r.Clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) TotalsByMimeType(_ context.Context, ownerID string, statuses []files.Status) ([]files.MimeTotal, error) {
	want := make(map[files.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	m.mu.Lock()
	byMime := make(map[string]*files.MimeTotal)
	for _, r := range m.recs {
		if r.OwnerID != ownerID || !want[r.Status] {
			continue
		}
		t, ok := byMime[r.MimeType]
		if !ok {
			t = &files.MimeTotal{MimeType: r.MimeType}
			byMime[r.MimeType] = t
		}
		t.Count++
		t.Bytes += r.SizeBytes
	}
	m.mu.Unlock()

	out := make([]files.MimeTotal, 0, len(byMime))
	for _, t := range byMime {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MimeType < out[j].MimeType })
	return out, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

func page(recs []*files.FileRecord, opts files.ListOptions) []*files.FileRecord {
	if opts.Offset >= len(recs) {
		return []*files.FileRecord{}
	}
	recs = recs[opts.Offset:]
	if len(recs) > opts.Limit {
		recs = recs[:opts.Limit]
	}
	return recs
}

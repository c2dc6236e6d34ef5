package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharedrop/internal/files"
	"sharedrop/internal/records"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, store files.RecordStore, id string, status files.Status, age time.Duration) {
	t.Helper()
	ts := now.Add(-age)
	require.NoError(t, store.Create(context.Background(), &files.FileRecord{
		ID:          id,
		OwnerID:     "alice",
		DirectoryID: "alice",
		Locator:     files.Locator("alice", id),
		Filename:    id,
		MimeType:    "text/plain",
		SizeBytes:   1,
		Status:      status,
		Permissions: files.PermissionPrivate,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}))
}

func TestRunOnce(t *testing.T) {
	store := records.NewMemoryStore()
	seed(t, store, "stale", files.StatusReserved, 48*time.Hour)
	seed(t, store, "fresh", files.StatusReserved, time.Hour)
	seed(t, store, "done", files.StatusValidated, 48*time.Hour)
	seed(t, store, "mid", files.StatusUploaded, 48*time.Hour)

	s := New(Config{
		Records: store,
		Logger:  zerolog.New(zerolog.NewTestWriter(t)),
		MaxAge:  24 * time.Hour,
		Now:     func() time.Time { return now },
	})

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Failed: 1}, res)

	want := map[string]files.Status{
		"stale": files.StatusFailed,
		"fresh": files.StatusReserved,
		"done":  files.StatusValidated,
		"mid":   files.StatusUploaded,
	}
	for id, status := range want {
		rec, err := store.FindByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, status, rec.Status, id)
	}

	// Nothing left to do on a second pass.
	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

// racingStore completes a record between ListStale and UpdateStatus.
type racingStore struct {
	*records.MemoryStore
}

func (r racingStore) ListStale(ctx context.Context, status files.Status, before time.Time, limit int) ([]*files.FileRecord, error) {
	recs, err := r.MemoryStore.ListStale(ctx, status, before, limit)
	for _, rec := range recs {
		_, _ = r.MemoryStore.UpdateStatus(ctx, rec.ID, files.StatusReserved, files.StatusUploaded)
	}
	return recs, err
}

func TestRunOnce_SkipsRecordsThatMoved(t *testing.T) {
	store := racingStore{records.NewMemoryStore()}
	seed(t, store, "f1", files.StatusReserved, 48*time.Hour)

	s := New(Config{
		Records: store,
		Logger:  zerolog.New(zerolog.NewTestWriter(t)),
		MaxAge:  time.Hour,
		Now:     func() time.Time { return now },
	})
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Skipped: 1}, res)

	rec, err := store.FindByID(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, files.StatusUploaded, rec.Status)
}

func TestRun_StopsOnCancel(t *testing.T) {
	store := records.NewMemoryStore()
	s := New(Config{Records: store, Logger: zerolog.New(zerolog.NewTestWriter(t)), Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

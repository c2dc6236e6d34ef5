package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharedrop/internal/auth"
	"sharedrop/internal/db"
	"sharedrop/internal/files"
	"sharedrop/internal/records"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func envFrom(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func run(t *testing.T, vars map[string]string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(envFrom(vars))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	vars := map[string]string{"SDR_SESSION_SECRET": testSecret, "SDR_LOG_LEVEL": "error"}

	out, err := run(t, vars, "token", "alice")
	require.NoError(t, err)

	sessions, err := auth.NewSessions(auth.Config{Secret: testSecret})
	require.NoError(t, err)
	sub, err := sessions.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)
}

func TestTokenCommand_Errors(t *testing.T) {
	_, err := run(t, map[string]string{"SDR_SESSION_SECRET": testSecret}, "token")
	assert.Error(t, err, "user id is required")

	_, err = run(t, map[string]string{"SDR_SESSION_SECRET": "short"}, "token", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.session_secret")
}

func TestMigrateCommand(t *testing.T) {
	vars := map[string]string{
		"SDR_SESSION_SECRET": testSecret,
		"SDR_LOG_LEVEL":      "error",
		"SDR_DB_TYPE":        "sqlite",
		"SDR_DB_DSN":         filepath.Join(t.TempDir(), "sharedrop.db"),
	}

	_, err := run(t, vars, "migrate", "--check")
	assert.Error(t, err, "fresh database is behind")

	out, err := run(t, vars, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "migrations applied")

	out, err = run(t, vars, "migrate", "--check")
	require.NoError(t, err)
	assert.Contains(t, out, "up to date")

	vars["SDR_DB_TYPE"] = "memory"
	_, err = run(t, vars, "migrate")
	assert.Error(t, err)
}

func TestSweepCommand(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sharedrop.db")

	conn, err := db.OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(conn, db.SQLite))
	store := records.NewSQLStore(conn, db.SQLite)

	old := time.Now().Add(-48 * time.Hour).UTC()
	for _, id := range []string{"stale-1", "stale-2"} {
		require.NoError(t, store.Create(ctx, &files.FileRecord{
			ID: id, OwnerID: "alice", DirectoryID: "alice", Locator: files.Locator("alice", id),
			Filename: "a.txt", MimeType: "text/plain", SizeBytes: 1,
			Status: files.StatusReserved, Permissions: files.PermissionPrivate,
			ExpirationPolicy: files.ExpirationInfinite, FullPath: "alice/a.txt",
			CreatedAt: old, UpdatedAt: old,
		}))
	}
	require.NoError(t, conn.Close())

	out, err := run(t, map[string]string{
		"SDR_SESSION_SECRET": testSecret,
		"SDR_LOG_LEVEL":      "error",
		"SDR_DB_TYPE":        "sqlite",
		"SDR_DB_DSN":         path,
		"SDR_SWEEP_MAX_AGE":  "24h",
	}, "sweep")
	require.NoError(t, err)
	assert.Equal(t, "scanned=2 failed=2 skipped=0\n", out)
}

func TestServeRejectsBadConfig(t *testing.T) {
	_, err := run(t, map[string]string{"SDR_ENV": "production", "SDR_SESSION_SECRET": testSecret}, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed in production")
}

package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"sharedrop/internal/db"
	"sharedrop/internal/files"
)

const columns = `id, owner_id, directory_id, locator, filename, mime_type, size_bytes,
	status, permissions, expiration_policy, full_path, created_at, updated_at`

// SQLStore persists records in the files table of a PostgreSQL or SQLite
// database. Queries are written with $N placeholders and rebound for
// SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

func NewSQLStore(conn *sql.DB, dialect db.Dialect) *SQLStore {
	return &SQLStore{db: conn, dialect: dialect, now: time.Now}
}

func (s *SQLStore) q(query string) string {
	if s.dialect == db.SQLite {
		return rebind(query)
	}
	return query
}

// rebind turns $N into ?N, which SQLite reads as the same numbered parameter.
func rebind(query string) string {
	return strings.ReplaceAll(query, "$", "?")
}

func (s *SQLStore) Create(ctx context.Context, rec *files.FileRecord) error {
	const op = "records.create"
	if rec == nil || rec.ID == "" {
		return files.E(files.KindValidation, op, "record id is required")
	}

	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO files (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`),
		rec.ID, rec.OwnerID, rec.DirectoryID, rec.Locator, rec.Filename, rec.MimeType, rec.SizeBytes,
		string(rec.Status), string(rec.Permissions), rec.ExpirationPolicy, rec.FullPath,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		if isDuplicate(err) {
			return files.Wrap(files.KindConflict, op, err, "file already exists")
		}
		return fmt.Errorf("insert file %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) FindByID(ctx context.Context, id string) (*files.FileRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+columns+` FROM files WHERE id = $1`), id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, files.E(files.KindNotFound, "records.find", "file %s not found", id)
		}
		return nil, fmt.Errorf("select file %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLStore) FindByIDAndOwner(ctx context.Context, id, ownerID string) (*files.FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+columns+` FROM files WHERE id = $1 AND owner_id = $2`), id, ownerID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, files.E(files.KindNotFound, "records.find", "file %s not found for owner", id)
		}
		return nil, fmt.Errorf("select file %s: %w", id, err)
	}
	return rec, nil
}

// UpdateStatus is a compare-and-set on the status column.
func (s *SQLStore) UpdateStatus(ctx context.Context, id string, from, to files.Status) (*files.FileRecord, error) {
	return s.updateStatus(ctx, "records.update_status", id, from, to, sql.NullInt64{})
}

// UpdateStatusAndSize is UpdateStatus that also stores size in the same row
// update.
func (s *SQLStore) UpdateStatusAndSize(ctx context.Context, id string, from, to files.Status, size int64) (*files.FileRecord, error) {
	return s.updateStatus(ctx, "records.update_status_size", id, from, to, sql.NullInt64{Int64: size, Valid: true})
}

func (s *SQLStore) updateStatus(ctx context.Context, op, id string, from, to files.Status, size sql.NullInt64) (*files.FileRecord, error) {
	if !from.CanTransitionTo(to) {
		return nil, files.E(files.KindValidation, op, "illegal transition %s -> %s", from, to)
	}

	row := s.db.QueryRowContext(ctx, s.q(`UPDATE files SET status = $1, updated_at = $2,
			size_bytes = COALESCE($5, size_bytes)
		WHERE id = $3 AND status = $4
		RETURNING `+columns),
		string(to), s.now().UTC(), id, string(from), size,
	)
	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update status of %s: %w", id, err)
	}

	cur, ferr := s.FindByID(ctx, id)
	if ferr != nil {
		return nil, ferr
	}
	return nil, files.E(files.KindConflict, op, "file %s is %s, expected %s", id, cur.Status, from)
}

func (s *SQLStore) UpdatePermissions(ctx context.Context, id, ownerID string, perm files.Permission) (*files.FileRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`UPDATE files SET permissions = $1, updated_at = $2
		WHERE id = $3 AND owner_id = $4
		RETURNING `+columns),
		string(perm), s.now().UTC(), id, ownerID,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, files.E(files.KindNotFound, "records.update_permissions", "file %s not found for owner", id)
		}
		return nil, fmt.Errorf("update permissions of %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLStore) ListByOwner(ctx context.Context, ownerID string, opts files.ListOptions) ([]*files.FileRecord, error) {
	opts = opts.Normalize()
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+columns+` FROM files
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`),
		ownerID, opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list files of %s: %w", ownerID, err)
	}
	return collect(rows)
}

func (s *SQLStore) ListStale(ctx context.Context, status files.Status, before time.Time, limit int) ([]*files.FileRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+columns+` FROM files
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`),
		string(status), before.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale %s files: %w", status, err)
	}
	return collect(rows)
}

func (s *SQLStore) TotalsByMimeType(ctx context.Context, ownerID string, statuses []files.Status) ([]files.MimeTotal, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []any{ownerID}
	marks := make([]string, len(statuses))
	for i, st := range statuses {
		args = append(args, string(st))
		marks[i] = "$" + strconv.Itoa(i+2)
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT mime_type, COUNT(*), COALESCE(SUM(size_bytes), 0)
		FROM files
		WHERE owner_id = $1 AND status IN (`+strings.Join(marks, ", ")+`)
		GROUP BY mime_type
		ORDER BY mime_type`), args...)
	if err != nil {
		return nil, fmt.Errorf("usage totals of %s: %w", ownerID, err)
	}
	defer rows.Close()

	var out []files.MimeTotal
	for rows.Next() {
		var t files.MimeTotal
		if err := rows.Scan(&t.MimeType, &t.Count, &t.Bytes); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Ping checks database connectivity for readiness probes.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*files.FileRecord, error) {
	var (
		rec              files.FileRecord
		status, perm     string
		created, updated dbTime
	)
	err := row.Scan(
		&rec.ID, &rec.OwnerID, &rec.DirectoryID, &rec.Locator, &rec.Filename, &rec.MimeType, &rec.SizeBytes,
		&status, &perm, &rec.ExpirationPolicy, &rec.FullPath, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = files.Status(status)
	rec.Permissions = files.Permission(perm)
	rec.CreatedAt = created.Time
	rec.UpdatedAt = updated.Time
	return &rec, nil
}

func collect(rows *sql.Rows) ([]*files.FileRecord, error) {
	defer rows.Close()
	out := []*files.FileRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// dbTime scans timestamps that SQLite may hand back as text.
type dbTime struct{ time.Time }

func (t *dbTime) Scan(v any) error {
	switch x := v.(type) {
	case time.Time:
		t.Time = x.UTC()
		return nil
	case string:
		return t.parse(x)
	case []byte:
		return t.parse(string(x))
	case nil:
		t.Time = time.Time{}
		return nil
	}
	return fmt.Errorf("cannot scan %T into time", v)
}

func (t *dbTime) parse(s string) error {
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if ts, err := time.Parse(layout, s); err == nil {
			t.Time = ts.UTC()
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// Package records persists events and tasks together with their sync state.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/common"
	"github.com/dmitrijs2005/lifemanager/internal/dbx"
	"github.com/dmitrijs2005/lifemanager/internal/models"
)

const columns = `local_id, kind, provider, collection, remote_id, revision_tag, dirty, deleted,
	sync_failed, last_error, version, updated_at, title, description, start_at, end_at,
	all_day, due_at, completed`

// SQLiteRepository implements Repository over a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db  dbx.DBTX
	now func() time.Time
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.Record, error) {
	var (
		r                          models.Record
		kind                       string
		remoteID                   sql.NullString
		updatedAt, start, end, due sql.NullString
		dirty, deleted, failed     int
		allDay, completed          int
	)
	err := s.Scan(&r.LocalID, &kind, &r.Provider, &r.Collection, &remoteID, &r.RevisionTag,
		&dirty, &deleted, &failed, &r.LastError, &r.Version, &updatedAt,
		&r.Title, &r.Description, &start, &end, &allDay, &due, &completed)
	if err != nil {
		return nil, err
	}

	r.Kind = models.Kind(kind)
	r.RemoteID = remoteID.String
	r.Dirty, r.Deleted, r.SyncFailed = dirty != 0, deleted != 0, failed != 0
	r.AllDay, r.Completed = allDay != 0, completed != 0

	for _, f := range []struct {
		dst *time.Time
		src sql.NullString
	}{{&r.UpdatedAt, updatedAt}, {&r.Start, start}, {&r.End, end}, {&r.Due, due}} {
		if *f.dst, err = dbx.ParseTime(f.src); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func (r *SQLiteRepository) queryOne(ctx context.Context, query string, args ...any) (*models.Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return rec, nil
}

func (r *SQLiteRepository) queryMany(ctx context.Context, query string, args ...any) ([]*models.Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select records: %w", err)
	}
	defer rows.Close()

	var result []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return result, nil
}

// Get returns a record by local id, tombstones included.
func (r *SQLiteRepository) Get(ctx context.Context, localID string) (*models.Record, error) {
	return r.queryOne(ctx, `SELECT `+columns+` FROM records WHERE local_id = ?`, localID)
}

func (r *SQLiteRepository) GetByRemoteID(ctx context.Context, provider, collection, remoteID string) (*models.Record, error) {
	return r.queryOne(ctx, `SELECT `+columns+` FROM records
		WHERE provider = ? AND collection = ? AND remote_id = ?`, provider, collection, remoteID)
}

// List returns records for display, tombstones excluded unless asked for.
func (r *SQLiteRepository) List(ctx context.Context, f Filter) ([]*models.Record, error) {
	var (
		where []string
		args  []any
	)
	if !f.IncludeDeleted {
		where = append(where, "deleted = 0")
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.OnlyFailed {
		where = append(where, "sync_failed = 1")
	}

	query := `SELECT ` + columns + ` FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY COALESCE(start_at, due_at, updated_at), local_id"
	return r.queryMany(ctx, query, args...)
}

// SaveLocal upserts r as a local edit. r.Version and r.UpdatedAt are set
// from the stored row.
func (r *SQLiteRepository) SaveLocal(ctx context.Context, rec *models.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", common.ErrInvalidRecord, err)
	}
	p := rec.Payload.Normalize()
	now := r.now().UTC().Truncate(time.Second)

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO records (local_id, kind, provider, collection, dirty, deleted, version,
			updated_at, title, description, start_at, end_at, all_day, due_at, completed)
		VALUES (?, ?, ?, ?, 1, 0, 1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			all_day = excluded.all_day,
			due_at = excluded.due_at,
			completed = excluded.completed,
			updated_at = excluded.updated_at,
			dirty = 1,
			sync_failed = 0,
			last_error = '',
			version = records.version + 1
		WHERE records.deleted = 0
		RETURNING version`,
		rec.LocalID, string(rec.Kind), rec.Provider, rec.Collection, dbx.Time(now),
		p.Title, p.Description, dbx.Time(p.Start), dbx.Time(p.End), dbx.Bool(p.AllDay),
		dbx.Time(p.Due), dbx.Bool(p.Completed),
	).Scan(&rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("record %s is deleted: %w", rec.LocalID, common.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}

	rec.Payload = p
	rec.UpdatedAt = now
	rec.Dirty = true
	rec.SyncFailed = false
	rec.LastError = ""
	return nil
}

func (r *SQLiteRepository) MarkDeleted(ctx context.Context, localID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE records
		SET deleted = 1, dirty = 1, sync_failed = 0, last_error = '', version = version + 1, updated_at = ?
		WHERE local_id = ? AND deleted = 0`, dbx.Time(r.now()), localID)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	n, err := dbx.Affected(res)
	if err != nil {
		return err
	}
	if n != 1 {
		return common.ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) ScanDirty(ctx context.Context, provider string) ([]*models.Record, error) {
	return r.queryMany(ctx, `SELECT `+columns+` FROM records
		WHERE provider = ? AND dirty = 1 AND sync_failed = 0
		ORDER BY local_id`, provider)
}

func (r *SQLiteRepository) MarkPushed(ctx context.Context, localID string, version int64, remoteID, tag string) (bool, error) {
	// The remote identity is recorded even when the row moved on, so the
	// next push updates instead of creating a second remote copy.
	if _, err := r.db.ExecContext(ctx, `UPDATE records SET remote_id = ?, revision_tag = ?
		WHERE local_id = ?`, dbx.NullString(remoteID), tag, localID); err != nil {
		return false, fmt.Errorf("failed to store remote identity: %w", err)
	}
	return r.execOne(ctx, "clear dirty flag", `UPDATE records SET dirty = 0, sync_failed = 0, last_error = ''
		WHERE local_id = ? AND version = ?`, localID, version)
}

func (r *SQLiteRepository) MarkFailed(ctx context.Context, localID string, version int64, msg string) (bool, error) {
	return r.execOne(ctx, "mark record failed", `UPDATE records SET sync_failed = 1, last_error = ?
		WHERE local_id = ? AND version = ?`, msg, localID, version)
}

func (r *SQLiteRepository) PurgeTombstone(ctx context.Context, localID string, version int64) (bool, error) {
	return r.execOne(ctx, "purge tombstone", `DELETE FROM records
		WHERE local_id = ? AND version = ? AND deleted = 1`, localID, version)
}

func (r *SQLiteRepository) RetryFailed(ctx context.Context, provider string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE records SET sync_failed = 0, last_error = ''
		WHERE provider = ? AND sync_failed = 1`, provider)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed records: %w", err)
	}
	return dbx.Affected(res)
}

func (r *SQLiteRepository) InsertRemote(ctx context.Context, rec *models.Record) error {
	p := rec.Payload.Normalize()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = r.now().UTC().Truncate(time.Second)
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO records (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, '', ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.LocalID, string(rec.Kind), rec.Provider, rec.Collection, dbx.NullString(rec.RemoteID),
		rec.RevisionTag, rec.Version, dbx.Time(rec.UpdatedAt), p.Title, p.Description,
		dbx.Time(p.Start), dbx.Time(p.End), dbx.Bool(p.AllDay), dbx.Time(p.Due), dbx.Bool(p.Completed))
	if err != nil {
		return fmt.Errorf("failed to insert remote record: %w", err)
	}
	rec.Payload = p
	rec.Dirty, rec.Deleted = false, false
	return nil
}

// ApplyRemote replaces payload and revision tag of rec.LocalID when the row
// is clean and still at rec.Version. A false result means a local edit won.
func (r *SQLiteRepository) ApplyRemote(ctx context.Context, rec *models.Record) (bool, error) {
	p := rec.Payload.Normalize()
	return r.execOne(ctx, "apply remote change", `UPDATE records SET
			kind = ?, revision_tag = ?, title = ?, description = ?, start_at = ?, end_at = ?,
			all_day = ?, due_at = ?, completed = ?, updated_at = ?
		WHERE local_id = ? AND version = ? AND dirty = 0`,
		string(rec.Kind), rec.RevisionTag, p.Title, p.Description, dbx.Time(p.Start), dbx.Time(p.End),
		dbx.Bool(p.AllDay), dbx.Time(p.Due), dbx.Bool(p.Completed), dbx.Time(r.now()),
		rec.LocalID, rec.Version)
}

func (r *SQLiteRepository) DeleteRemote(ctx context.Context, localID string, version int64) (bool, error) {
	return r.execOne(ctx, "delete record", `DELETE FROM records
		WHERE local_id = ? AND version = ? AND dirty = 0`, localID, version)
}

func (r *SQLiteRepository) RemoteRefs(ctx context.Context, provider, collection string) (map[string]RemoteRef, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT remote_id, local_id, revision_tag, dirty, version FROM records
		WHERE provider = ? AND collection = ? AND remote_id IS NOT NULL`, provider, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to select remote refs: %w", err)
	}
	defer rows.Close()

	refs := make(map[string]RemoteRef)
	for rows.Next() {
		var (
			remoteID string
			ref      RemoteRef
			dirty    int
		)
		if err := rows.Scan(&remoteID, &ref.LocalID, &ref.RevisionTag, &dirty, &ref.Version); err != nil {
			return nil, fmt.Errorf("failed to scan remote ref: %w", err)
		}
		ref.Dirty = dirty != 0
		refs[remoteID] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate remote refs: %w", err)
	}
	return refs, nil
}

func (r *SQLiteRepository) Counts(ctx context.Context, provider string) (dirty, failed int64, err error) {
	err = r.db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN dirty = 1 AND sync_failed = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(sync_failed), 0)
		FROM records WHERE provider = ?`, provider).Scan(&dirty, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count records: %w", err)
	}
	return dirty, failed, nil
}

func (r *SQLiteRepository) execOne(ctx context.Context, what, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", what, err)
	}
	n, err := dbx.Affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

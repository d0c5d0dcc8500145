// Package store opens the local SQLite database and groups the repositories
// the sync engine and the local write path use.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/lifemanager/internal/dbx"
	"github.com/dmitrijs2005/lifemanager/internal/models"
	"github.com/dmitrijs2005/lifemanager/internal/store/checkpoints"
	"github.com/dmitrijs2005/lifemanager/internal/store/credentials"
	"github.com/dmitrijs2005/lifemanager/internal/store/metadata"
	"github.com/dmitrijs2005/lifemanager/internal/store/migrations"
	"github.com/dmitrijs2005/lifemanager/internal/store/records"

	_ "modernc.org/sqlite"
)

type Store struct {
	db          *sql.DB
	Records     *records.SQLiteRepository
	Checkpoints *checkpoints.SQLiteRepository
	Credentials *credentials.SQLiteRepository
	Metadata    *metadata.SQLiteRepository
}

// DSN builds a modernc connection string with WAL, a busy timeout and
// immediate write transactions, so the CLI and the daemon can share the file.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string, sealer credentials.Sealer) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, sealer), nil
}

// New wraps an already migrated database.
func New(db *sql.DB, sealer credentials.Sealer) *Store {
	return &Store{
		db:          db,
		Records:     records.NewSQLiteRepository(db),
		Checkpoints: checkpoints.NewSQLiteRepository(db),
		Credentials: credentials.NewSQLiteRepository(db, sealer),
		Metadata:    metadata.NewSQLiteRepository(db),
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveLocal records a user edit and bumps the local mutation counter in the
// same transaction.
func (s *Store) SaveLocal(ctx context.Context, r *models.Record) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := records.NewSQLiteRepository(tx).SaveLocal(ctx, r); err != nil {
			return err
		}
		_, err := metadata.NewSQLiteRepository(tx).Incr(ctx, metadata.LocalSeqKey)
		return err
	})
}

// DeleteLocal tombstones a record on behalf of the user.
func (s *Store) DeleteLocal(ctx context.Context, localID string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := records.NewSQLiteRepository(tx).MarkDeleted(ctx, localID); err != nil {
			return err
		}
		_, err := metadata.NewSQLiteRepository(tx).Incr(ctx, metadata.LocalSeqKey)
		return err
	})
}

// LocalSeq returns the local mutation counter.
func (s *Store) LocalSeq(ctx context.Context) (int64, error) {
	return s.Metadata.Int(ctx, metadata.LocalSeqKey)
}

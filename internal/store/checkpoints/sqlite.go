// Package checkpoints persists per-collection incremental sync cursors.
package checkpoints

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/lifemanager/internal/dbx"
	"github.com/dmitrijs2005/lifemanager/internal/models"
)

type Repository interface {
	// Get returns (nil, nil) when no checkpoint exists.
	Get(ctx context.Context, provider, collection string) (*models.Checkpoint, error)
	Set(ctx context.Context, cp *models.Checkpoint) error
	Delete(ctx context.Context, provider, collection string) error
	DeleteProvider(ctx context.Context, provider string) error
	List(ctx context.Context, provider string) ([]*models.Checkpoint, error)
}

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Get(ctx context.Context, provider, collection string) (*models.Checkpoint, error) {
	var last sql.NullString
	cp := &models.Checkpoint{Provider: provider, Collection: collection}
	err := r.db.QueryRowContext(ctx, `SELECT token, last_success FROM checkpoints
		WHERE provider = ? AND collection = ?`, provider, collection).Scan(&cp.Token, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %s/%s: %w", provider, collection, err)
	}
	if cp.LastSuccess, err = dbx.ParseTime(last); err != nil {
		return nil, err
	}
	return cp, nil
}

func (r *SQLiteRepository) Set(ctx context.Context, cp *models.Checkpoint) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO checkpoints (provider, collection, token, last_success) VALUES (?, ?, ?, ?)
		ON CONFLICT(provider, collection) DO UPDATE SET
			token = excluded.token,
			last_success = excluded.last_success
	`, cp.Provider, cp.Collection, cp.Token, dbx.Time(cp.LastSuccess))
	if err != nil {
		return fmt.Errorf("failed to set checkpoint %s/%s: %w", cp.Provider, cp.Collection, err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, provider, collection string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE provider = ? AND collection = ?`,
		provider, collection)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint %s/%s: %w", provider, collection, err)
	}
	return nil
}

// DeleteProvider discards every checkpoint of a provider, forcing full pulls.
func (r *SQLiteRepository) DeleteProvider(ctx context.Context, provider string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE provider = ?`, provider); err != nil {
		return fmt.Errorf("failed to delete checkpoints of %s: %w", provider, err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context, provider string) ([]*models.Checkpoint, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT collection, token, last_success FROM checkpoints
		WHERE provider = ? ORDER BY collection`, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var result []*models.Checkpoint
	for rows.Next() {
		var last sql.NullString
		cp := &models.Checkpoint{Provider: provider}
		if err := rows.Scan(&cp.Collection, &cp.Token, &last); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		if cp.LastSuccess, err = dbx.ParseTime(last); err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return result, nil
}

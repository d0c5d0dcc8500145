// Package credentials persists per-provider OAuth2 credentials with the
// token fields sealed at rest.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/common"
	"github.com/dmitrijs2005/lifemanager/internal/dbx"
	"github.com/dmitrijs2005/lifemanager/internal/models"
)

// Sealer encrypts token material before it reaches the database.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

type Repository interface {
	// Get returns common.ErrNotFound when the provider has no credential.
	Get(ctx context.Context, provider string) (*models.Credential, error)
	Save(ctx context.Context, c *models.Credential) error
	Delete(ctx context.Context, provider string) error
}

type SQLiteRepository struct {
	db     dbx.DBTX
	sealer Sealer
	now    func() time.Time
}

func NewSQLiteRepository(db dbx.DBTX, sealer Sealer) *SQLiteRepository {
	return &SQLiteRepository{db: db, sealer: sealer, now: time.Now}
}

func (r *SQLiteRepository) Get(ctx context.Context, provider string) (*models.Credential, error) {
	var (
		access, refresh   []byte
		expiry, updatedAt sql.NullString
	)
	c := &models.Credential{Provider: provider}
	err := r.db.QueryRowContext(ctx, `SELECT access_token, refresh_token, token_type, expiry, account, updated_at
		FROM credentials WHERE provider = ?`, provider).
		Scan(&access, &refresh, &c.TokenType, &expiry, &c.Account, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential of %s: %w", provider, err)
	}

	if c.AccessToken, err = r.open(access); err != nil {
		return nil, err
	}
	if c.RefreshToken, err = r.open(refresh); err != nil {
		return nil, err
	}
	if c.Expiry, err = dbx.ParseTime(expiry); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = dbx.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

// Save upserts the credential. It returns only after the row is written.
func (r *SQLiteRepository) Save(ctx context.Context, c *models.Credential) error {
	access, err := r.seal(c.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := r.seal(c.RefreshToken)
	if err != nil {
		return err
	}
	c.UpdatedAt = r.now().UTC().Truncate(time.Second)

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO credentials (provider, access_token, refresh_token, token_type, expiry, account, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expiry = excluded.expiry,
			account = excluded.account,
			updated_at = excluded.updated_at
	`, c.Provider, access, refresh, c.TokenType, dbx.Time(c.Expiry), c.Account, dbx.Time(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save credential of %s: %w", c.Provider, err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, provider string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE provider = ?`, provider); err != nil {
		return fmt.Errorf("failed to delete credential of %s: %w", provider, err)
	}
	return nil
}

func (r *SQLiteRepository) seal(s string) ([]byte, error) {
	out, err := r.sealer.Seal([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("failed to seal token: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) open(b []byte) (string, error) {
	out, err := r.sealer.Open(b)
	if err != nil {
		return "", fmt.Errorf("failed to open token: %w", err)
	}
	return string(out), nil
}

package records

import (
	"context"

	"github.com/dmitrijs2005/lifemanager/internal/models"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind           models.Kind
	Provider       string
	IncludeDeleted bool
	OnlyFailed     bool
}

// RemoteRef is the part of a synced record the pull phase needs to decide
// whether a local copy may be replaced.
type RemoteRef struct {
	LocalID     string
	RevisionTag string
	Dirty       bool
	Version     int64
}

// Repository is the record table as seen by the sync engine and the local
// write path. Every method is a single-row (or single-statement) operation.
type Repository interface {
	Get(ctx context.Context, localID string) (*models.Record, error)
	GetByRemoteID(ctx context.Context, provider, collection, remoteID string) (*models.Record, error)
	List(ctx context.Context, f Filter) ([]*models.Record, error)

	// SaveLocal inserts or edits a record on behalf of the user. It sets
	// dirty, bumps the version and clears any sync failure.
	SaveLocal(ctx context.Context, r *models.Record) error
	// MarkDeleted turns a record into a dirty tombstone.
	MarkDeleted(ctx context.Context, localID string) error

	// ScanDirty lists dirty records of a provider that have not failed
	// permanently, in ascending local_id order.
	ScanDirty(ctx context.Context, provider string) ([]*models.Record, error)
	// MarkPushed stores the remote identity and clears dirty if the record
	// is still at version.
	MarkPushed(ctx context.Context, localID string, version int64, remoteID, tag string) (bool, error)
	// MarkFailed flags a permanent push failure if the record is still at
	// version.
	MarkFailed(ctx context.Context, localID string, version int64, msg string) (bool, error)
	// PurgeTombstone physically removes a tombstone still at version.
	PurgeTombstone(ctx context.Context, localID string, version int64) (bool, error)
	RetryFailed(ctx context.Context, provider string) (int64, error)

	// InsertRemote adds a record first seen on the remote side.
	InsertRemote(ctx context.Context, r *models.Record) error
	// ApplyRemote overwrites a clean record with remote content.
	ApplyRemote(ctx context.Context, r *models.Record) (bool, error)
	// DeleteRemote removes a clean record deleted remotely.
	DeleteRemote(ctx context.Context, localID string, version int64) (bool, error)
	// RemoteRefs maps remote ids of a collection to their local rows.
	RemoteRefs(ctx context.Context, provider, collection string) (map[string]RemoteRef, error)

	Counts(ctx context.Context, provider string) (dirty, failed int64, err error)
}

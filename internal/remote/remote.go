// Package remote defines the contract between the reconciler and provider
// adapters, and the error taxonomy adapters report.
package remote

import (
	"context"

	"github.com/dmitrijs2005/lifemanager/internal/models"
)

// Ack is what a provider returns for an accepted write.
type Ack struct {
	RemoteID    string
	RevisionTag string
}

// Change is one remote modification seen by a pull.
type Change struct {
	RemoteID    string
	RevisionTag string
	Deleted     bool

	// LocalID is the local id the object was pushed under, when the
	// provider stores one. It lets a pull recognise an object whose push
	// acknowledgement was lost.
	LocalID string

	Kind    models.Kind
	Payload models.Payload
}

// PullResult is the outcome of one PullChanges call.
type PullResult struct {
	Changes    []Change
	Checkpoint string
	// Full is set when Changes is a complete listing of the collection.
	Full bool
}

// Adapter talks to one configured provider.
type Adapter interface {
	Name() string
	Collections() []string

	// Push creates or updates the remote copy of rec. It must be idempotent
	// for a record that has no RemoteID yet: repeating it after a lost
	// acknowledgement updates the object created by the first attempt.
	Push(ctx context.Context, rec *models.Record) (Ack, error)
	// PushDelete removes a remote object. A missing object is success.
	PushDelete(ctx context.Context, collection, remoteID string) error
	// PullChanges lists changes since checkpoint, or everything when
	// checkpoint is empty.
	PullChanges(ctx context.Context, collection, checkpoint string) (PullResult, error)
}

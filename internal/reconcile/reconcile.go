// Package reconcile runs one sync cycle for a provider: local edits are
// pushed first, then remote changes are pulled and merged. On conflict the
// local edit wins.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/common"
	"github.com/dmitrijs2005/lifemanager/internal/logging"
	"github.com/dmitrijs2005/lifemanager/internal/models"
	"github.com/dmitrijs2005/lifemanager/internal/remote"
	"github.com/dmitrijs2005/lifemanager/internal/store/records"
)

// DefaultCallTimeout bounds every network call of a cycle.
const DefaultCallTimeout = 30 * time.Second

type RecordStore interface {
	Get(ctx context.Context, localID string) (*models.Record, error)
	ScanDirty(ctx context.Context, provider string) ([]*models.Record, error)
	MarkPushed(ctx context.Context, localID string, version int64, remoteID, tag string) (bool, error)
	MarkFailed(ctx context.Context, localID string, version int64, msg string) (bool, error)
	PurgeTombstone(ctx context.Context, localID string, version int64) (bool, error)
	InsertRemote(ctx context.Context, r *models.Record) error
	ApplyRemote(ctx context.Context, r *models.Record) (bool, error)
	DeleteRemote(ctx context.Context, localID string, version int64) (bool, error)
	RemoteRefs(ctx context.Context, provider, collection string) (map[string]records.RemoteRef, error)
}

type CheckpointStore interface {
	Get(ctx context.Context, provider, collection string) (*models.Checkpoint, error)
	Set(ctx context.Context, cp *models.Checkpoint) error
	Delete(ctx context.Context, provider, collection string) error
}

// Result counts what a cycle did.
type Result struct {
	Pushed    int `json:"pushed"`
	Deleted   int `json:"deleted"`
	Pulled    int `json:"pulled"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
	Transient int `json:"transient"`
	// RetryAfter is the delay a rate-limiting provider asked for.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (r *Result) add(o Result) {
	r.Pushed += o.Pushed
	r.Deleted += o.Deleted
	r.Pulled += o.Pulled
	r.Conflicts += o.Conflicts
	r.Failed += o.Failed
	r.Transient += o.Transient
	r.RetryAfter = max(r.RetryAfter, o.RetryAfter)
}

type Reconciler struct {
	records     RecordStore
	checkpoints CheckpointStore
	callTimeout time.Duration
	logger      logging.Logger
	now         func() time.Time
}

func New(rs RecordStore, cs CheckpointStore, callTimeout time.Duration, logger logging.Logger) *Reconciler {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Reconciler{
		records:     rs,
		checkpoints: cs,
		callTimeout: callTimeout,
		logger:      logger.With("module", "reconcile"),
		now:         time.Now,
	}
}

// Run syncs one provider. Canceling ctx stops the cycle between records; a
// network call already in flight still runs to completion or its timeout and
// its outcome is recorded.
//
// An Unauthorized or RateLimited error aborts the cycle and is returned as
// is; a rate limit also sets Result.RetryAfter. Pull failures of individual
// collections are joined into the returned error after all collections were
// tried.
func (r *Reconciler) Run(ctx context.Context, a remote.Adapter) (Result, error) {
	var res Result
	provider := a.Name()

	if err := r.push(ctx, a, &res); err != nil {
		r.throttled(ctx, provider, err, &res)
		return res, err
	}

	var pullErrs []error
	for _, collection := range a.Collections() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := r.pull(ctx, a, collection, &res)
		if err == nil {
			continue
		}
		if remote.Is(err, remote.Unauthorized) || errors.Is(err, context.Canceled) {
			return res, err
		}
		if r.throttled(ctx, provider, err, &res) {
			return res, err
		}
		r.logger.Warn(ctx, "pull failed", "provider", provider, "collection", collection, "error", err)
		pullErrs = append(pullErrs, fmt.Errorf("%s: %w", collection, err))
	}

	r.logger.Info(ctx, "cycle finished", "provider", provider,
		"pushed", res.Pushed, "deleted", res.Deleted, "pulled", res.Pulled,
		"conflicts", res.Conflicts, "failed", res.Failed, "transient", res.Transient)
	return res, errors.Join(pullErrs...)
}

// throttled reports whether err is a rate limit and records the delay the
// provider asked for.
func (r *Reconciler) throttled(ctx context.Context, provider string, err error, res *Result) bool {
	if !remote.Is(err, remote.RateLimited) {
		return false
	}
	res.RetryAfter = max(res.RetryAfter, remote.RetryAfterOf(err))
	r.logger.Warn(ctx, "provider is rate limiting, stopping cycle", "provider", provider, "retry_after", res.RetryAfter)
	return true
}

// call returns a context for one network call. It is detached from ctx so a
// shutdown does not abort a write whose outcome would then be unknown.
func (r *Reconciler) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.callTimeout)
}

func (r *Reconciler) push(ctx context.Context, a remote.Adapter, res *Result) error {
	db := context.WithoutCancel(ctx)
	dirty, err := r.records.ScanDirty(db, a.Name())
	if err != nil {
		return fmt.Errorf("failed to scan dirty records: %w", err)
	}

	for _, rec := range dirty {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.pushOne(ctx, a, rec, res); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) pushOne(ctx context.Context, a remote.Adapter, rec *models.Record, res *Result) error {
	db := context.WithoutCancel(ctx)
	log := r.logger.With("provider", a.Name(), "local_id", rec.LocalID)

	if rec.Deleted && !rec.Synced() {
		ok, err := r.records.PurgeTombstone(db, rec.LocalID, rec.Version)
		if err != nil {
			return err
		}
		if ok {
			res.Deleted++
		}
		return nil
	}

	cctx, cancel := r.call(ctx)
	var (
		ack  remote.Ack
		perr error
	)
	if rec.Deleted {
		perr = a.PushDelete(cctx, rec.Collection, rec.RemoteID)
	} else {
		ack, perr = a.Push(cctx, rec)
	}
	cancel()

	if perr != nil {
		switch remote.KindOf(perr) {
		case remote.Unauthorized:
			return perr
		case remote.RateLimited:
			// the record stays dirty; pushing on would only be refused again
			res.Transient++
			return perr
		case remote.Permanent:
			log.Warn(ctx, "push rejected, marking record failed", "error", perr)
			if _, err := r.records.MarkFailed(db, rec.LocalID, rec.Version, perr.Error()); err != nil {
				return err
			}
			res.Failed++
		default:
			log.Info(ctx, "push deferred to next cycle", "error", perr)
			res.Transient++
		}
		return nil
	}

	if rec.Deleted {
		ok, err := r.records.PurgeTombstone(db, rec.LocalID, rec.Version)
		if err != nil {
			return err
		}
		if ok {
			res.Deleted++
		}
		return nil
	}

	cleared, err := r.records.MarkPushed(db, rec.LocalID, rec.Version, ack.RemoteID, ack.RevisionTag)
	if err != nil {
		return err
	}
	if !cleared {
		log.Debug(ctx, "record changed during push, staying dirty")
	}
	res.Pushed++
	return nil
}

func (r *Reconciler) pull(ctx context.Context, a remote.Adapter, collection string, res *Result) error {
	db := context.WithoutCancel(ctx)
	provider := a.Name()

	cp, err := r.checkpoints.Get(db, provider, collection)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	token := ""
	if cp != nil {
		token = cp.Token
	}

	cctx, cancel := r.call(ctx)
	pr, err := a.PullChanges(cctx, collection, token)
	cancel()
	if remote.Is(err, remote.CheckpointExpired) {
		r.logger.Warn(ctx, "checkpoint expired, next pull is full", "provider", provider, "collection", collection)
		if err := r.checkpoints.Delete(db, provider, collection); err != nil {
			return fmt.Errorf("failed to discard checkpoint: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	refs, err := r.records.RemoteRefs(db, provider, collection)
	if err != nil {
		return fmt.Errorf("failed to load remote refs: %w", err)
	}

	var pulled Result
	seen := make(map[string]bool, len(pr.Changes))
	for _, ch := range pr.Changes {
		if err := ctx.Err(); err != nil {
			res.add(pulled)
			return err
		}
		seen[ch.RemoteID] = true
		if err := r.apply(db, provider, collection, ch, refs, &pulled); err != nil {
			res.add(pulled)
			return err
		}
	}

	if pr.Full {
		for remoteID, ref := range refs {
			if seen[remoteID] || ref.Dirty {
				continue
			}
			ok, err := r.records.DeleteRemote(db, ref.LocalID, ref.Version)
			if err != nil {
				res.add(pulled)
				return err
			}
			if ok {
				pulled.Pulled++
			}
		}
	}
	res.add(pulled)

	err = r.checkpoints.Set(db, &models.Checkpoint{
		Provider:    provider,
		Collection:  collection,
		Token:       pr.Checkpoint,
		LastSuccess: r.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return nil
}

func (r *Reconciler) apply(ctx context.Context, provider, collection string, ch remote.Change, refs map[string]records.RemoteRef, res *Result) error {
	ref, known := refs[ch.RemoteID]
	if !known {
		return r.applyUnknown(ctx, provider, collection, ch, res)
	}

	if ref.Dirty {
		// local wins; the next push overwrites or recreates the remote copy
		res.Conflicts++
		return nil
	}

	if ch.Deleted {
		ok, err := r.records.DeleteRemote(ctx, ref.LocalID, ref.Version)
		if err != nil {
			return err
		}
		if ok {
			res.Pulled++
		} else {
			res.Conflicts++
		}
		return nil
	}

	if ch.RevisionTag != "" && ch.RevisionTag == ref.RevisionTag {
		return nil
	}

	ok, err := r.records.ApplyRemote(ctx, &models.Record{
		LocalID:     ref.LocalID,
		Kind:        kindOf(ch),
		RevisionTag: ch.RevisionTag,
		Version:     ref.Version,
		Payload:     ch.Payload,
	})
	if err != nil {
		return err
	}
	if ok {
		res.Pulled++
	} else {
		res.Conflicts++
	}
	return nil
}

func (r *Reconciler) applyUnknown(ctx context.Context, provider, collection string, ch remote.Change, res *Result) error {
	localID := models.NewLocalID()

	if ch.LocalID != "" {
		existing, err := r.records.Get(ctx, ch.LocalID)
		switch {
		case errors.Is(err, common.ErrNotFound):
			localID = ch.LocalID
		case err != nil:
			return err
		case existing.Provider == provider && (existing.RemoteID == "" || existing.RemoteID == ch.RemoteID):
			// the push that created this object lost its acknowledgement;
			// the record is still dirty and its next push updates the object
			res.Conflicts++
			return nil
		}
	}

	if ch.Deleted {
		return nil
	}

	err := r.records.InsertRemote(ctx, &models.Record{
		LocalID:     localID,
		Kind:        kindOf(ch),
		Provider:    provider,
		Collection:  collection,
		RemoteID:    ch.RemoteID,
		RevisionTag: ch.RevisionTag,
		Payload:     ch.Payload,
	})
	if err != nil {
		return err
	}
	res.Pulled++
	return nil
}

func kindOf(ch remote.Change) models.Kind {
	if ch.Kind == "" {
		return models.KindEvent
	}
	return ch.Kind
}

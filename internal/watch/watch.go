// Package watch triggers a sync when another process writes to the local
// database, so CLI edits reach the providers without waiting for the timer.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/logging"
	"github.com/fsnotify/fsnotify"
)

// SeqFunc returns the store-wide local mutation counter.
type SeqFunc func(ctx context.Context) (int64, error)

// TriggerFunc requests a sync and reports whether one was started.
type TriggerFunc func(ctx context.Context) bool

type Watcher struct {
	dbPath   string
	seq      SeqFunc
	trigger  TriggerFunc
	debounce time.Duration
	logger   logging.Logger
}

func New(dbPath string, seq SeqFunc, trigger TriggerFunc, debounce time.Duration, logger logging.Logger) *Watcher {
	return &Watcher{
		dbPath:   dbPath,
		seq:      seq,
		trigger:  trigger,
		debounce: debounce,
		logger:   logger.With("module", "watch"),
	}
}

// relevant matches the database file and its -wal/-journal companions.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	return strings.HasPrefix(filepath.Base(ev.Name), filepath.Base(w.dbPath))
}

// Run watches until ctx is canceled. A burst of writes yields one check of
// the mutation counter after the debounce delay; a sync is requested only
// when the counter moved. If the scheduler is busy the request is retried
// after another delay.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.dbPath)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	last, err := w.seq(ctx)
	if err != nil {
		return fmt.Errorf("failed to read local sequence: %w", err)
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.relevant(ev) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "watch error", "error", err)

		case <-timer.C:
			cur, err := w.seq(ctx)
			if err != nil {
				w.logger.Warn(ctx, "failed to read local sequence", "error", err)
				continue
			}
			if cur == last {
				continue
			}
			if !w.trigger(ctx) {
				w.logger.Debug(ctx, "sync busy, retrying local change later")
				timer.Reset(w.debounce)
				continue
			}
			w.logger.Debug(ctx, "local change, sync requested", "seq", cur)
			last = cur
		}
	}
}

package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	seq      atomic.Int64
	mu       sync.Mutex
	triggers int
	busy     int
}

func (p *fakeSource) read(context.Context) (int64, error) { return p.seq.Load(), nil }

func (p *fakeSource) trigger(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy > 0 {
		p.busy--
		return false
	}
	p.triggers++
	return true
}

func (p *fakeSource) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.triggers
}

func run(t *testing.T, p *fakeSource) string {
	t.Helper()
	dir := t.TempDir()
	db := filepath.Join(dir, "lifemanager.db")
	require.NoError(t, os.WriteFile(db, nil, 0o600))

	w := New(db, p.read, p.trigger, 20*time.Millisecond, logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	// let the watch be registered
	time.Sleep(50 * time.Millisecond)
	return db
}

func touch(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("x")
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestRun_LocalWriteTriggersOnce(t *testing.T) {
	p := &fakeSource{}
	db := run(t, p)

	p.seq.Add(1)
	for range 5 {
		touch(t, db+"-wal")
	}

	require.Eventually(t, func() bool { return p.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, p.count(), "a burst of writes is debounced")
}

func TestRun_WriteWithoutNewSequenceIsIgnored(t *testing.T) {
	p := &fakeSource{}
	db := run(t, p)

	touch(t, db)
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, p.count(), "writes made by the sync itself do not move the counter")
}

func TestRun_BusySchedulerIsRetried(t *testing.T) {
	p := &fakeSource{busy: 2}
	db := run(t, p)

	p.seq.Add(1)
	touch(t, db)

	require.Eventually(t, func() bool { return p.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRun_UnrelatedFilesIgnored(t *testing.T) {
	p := &fakeSource{}
	db := run(t, p)

	p.seq.Add(1)
	touch(t, filepath.Join(filepath.Dir(db), "lifemanager.log"))
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, p.count())
}

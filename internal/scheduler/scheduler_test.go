package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/auth"
	"github.com/dmitrijs2005/lifemanager/internal/logging"
	"github.com/dmitrijs2005/lifemanager/internal/reconcile"
	"github.com/dmitrijs2005/lifemanager/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedAdapter struct {
	remote.Adapter
	name string
}

func (a namedAdapter) Name() string { return a.name }

type fakeSyncer struct {
	mu       sync.Mutex
	runs     int
	inFlight int
	maxSeen  int
	started  chan string
	release  chan struct{}
	results  func(run int, provider string) error
}

func (f *fakeSyncer) Run(ctx context.Context, a remote.Adapter) (reconcile.Result, error) {
	f.mu.Lock()
	f.runs++
	run := f.runs
	f.inFlight++
	f.maxSeen = max(f.maxSeen, f.inFlight)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.started != nil {
		f.started <- a.Name()
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return reconcile.Result{}, ctx.Err()
		}
	}
	if f.results != nil {
		if err := f.results(run, a.Name()); err != nil {
			return reconcile.Result{}, err
		}
	}
	return reconcile.Result{Pushed: 1, Pulled: 2}, nil
}

func (f *fakeSyncer) stats() (runs, maxSeen int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs, f.maxSeen
}

type fakeCreds struct {
	mu          sync.Mutex
	invalidated []string
}

func (f *fakeCreds) Invalidate(_ context.Context, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, provider)
	return nil
}

func (f *fakeCreds) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invalidated...)
}

func start(t *testing.T, s *Scheduler) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		errc <- s.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return cancel, errc
}

func adapters(names ...string) []remote.Adapter {
	var out []remote.Adapter
	for _, n := range names {
		out = append(out, namedAdapter{name: n})
	}
	return out
}

func transient() error {
	return remote.NewError("pull", remote.Transient, errors.New("503"))
}

func TestForceSync_WhileRunningIsAbsorbed(t *testing.T) {
	syncer := &fakeSyncer{started: make(chan string, 4), release: make(chan struct{})}
	s := New(syncer, adapters("google"), nil, nil, Options{}, logging.Nop())
	start(t, s)
	ctx := context.Background()

	require.True(t, s.ForceSync(ctx))
	<-syncer.started
	assert.Equal(t, Running, s.Status().State())

	assert.False(t, s.ForceSync(ctx))
	assert.False(t, s.ForceSync(ctx))
	assert.Equal(t, Running, s.Status().State())

	close(syncer.release)
	require.Eventually(t, func() bool { return s.Status().State() == Idle }, time.Second, 5*time.Millisecond)

	runs, maxSeen := syncer.stats()
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, maxSeen)

	st := s.Status().Snapshot()
	p, ok := st.Provider("google")
	require.True(t, ok)
	assert.Equal(t, reconcile.Result{Pushed: 1, Pulled: 2}, p.LastResult)
	assert.False(t, p.LastSuccess.IsZero())
	assert.Empty(t, p.LastError)
}

func TestBackoff_ConsecutiveTransientFailures(t *testing.T) {
	const (
		base    = 20 * time.Millisecond
		ceiling = 50 * time.Millisecond
	)
	syncer := &fakeSyncer{results: func(run int, _ string) error {
		if run <= 3 {
			return transient()
		}
		return nil
	}}
	s := New(syncer, adapters("google"), nil, nil, Options{BackoffBase: base, BackoffCap: ceiling, BackoffAfter: 1}, logging.Nop())
	events, cancelSub := s.Status().Subscribe(64)
	defer cancelSub()
	start(t, s)

	require.True(t, s.ForceSync(context.Background()))

	var delays []time.Duration
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			switch {
			case ev.Type == SyncError && ev.Delay > 0:
				delays = append(delays, ev.Delay)
			case ev.Type == SyncComplete:
				done = true
			}
		case <-timeout:
			t.Fatalf("no successful cycle, delays so far %v", delays)
		}
	}

	require.Equal(t, []time.Duration{base, 2 * base, ceiling}, delays)
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1])
		assert.LessOrEqual(t, delays[i], ceiling)
	}

	require.Eventually(t, func() bool { return s.Status().State() == Idle }, time.Second, 5*time.Millisecond)
	st := s.Status().Snapshot()
	assert.Zero(t, st.Failures)
	assert.Zero(t, st.Delay)
	runs, _ := syncer.stats()
	assert.Equal(t, 4, runs)
}

func TestBackoff_SingleFailureBelowThresholdStaysIdle(t *testing.T) {
	syncer := &fakeSyncer{results: func(int, string) error { return transient() }}
	s := New(syncer, adapters("google"), nil, nil, Options{BackoffBase: time.Hour, BackoffCap: 2 * time.Hour}, logging.Nop())
	start(t, s)

	require.True(t, s.ForceSync(context.Background()))
	require.Eventually(t, func() bool {
		st := s.Status().Snapshot()
		return st.State == Idle && st.Failures == 1
	}, time.Second, 5*time.Millisecond)

	require.True(t, s.ForceSync(context.Background()))
	require.Eventually(t, func() bool { return s.Status().State() == Backoff }, time.Second, 5*time.Millisecond)

	st := s.Status().Snapshot()
	assert.Equal(t, time.Hour, st.Delay)
	p, _ := st.Provider("google")
	assert.Contains(t, p.LastError, "503")
}

func TestForceSync_PreemptsBackoff(t *testing.T) {
	syncer := &fakeSyncer{results: func(run int, _ string) error {
		if run == 1 {
			return transient()
		}
		return nil
	}}
	s := New(syncer, adapters("google"), nil, nil, Options{BackoffBase: time.Hour, BackoffAfter: 1}, logging.Nop())
	start(t, s)

	require.True(t, s.ForceSync(context.Background()))
	require.Eventually(t, func() bool { return s.Status().State() == Backoff }, time.Second, 5*time.Millisecond)

	require.True(t, s.ForceSync(context.Background()))
	require.Eventually(t, func() bool {
		runs, _ := syncer.stats()
		return runs == 2 && s.Status().State() == Idle
	}, time.Second, 5*time.Millisecond)
}

func TestUnauthorized_InvalidatesAndBacksOff(t *testing.T) {
	creds := &fakeCreds{}
	syncer := &fakeSyncer{results: func(run int, _ string) error {
		switch run {
		case 1:
			return remote.NewError("push", remote.Unauthorized, errors.New("401"))
		case 2:
			return remote.NewError("get token", remote.Unauthorized,
				&auth.Error{Provider: "caldav", Kind: auth.ErrRefreshRejected})
		}
		return nil
	}}
	s := New(syncer, adapters("google", "caldav"), creds, nil, Options{BackoffBase: time.Hour}, logging.Nop())
	events, cancelSub := s.Status().Subscribe(16)
	defer cancelSub()
	start(t, s)

	require.True(t, s.ForceSync(context.Background()))
	require.Eventually(t, func() bool { return s.Status().State() == Backoff }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"google"}, creds.list(), "only a token refused by the provider is invalidated")

	st := s.Status().Snapshot()
	google, _ := st.Provider("google")
	caldav, _ := st.Provider("caldav")
	assert.True(t, google.NeedsAuth)
	assert.True(t, caldav.NeedsAuth)
	assert.False(t, google.LastAttempt.IsZero())
	assert.True(t, google.LastSuccess.IsZero())
	assert.Contains(t, caldav.LastError, auth.ErrRefreshRejected.Error())

	var sawAuthRequired bool
	for len(events) > 0 {
		if ev := <-events; ev.Type == AuthRequired && ev.Provider == "google" {
			sawAuthRequired = true
		}
	}
	assert.True(t, sawAuthRequired)

	s.AuthCompleted(context.Background(), "google")
	require.Eventually(t, func() bool {
		runs, _ := syncer.stats()
		return runs == 4 && s.Status().State() == Idle
	}, time.Second, 5*time.Millisecond)

	st = s.Status().Snapshot()
	google, _ = st.Provider("google")
	assert.False(t, google.NeedsAuth)
	assert.Empty(t, google.LastError)
}

type fakeResetter struct {
	mu     sync.Mutex
	syncer *fakeSyncer
	// runs the syncer had finished when each reset happened
	resets map[string][]int
}

func (f *fakeResetter) DeleteProvider(_ context.Context, provider string) error {
	runs, _ := f.syncer.stats()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[provider] = append(f.resets[provider], runs)
	return nil
}

func (f *fakeResetter) list(provider string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.resets[provider]...)
}

func TestResync_DuringCycleRunsAfterIt(t *testing.T) {
	syncer := &fakeSyncer{started: make(chan string, 16), release: make(chan struct{})}
	resetter := &fakeResetter{syncer: syncer, resets: map[string][]int{}}
	s := New(syncer, adapters("google", "caldav"), nil, resetter, Options{}, logging.Nop())
	cancel, _ := start(t, s)
	ctx := context.Background()

	require.True(t, s.ForceSync(ctx))
	<-syncer.started
	require.True(t, s.Resync(ctx, "caldav"))
	assert.Empty(t, resetter.list("caldav"), "checkpoints stay until the running cycle is over")

	close(syncer.release)
	require.Eventually(t, func() bool {
		runs, _ := syncer.stats()
		return runs == 4 && s.Status().State() == Idle
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []int{3}, resetter.list("caldav"), "reset right before the provider's next sync")
	assert.Empty(t, resetter.list("google"))

	require.True(t, s.Resync(ctx, "google"))
	require.Eventually(t, func() bool {
		runs, _ := syncer.stats()
		return runs == 6 && s.Status().State() == Idle
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{4}, resetter.list("google"), "an idle scheduler starts the cycle at once")

	cancel()
	require.Eventually(t, func() bool { return !s.Resync(ctx, "google") }, time.Second, 5*time.Millisecond)
}

func TestRateLimited_BacksOffForRequestedDelay(t *testing.T) {
	syncer := &fakeSyncer{results: func(int, string) error {
		return &remote.Error{Op: "push", Kind: remote.RateLimited, RetryAfter: 2 * time.Hour, Err: errors.New("429")}
	}}
	s := New(syncer, adapters("google"), nil, nil, Options{BackoffBase: time.Millisecond}, logging.Nop())
	start(t, s)

	require.True(t, s.ForceSync(context.Background()))
	require.Eventually(t, func() bool { return s.Status().State() == Backoff }, time.Second, 5*time.Millisecond)

	st := s.Status().Snapshot()
	assert.Equal(t, 1, st.Failures, "a rate limit backs off without waiting for more failures")
	assert.Equal(t, 2*time.Hour, st.Delay)
	runs, _ := syncer.stats()
	assert.Equal(t, 1, runs)
}

func TestRun_ShutdownWaitsForCycle(t *testing.T) {
	syncer := &fakeSyncer{started: make(chan string, 1), release: make(chan struct{})}
	s := New(syncer, adapters("google", "caldav"), nil, nil, Options{}, logging.Nop())
	cancel, errc := start(t, s)

	require.True(t, s.ForceSync(context.Background()))
	<-syncer.started
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	runs, _ := syncer.stats()
	assert.Equal(t, 1, runs, "no provider starts after shutdown")
	assert.False(t, s.ForceSync(context.Background()))
}

func TestRun_InvalidSchedule(t *testing.T) {
	s := New(&fakeSyncer{}, nil, nil, nil, Options{Schedule: "every now and then"}, logging.Nop())
	require.Error(t, s.Run(context.Background()))
}

func TestStatusCell_SnapshotIsCopy(t *testing.T) {
	c := NewStatusCell([]string{"a"})
	st := c.Snapshot()
	st.Providers[0].LastError = "mutated"

	again := c.Snapshot()
	assert.Empty(t, again.Providers[0].LastError)
}

func TestStatusCell_SubscribeDropsWhenFull(t *testing.T) {
	c := NewStatusCell(nil)
	ch, cancel := c.Subscribe(1)

	c.publish(Event{Type: SyncStarted})
	c.publish(Event{Type: SyncComplete})

	assert.Equal(t, SyncStarted, (<-ch).Type)
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "backoff", Backoff.String())
	assert.Equal(t, "auth_required", AuthRequired.String())
}

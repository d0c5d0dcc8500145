package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/lifemanager/internal/auth"
	"github.com/dmitrijs2005/lifemanager/internal/common"
	"github.com/dmitrijs2005/lifemanager/internal/config"
	"github.com/dmitrijs2005/lifemanager/internal/control"
	"github.com/dmitrijs2005/lifemanager/internal/logging"
	"github.com/dmitrijs2005/lifemanager/internal/models"
	"github.com/dmitrijs2005/lifemanager/internal/remote/bucket"
	"github.com/dmitrijs2005/lifemanager/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("offline")

// fakeObjects stands in for an unreachable bucket.
type fakeObjects struct{}

func (fakeObjects) PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return nil, errOffline
}

func (fakeObjects) GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return nil, errOffline
}

func (fakeObjects) DeleteObject(context.Context, *s3.DeleteObjectInput, ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return nil, errOffline
}

func (fakeObjects) ListObjectsV2(context.Context, *s3.ListObjectsV2Input, ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return nil, errOffline
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ControlAddr = "127.0.0.1:0"
	cfg.Sync.AutoSync = false
	cfg.Providers = []config.Provider{
		{Name: "google", Kind: config.KindGoogle, ClientID: "id", ClientSecret: "secret"},
		{Name: "dav", Kind: config.KindCalDAV, URL: "http://127.0.0.1:1/dav/", Username: "u", Password: "p"},
		{Name: "s3", Kind: config.KindBucket, Bucket: "lm", AccessKey: "a", SecretKey: "b"},
	}
	cfg.Normalize()
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestApp(t *testing.T) *App {
	t.Helper()

	orig := newBucketClient
	newBucketClient = func(context.Context, bucket.Settings) (bucket.ObjectClient, error) {
		return fakeObjects{}, nil
	}
	t.Cleanup(func() { newBucketClient = orig })

	app, err := NewApp(context.Background(), testConfig(t), logging.Nop())
	require.NoError(t, err)
	return app
}

func shortCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestNewApp_BuildsAdapterPerProvider(t *testing.T) {
	app := newTestApp(t)
	defer app.Close()

	var names []string
	for _, a := range app.adapters {
		names = append(names, a.Name())
	}
	assert.Equal(t, []string{"google", "dav", "s3"}, names)
	assert.Equal(t, []string{config.DefaultCalendar, config.DefaultTaskList}, app.adapters[1].Collections())
	assert.Equal(t, []string{config.DefaultCalendar, config.DefaultTaskList}, app.adapters[0].Collections(), "google syncs its task list too")
}

func TestNewApp_UnknownKind(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers = append(cfg.Providers, config.Provider{Name: "x", Kind: "carrier-pigeon"})

	_, err := NewApp(context.Background(), cfg, logging.Nop())
	require.ErrorIs(t, err, config.ErrUnknownKind)
}

func TestStatus_Report(t *testing.T) {
	app := newTestApp(t)
	defer app.Close()
	ctx := context.Background()

	rec := models.NewRecord(models.KindTask, "dav", config.DefaultTaskList, models.Payload{Title: "milk"})
	require.NoError(t, app.store.SaveLocal(ctx, rec))

	r, err := app.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "idle", r.State)
	require.Len(t, r.Providers, 3)

	g := r.Providers[0]
	assert.Equal(t, config.KindGoogle, g.Kind)
	assert.True(t, g.NeedsAuth, "no stored credential yet")
	assert.Equal(t, "needs_auth", g.State)

	dav := r.Providers[1]
	assert.False(t, dav.NeedsAuth)
	assert.Equal(t, "pending", dav.State)
	assert.EqualValues(t, 1, dav.Dirty)

	b := r.Providers[2]
	assert.Equal(t, config.KindBucket, b.Kind)
	assert.False(t, b.NeedsAuth)
	assert.Zero(t, b.Dirty)
}

func TestBeginAuth_Errors(t *testing.T) {
	app := newTestApp(t)
	defer app.Close()
	ctx := context.Background()

	_, err := app.BeginAuth(ctx, "dav")
	require.ErrorIs(t, err, auth.ErrStaticProvider)

	_, err = app.BeginAuth(ctx, "s3")
	require.ErrorIs(t, err, auth.ErrStaticProvider)

	_, err = app.BeginAuth(ctx, "nope")
	require.ErrorIs(t, err, common.ErrUnknownProvider)
}

func TestResync_DropsCheckpoints(t *testing.T) {
	app := newTestApp(t)
	defer app.Close()
	ctx := context.Background()

	require.NoError(t, app.store.Checkpoints.Set(ctx, &models.Checkpoint{Provider: "dav", Collection: "primary", Token: "t1"}))
	require.NoError(t, app.store.Checkpoints.Set(ctx, &models.Checkpoint{Provider: "google", Collection: "primary", Token: "t2"}))

	require.NoError(t, app.Resync(shortCtx(t), "dav"), "not serving, dropped directly")

	cp, err := app.store.Checkpoints.Get(ctx, "dav", "primary")
	require.NoError(t, err)
	assert.Nil(t, cp)
	cp, err = app.store.Checkpoints.Get(ctx, "google", "primary")
	require.NoError(t, err)
	assert.Equal(t, "t2", cp.Token)

	require.ErrorIs(t, app.Resync(ctx, "nope"), common.ErrUnknownProvider)
}

func TestRetryFailed(t *testing.T) {
	app := newTestApp(t)
	defer app.Close()
	ctx := context.Background()

	rec := models.NewRecord(models.KindTask, "dav", config.DefaultTaskList, models.Payload{Title: "rejected"})
	require.NoError(t, app.store.SaveLocal(ctx, rec))
	_, err := app.store.Records.MarkFailed(ctx, rec.LocalID, rec.Version, "422")
	require.NoError(t, err)

	n, err := app.RetryFailed(shortCtx(t), "dav")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = app.RetryFailed(ctx, "nope")
	require.ErrorIs(t, err, common.ErrUnknownProvider)
}

func TestRun_StopsOnCancel(t *testing.T) {
	app := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		return app.ForceSync(shortCtx(t))
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestProviderState(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		state scheduler.State
		p     control.ProviderReport
		want  string
	}{
		{"needs auth wins", scheduler.Running, control.ProviderReport{NeedsAuth: true}, "needs_auth"},
		{"running", scheduler.Running, control.ProviderReport{LastError: "x"}, "syncing"},
		{"error", scheduler.Backoff, control.ProviderReport{LastError: "x", LastSuccess: now}, "error"},
		{"never synced", scheduler.Idle, control.ProviderReport{}, "pending"},
		{"ok", scheduler.Idle, control.ProviderReport{LastSuccess: now}, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, providerState(tt.state, tt.p))
		})
	}
}

// Package daemon wires the sync engine together and runs it until a signal
// arrives: the scheduler, the control server for the CLI and the watcher
// that turns local edits into syncs.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/lifemanager/internal/auth"
	"github.com/dmitrijs2005/lifemanager/internal/common"
	"github.com/dmitrijs2005/lifemanager/internal/config"
	"github.com/dmitrijs2005/lifemanager/internal/control"
	"github.com/dmitrijs2005/lifemanager/internal/cryptox"
	"github.com/dmitrijs2005/lifemanager/internal/logging"
	"github.com/dmitrijs2005/lifemanager/internal/reconcile"
	"github.com/dmitrijs2005/lifemanager/internal/remote"
	"github.com/dmitrijs2005/lifemanager/internal/scheduler"
	"github.com/dmitrijs2005/lifemanager/internal/store"
	"github.com/dmitrijs2005/lifemanager/internal/watch"
	"golang.org/x/sync/errgroup"
)

type App struct {
	config   *config.Config
	logger   logging.Logger
	store    *store.Store
	creds    *auth.Manager
	flow     *auth.Flow
	adapters []remote.Adapter
	sched    *scheduler.Scheduler
	secret   []byte

	// lifetime of background work started by control calls
	ctx context.Context
}

func NewApp(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	key, err := cryptox.LoadKey(cfg.SealKeyPath(), cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("seal key init error: %w", err)
	}
	sealer, err := cryptox.NewSealer(key)
	if err != nil {
		return nil, fmt.Errorf("seal key init error: %w", err)
	}

	st, err := store.Open(ctx, cfg.DatabasePath(), sealer)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	secret, err := control.LoadOrCreateSecret(cfg.ControlSecretPath())
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("control secret init error: %w", err)
	}

	creds := auth.NewManager(st.Credentials, logger,
		auth.WithMinLifetime(cfg.Auth.MinTokenLifetime.D()),
		auth.WithCallTimeout(cfg.Sync.CallTimeout.D()))

	adapters := make([]remote.Adapter, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		registerCredentials(creds, p)
		a, err := newAdapter(ctx, p, creds, logger)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		adapters = append(adapters, a)
	}

	rec := reconcile.New(st.Records, st.Checkpoints, cfg.Sync.CallTimeout.D(), logger)
	sched := scheduler.New(rec, adapters, creds, st.Checkpoints, scheduler.Options{
		Schedule:     cfg.Schedule(),
		BackoffBase:  cfg.Sync.BackoffBase.D(),
		BackoffCap:   cfg.Sync.BackoffCap.D(),
		BackoffAfter: cfg.Sync.BackoffAfter,
	}, logger)

	return &App{
		config:   cfg,
		logger:   logger.With("module", "daemon"),
		store:    st,
		creds:    creds,
		flow:     auth.NewFlow(creds, cfg.Auth.FlowTimeout.D(), logger),
		adapters: adapters,
		sched:    sched,
		secret:   secret,
		ctx:      context.Background(),
	}, nil
}

func (app *App) initSignalHandler(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
}

// Run serves until ctx is canceled or a termination signal arrives, then
// closes the store.
func (app *App) Run(ctx context.Context) error {
	ctx, stop := app.initSignalHandler(ctx)
	defer stop()
	defer app.store.Close()

	app.ctx = ctx
	app.logger.Info(ctx, "starting daemon", "providers", len(app.adapters), "control", app.config.ControlAddr)

	events, cancel := app.sched.Status().Subscribe(16)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.sched.Run(gctx)
	})
	g.Go(func() error {
		return control.NewServer(app.config.ControlAddr, app, app.secret, app.logger).Run(gctx)
	})
	g.Go(func() error {
		w := watch.New(app.config.DatabasePath(), app.store.LocalSeq, app.sched.ForceSync, app.config.Sync.WatchDebounce.D(), app.logger)
		return w.Run(gctx)
	})
	g.Go(func() error {
		app.logEvents(gctx, events)
		return nil
	})

	err := g.Wait()
	app.logger.Info(context.Background(), "daemon stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (app *App) logEvents(ctx context.Context, events <-chan scheduler.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case scheduler.AuthRequired:
				app.logger.Warn(ctx, "provider needs authorization", "provider", ev.Provider, "hint", "lm auth "+ev.Provider)
			case scheduler.SyncComplete:
				app.logger.Debug(ctx, "provider synced", "provider", ev.Provider, "pulled", ev.Pulled, "pushed", ev.Pushed)
			}
		}
	}
}

func (app *App) provider(name string) (config.Provider, error) {
	p, ok := app.config.Provider(name)
	if !ok {
		return config.Provider{}, fmt.Errorf("%w: %s", common.ErrUnknownProvider, name)
	}
	return p, nil
}

func (app *App) ForceSync(ctx context.Context) bool {
	return app.sched.ForceSync(ctx)
}

// Status combines the scheduler snapshot with credential and queue
// information from the store.
func (app *App) Status(ctx context.Context) (*control.Report, error) {
	snap := app.sched.Status().Snapshot()
	r := &control.Report{
		State:       snap.State.String(),
		Failures:    snap.Failures,
		NextAttempt: snap.NextAttempt,
	}
	for _, ps := range snap.Providers {
		p, err := app.provider(ps.Name)
		if err != nil {
			return nil, err
		}
		pr := control.ProviderReport{
			Name:        ps.Name,
			Kind:        p.Kind,
			NeedsAuth:   ps.NeedsAuth,
			LastSuccess: ps.LastSuccess,
			LastAttempt: ps.LastAttempt,
			LastError:   ps.LastError,
			LastResult:  ps.LastResult,
		}
		if p.Kind != config.KindBucket {
			cs, err := app.creds.Status(ctx, ps.Name)
			if err != nil {
				return nil, fmt.Errorf("failed to read credential status: %w", err)
			}
			pr.Account = cs.Account
			if !cs.Authenticated {
				pr.NeedsAuth = true
			}
		}
		pr.Dirty, pr.Failed, err = app.store.Records.Counts(ctx, ps.Name)
		if err != nil {
			return nil, err
		}
		pr.State = providerState(snap.State, pr)
		r.Providers = append(r.Providers, pr)
	}
	return r, nil
}

func providerState(s scheduler.State, p control.ProviderReport) string {
	switch {
	case p.NeedsAuth:
		return "needs_auth"
	case s == scheduler.Running:
		return "syncing"
	case p.LastError != "":
		return "error"
	case p.LastSuccess.IsZero():
		return "pending"
	}
	return "ok"
}

// BeginAuth starts the authorization flow and returns the URL to open. The
// exchange finishes in the background; on success the scheduler syncs.
func (app *App) BeginAuth(ctx context.Context, name string) (string, error) {
	p, err := app.provider(name)
	if err != nil {
		return "", err
	}
	if !p.UsesOAuth() {
		return "", fmt.Errorf("%s: %w", name, auth.ErrStaticProvider)
	}
	session, err := app.flow.Begin(ctx, name)
	if err != nil {
		return "", err
	}

	runCtx := app.ctx
	go func() {
		if err := session.Wait(runCtx); err != nil {
			app.logger.Warn(runCtx, "authorization failed", "provider", name, "error", err)
			return
		}
		app.sched.AuthCompleted(runCtx, name)
	}()
	return session.URL, nil
}

// Resync makes the next cycle pull a provider from scratch. The scheduler
// drops the checkpoints between cycles; when it is not serving nothing can
// write them back and they are dropped here.
func (app *App) Resync(ctx context.Context, name string) error {
	if _, err := app.provider(name); err != nil {
		return err
	}
	if app.sched.Resync(ctx, name) {
		app.logger.Info(ctx, "full resync requested", "provider", name)
		return nil
	}
	if err := app.store.Checkpoints.DeleteProvider(context.WithoutCancel(ctx), name); err != nil {
		return fmt.Errorf("failed to reset checkpoints: %w", err)
	}
	app.logger.Info(ctx, "checkpoints reset", "provider", name)
	return nil
}

// RetryFailed requeues records that a provider rejected permanently.
func (app *App) RetryFailed(ctx context.Context, name string) (int64, error) {
	if _, err := app.provider(name); err != nil {
		return 0, err
	}
	n, err := app.store.Records.RetryFailed(ctx, name)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		app.sched.ForceSync(ctx)
	}
	return n, nil
}

// Close releases the store of an App that was never run.
func (app *App) Close() error {
	return app.store.Close()
}

// Package scheduler drives the reconciler on a timer and on demand. One
// goroutine owns the Idle/Running/Backoff state; at most one cycle runs at a
// time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/auth"
	"github.com/dmitrijs2005/lifemanager/internal/logging"
	"github.com/dmitrijs2005/lifemanager/internal/reconcile"
	"github.com/dmitrijs2005/lifemanager/internal/remote"
	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultSchedule     = "@every 5m"
	DefaultBackoffBase  = 30 * time.Second
	DefaultBackoffCap   = 15 * time.Minute
	DefaultBackoffAfter = 2
)

type Syncer interface {
	Run(ctx context.Context, a remote.Adapter) (reconcile.Result, error)
}

// Invalidator forgets an access token the provider rejected.
type Invalidator interface {
	Invalidate(ctx context.Context, provider string) error
}

// CheckpointResetter forgets the pull checkpoints of a provider.
type CheckpointResetter interface {
	DeleteProvider(ctx context.Context, provider string) error
}

type Options struct {
	// Schedule is a cron spec. Empty disables the timer; ForceSync still
	// works.
	Schedule     string
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	BackoffAfter int
}

func (o *Options) normalize() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.BackoffAfter <= 0 {
		o.BackoffAfter = DefaultBackoffAfter
	}
}

type Scheduler struct {
	syncer   Syncer
	adapters []remote.Adapter
	creds    Invalidator
	resetter CheckpointResetter
	cell     *StatusCell
	opts     Options
	logger   logging.Logger
	now      func() time.Time

	force    chan chan bool
	authDone chan string
	resync   chan string
	ticks    chan struct{}
	done     chan struct{}

	// owned by the Run goroutine
	backoff  retry.Backoff
	failures int
	pending  map[string]bool
}

type outcome struct {
	provider string
	result   reconcile.Result
	err      error
	at       time.Time
}

func New(syncer Syncer, adapters []remote.Adapter, creds Invalidator, resetter CheckpointResetter, opts Options, logger logging.Logger) *Scheduler {
	opts.normalize()
	names := make([]string, 0, len(adapters))
	for _, a := range adapters {
		names = append(names, a.Name())
	}
	s := &Scheduler{
		syncer:   syncer,
		adapters: adapters,
		creds:    creds,
		resetter: resetter,
		cell:     NewStatusCell(names),
		opts:     opts,
		logger:   logger.With("module", "scheduler"),
		now:      time.Now,
		force:    make(chan chan bool),
		authDone: make(chan string),
		resync:   make(chan string),
		ticks:    make(chan struct{}),
		done:     make(chan struct{}),
		pending:  make(map[string]bool),
	}
	s.resetBackoff()
	return s
}

func (s *Scheduler) Status() *StatusCell {
	return s.cell
}

// ForceSync asks for a cycle. It reports false when a cycle is already
// running or the scheduler is not serving; the request is not queued.
func (s *Scheduler) ForceSync(ctx context.Context) bool {
	reply := make(chan bool, 1)
	select {
	case s.force <- reply:
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
	return <-reply
}

// AuthCompleted clears the needs-auth mark of provider and starts a cycle
// unless one is running.
func (s *Scheduler) AuthCompleted(ctx context.Context, provider string) {
	select {
	case s.authDone <- provider:
	case <-s.done:
	case <-ctx.Done():
	}
}

// Resync makes the next cycle pull provider from scratch. The checkpoints are
// dropped by that cycle before it syncs the provider, so a pull in flight
// cannot write them back. The cycle starts now, or right after the running
// one. It reports false when the scheduler is not serving.
func (s *Scheduler) Resync(ctx context.Context, provider string) bool {
	select {
	case s.resync <- provider:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) resetBackoff() {
	s.backoff = retry.WithCappedDuration(s.opts.BackoffCap, retry.NewExponential(s.opts.BackoffBase))
	s.failures = 0
}

// tick is dropped unless the loop is waiting, so ticks missed while a
// cycle runs do not pile up.
func (s *Scheduler) tick() {
	select {
	case s.ticks <- struct{}{}:
	default:
	}
}

// Run serves until ctx is canceled. A cycle in flight is allowed to stop at
// its next record boundary and Run returns after it did.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)

	if s.opts.Schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(s.opts.Schedule, s.tick); err != nil {
			return fmt.Errorf("invalid sync schedule %q: %w", s.opts.Schedule, err)
		}
		c.Start()
		defer c.Stop()
	}

	var (
		finished chan []outcome
		timer    *time.Timer
		timerC   <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	start := func(reason string) {
		stopTimer()
		s.cell.update(func(st *Status) {
			st.State = Running
			st.Delay, st.NextAttempt = 0, time.Time{}
		})
		s.cell.publish(Event{Type: SyncStarted})
		s.logger.Info(ctx, "sync cycle started", "reason", reason)

		resets := s.pending
		s.pending = make(map[string]bool)
		finished = make(chan []outcome, 1)
		out := finished
		go func() { out <- s.cycle(ctx, resets) }()
	}

	for {
		select {
		case <-ctx.Done():
			stopTimer()
			if finished != nil {
				s.record(ctx, <-finished)
			}
			return nil

		case reply := <-s.force:
			if finished != nil {
				reply <- false
				continue
			}
			start("forced")
			reply <- true

		case provider := <-s.authDone:
			s.cell.updateProvider(provider, func(p *ProviderStatus) { p.NeedsAuth = false })
			s.cell.publish(Event{Type: AuthComplete, Provider: provider})
			if finished == nil {
				start("authenticated")
			}

		case provider := <-s.resync:
			s.pending[provider] = true
			if finished == nil {
				start("resync")
			}

		case <-s.ticks:
			if s.cell.State() == Idle {
				start("timer")
			}

		case <-timerC:
			timer, timerC = nil, nil
			s.cell.update(func(st *Status) { st.State = Idle })
			start("backoff elapsed")

		case outs := <-finished:
			finished = nil
			if ctx.Err() != nil {
				s.record(ctx, outs)
				return nil
			}
			delay, ok := s.finish(ctx, outs)
			if len(s.pending) > 0 {
				start("resync")
				continue
			}
			if ok {
				timer = time.NewTimer(delay)
				timerC = timer.C
			}
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context, resets map[string]bool) []outcome {
	outs := make([]outcome, 0, len(s.adapters))
	for _, a := range s.adapters {
		if ctx.Err() != nil {
			break
		}
		if resets[a.Name()] {
			if err := s.resetCheckpoints(ctx, a.Name()); err != nil {
				outs = append(outs, outcome{provider: a.Name(), err: err, at: s.now()})
				continue
			}
		}
		res, err := s.syncer.Run(ctx, a)
		if remote.Is(err, remote.Unauthorized) && !needsLogin(err) && s.creds != nil {
			if ierr := s.creds.Invalidate(context.WithoutCancel(ctx), a.Name()); ierr != nil {
				s.logger.Warn(ctx, "failed to invalidate token", "provider", a.Name(), "error", ierr)
			}
		}
		outs = append(outs, outcome{provider: a.Name(), result: res, err: err, at: s.now()})
	}
	return outs
}

func (s *Scheduler) resetCheckpoints(ctx context.Context, provider string) error {
	if s.resetter == nil {
		return nil
	}
	if err := s.resetter.DeleteProvider(context.WithoutCancel(ctx), provider); err != nil {
		return fmt.Errorf("failed to reset checkpoints: %w", err)
	}
	s.logger.Info(ctx, "checkpoints reset, pulling from scratch", "provider", provider)
	return nil
}

// needsLogin reports whether err can only be fixed by the interactive flow.
func needsLogin(err error) bool {
	return errors.Is(err, auth.ErrNotAuthenticated) ||
		errors.Is(err, auth.ErrRefreshRejected) ||
		errors.Is(err, auth.ErrUnknownProvider)
}

// summary is what a finished cycle means for the backoff.
type summary struct {
	failed       bool
	unauthorized bool
	throttled    bool
	// longest delay a provider asked for
	retryAfter time.Duration
}

// record stores per provider outcomes.
func (s *Scheduler) record(ctx context.Context, outs []outcome) summary {
	var sum summary
	for _, o := range outs {
		if errors.Is(o.err, context.Canceled) {
			continue
		}
		unauth := remote.Is(o.err, remote.Unauthorized)
		s.cell.updateProvider(o.provider, func(p *ProviderStatus) {
			p.LastAttempt = o.at
			p.LastResult = o.result
			if o.err == nil {
				p.LastSuccess = o.at
				p.LastError = ""
				p.NeedsAuth = false
				return
			}
			p.LastError = o.err.Error()
			p.NeedsAuth = unauth
		})

		switch {
		case o.err == nil:
			s.cell.publish(Event{Type: SyncComplete, Provider: o.provider, Pulled: o.result.Pulled, Pushed: o.result.Pushed})
		case unauth:
			sum.unauthorized, sum.failed = true, true
			s.logger.Warn(ctx, "provider requires authentication", "provider", o.provider, "error", o.err)
			s.cell.publish(Event{Type: AuthRequired, Provider: o.provider, Err: o.err.Error()})
		default:
			sum.failed = true
			if remote.Is(o.err, remote.RateLimited) {
				sum.throttled = true
				sum.retryAfter = max(sum.retryAfter, o.result.RetryAfter, remote.RetryAfterOf(o.err))
			}
			s.logger.Warn(ctx, "provider sync failed", "provider", o.provider, "error", o.err)
			s.cell.publish(Event{Type: SyncError, Provider: o.provider, Err: o.err.Error()})
		}
	}
	return sum
}

// finish moves the state out of Running. It returns the backoff delay when
// the scheduler enters Backoff. A rate-limited provider backs off at once,
// for at least the delay it asked for.
func (s *Scheduler) finish(ctx context.Context, outs []outcome) (time.Duration, bool) {
	sum := s.record(ctx, outs)
	if !sum.failed {
		s.resetBackoff()
		s.cell.update(func(st *Status) {
			st.State, st.Failures = Idle, 0
		})
		s.logger.Info(ctx, "sync cycle finished")
		return 0, false
	}

	s.failures++
	if !sum.unauthorized && !sum.throttled && s.failures < s.opts.BackoffAfter {
		s.cell.update(func(st *Status) {
			st.State, st.Failures = Idle, s.failures
		})
		return 0, false
	}

	delay, _ := s.backoff.Next()
	delay = max(delay, sum.retryAfter)
	next := s.now().Add(delay)
	s.cell.update(func(st *Status) {
		st.State = Backoff
		st.Failures = s.failures
		st.Delay, st.NextAttempt = delay, next
	})
	s.cell.publish(Event{Type: SyncError, Err: "backing off", Delay: delay})
	s.logger.Warn(ctx, "sync backing off", "failures", s.failures, "delay", delay)
	return delay, true
}

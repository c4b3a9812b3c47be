package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/events"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/queue"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/scheduler"
)

type Config struct {
	// MaxJobs caps the number of jobs executing at the same time.
	MaxJobs int
	// MaxErrors is the number of consecutive failures that aborts a job.
	MaxErrors int
	// RetrySecs is the delay before a failed job is retried.
	RetrySecs int
	// Backoff replaces the fixed RetrySecs delay when set.
	Backoff scheduler.Backoff

	PollInterval time.Duration
	// ClaimTTL is how long a claim hides a job from other runners. The
	// claim is renewed every ClaimTTL/2 while the job executes, so only
	// claims of runners that died expire.
	ClaimTTL time.Duration
	// StoreRetries is how often a failed outcome write is retried before
	// the runner gives up and lets the claim expire.
	StoreRetries int
}

func DefaultConfig() Config {
	return Config{
		MaxJobs:      8,
		MaxErrors:    5,
		RetrySecs:    30,
		PollInterval: 250 * time.Millisecond,
		ClaimTTL:     5 * time.Minute,
		StoreRetries: 5,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MaxJobs <= 0:
		return fmt.Errorf("max jobs must be positive, got %d", c.MaxJobs)
	case c.MaxErrors <= 0:
		return fmt.Errorf("max errors must be positive, got %d", c.MaxErrors)
	case c.RetrySecs < 0:
		return fmt.Errorf("retry seconds must not be negative, got %d", c.RetrySecs)
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	case c.ClaimTTL <= 0:
		return fmt.Errorf("claim ttl must be positive, got %s", c.ClaimTTL)
	case c.StoreRetries < 0:
		return fmt.Errorf("store retries must not be negative, got %d", c.StoreRetries)
	}
	return nil
}

func (c Config) retryPolicy() scheduler.RetryPolicy {
	p := scheduler.NewRetryPolicy(c.MaxErrors, c.RetrySecs)
	if c.Backoff != nil {
		p.Backoff = c.Backoff
	}
	return p
}

type Stats struct {
	Running       int64 `json:"running"`
	Done          int64 `json:"done"`
	Failed        int64 `json:"failed"`
	Aborted       int64 `json:"aborted"`
	StoreFailures int64 `json:"store_failures"`
}

type Option func(*Runner)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithBus publishes lifecycle events to b instead of a private bus.
func WithBus(b *events.Bus) Option {
	return func(r *Runner) { r.bus = b }
}

// Runner polls the store for due jobs and executes up to MaxJobs of them
// concurrently. The store is the queue: jobs that are due while every slot
// is busy stay in the store until the next poll.
type Runner struct {
	repo     queue.Repository
	registry *Registry
	bus      *events.Bus
	cfg      Config
	policy   scheduler.RetryPolicy
	log      zerolog.Logger
	now      func() time.Time

	storeBackoff scheduler.Backoff

	sem      chan struct{}
	wake     chan struct{}
	locks    keyedMutex
	inflight sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stop     chan struct{}
	loopDone chan struct{}

	running       atomic.Int64
	done          atomic.Int64
	failed        atomic.Int64
	aborted       atomic.Int64
	storeFailures atomic.Int64
}

func NewRunner(repo queue.Repository, registry *Registry, cfg Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		repo:         repo,
		registry:     registry,
		cfg:          cfg,
		policy:       cfg.retryPolicy(),
		log:          zerolog.Nop(),
		now:          func() time.Time { return time.Now().UTC() },
		storeBackoff: scheduler.NewExponential(100*time.Millisecond, 5*time.Second),
		sem:          make(chan struct{}, cfg.MaxJobs),
		wake:         make(chan struct{}, 1),
		locks:        keyedMutex{m: make(map[string]*keyedEntry)},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = events.NewBus()
	}
	return r, nil
}

// Events returns the bus the runner publishes to.
func (r *Runner) Events() *events.Bus { return r.bus }

func (r *Runner) Stats() Stats {
	return Stats{
		Running:       r.running.Load(),
		Done:          r.done.Load(),
		Failed:        r.failed.Load(),
		Aborted:       r.aborted.Load(),
		StoreFailures: r.storeFailures.Load(),
	}
}

// Start begins polling. Executors run with ctx; cancelling it also ends
// polling. Calling Start on a started runner does nothing.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	r.started = true
	r.stop = make(chan struct{})
	r.loopDone = make(chan struct{})

	r.log.Info().
		Int("max_jobs", r.cfg.MaxJobs).
		Int("max_errors", r.cfg.MaxErrors).
		Int("retry_secs", r.cfg.RetrySecs).
		Dur("poll", r.cfg.PollInterval).
		Strs("types", r.registry.Names()).
		Msg("runner started")

	go r.loop(ctx, r.stop, r.loopDone)
	return nil
}

// Stop stops claiming new jobs at once and waits for running executions
// to finish. In-flight executors are never interrupted: if ctx ends first
// Stop returns ctx.Err() and the remaining executions keep running, their
// outcomes still being recorded when they finish. Calling Stop on a
// stopped runner does nothing.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	stop, loopDone := r.stop, r.loopDone
	r.mu.Unlock()

	close(stop)

	drained := make(chan struct{})
	go func() {
		<-loopDone
		r.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		r.log.Info().Msg("runner stopped")
		return nil
	case <-ctx.Done():
		r.log.Warn().Int64("running", r.running.Load()).Msg("runner stop timed out before executions drained")
		return ctx.Err()
	}
}

func (r *Runner) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	t := time.NewTicker(r.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		r.poll(ctx)

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
		case <-r.wake:
		}
	}
}

// poll claims as many due jobs as there are free slots and dispatches
// them. Only poll acquires slots, so the free count cannot shrink under it.
func (r *Runner) poll(ctx context.Context) {
	free := cap(r.sem) - len(r.sem)
	if free == 0 {
		return
	}
	jobs, err := r.repo.ClaimDue(ctx, free, r.cfg.ClaimTTL)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Error().Err(err).Msg("claim due jobs")
		}
		return
	}
	for i, j := range jobs {
		if i >= free {
			if err := r.repo.Release(context.WithoutCancel(ctx), j.ID); err != nil {
				r.log.Warn().Err(err).Str("job_id", j.ID).Msg("release surplus claim")
			}
			continue
		}
		r.sem <- struct{}{}
		r.inflight.Add(1)
		go r.run(ctx, j)
	}
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) run(ctx context.Context, j domain.JobRecord) {
	defer func() {
		<-r.sem
		r.inflight.Done()
		r.signal()
	}()

	// Serializes a job's execution, write and publish against a re-claim
	// of the same job by another slot.
	unlock := r.locks.lock(j.ID)
	defer unlock()

	logger := r.log.With().Str("job_id", j.ID).Str("type", j.TypeName).Logger()
	if !r.current(ctx, j, logger) {
		return
	}

	r.running.Add(1)
	logger.Debug().Int("errors", j.Errors).Msg("executing job")

	stopRenew := r.renew(context.WithoutCancel(ctx), j.ID, logger)
	out, execErr := r.registry.invoke(ctx, j)
	stopRenew()
	r.running.Add(-1)

	t, kind, err := nextState(j, out, execErr, r.now(), r.policy)
	if execErr != nil {
		logger.Warn().Err(execErr).Int("errors", t.Errors).Str("status", string(t.Status)).Msg("job failed")
	}
	if err != nil && execErr == nil {
		logger.Error().Err(err).Str("cron", j.CronExpression).Msg("cannot reschedule job")
	}

	if werr := r.record(context.WithoutCancel(ctx), t, logger); werr != nil {
		switch {
		case errors.Is(werr, domain.ErrNotFound):
			logger.Info().Msg("job deleted during execution, outcome dropped")
		case errors.Is(werr, domain.ErrTerminal):
			logger.Warn().Err(werr).Msg("job finished elsewhere, outcome dropped")
		default:
			r.storeFailures.Add(1)
			logger.Error().Err(werr).Dur("claim_ttl", r.cfg.ClaimTTL).
				Msg("outcome not recorded, job runs again once its claim expires")
		}
		return
	}

	evt := events.Event{Kind: kind, Job: t.Apply(j), At: r.now()}
	switch {
	case execErr != nil:
		evt.Err = fmt.Errorf("%w: %w", domain.ErrExecutionFailure, execErr)
	case err != nil:
		evt.Err = err
	}

	switch kind {
	case events.KindDone:
		r.done.Add(1)
		ev := logger.Info().Str("status", string(t.Status))
		if t.NextDue != nil {
			ev = ev.Time("next_due", *t.NextDue)
		}
		ev.Msg("job done")
	case events.KindFailed:
		r.failed.Add(1)
		logger.Info().Time("next_due", *t.NextDue).Int("errors", t.Errors).Msg("job retry scheduled")
	case events.KindAborted:
		r.aborted.Add(1)
		logger.Warn().Int("errors", t.Errors).Msg("job aborted")
	}
	r.bus.Publish(evt)
}

// current reports whether j still matches the stored job. A claim taken
// while an earlier execution of the same job was running carries a stale
// record; that claim is released instead of executing the job again.
func (r *Runner) current(ctx context.Context, j domain.JobRecord, logger zerolog.Logger) bool {
	stored, err := r.repo.Get(context.WithoutCancel(ctx), j.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		logger.Info().Msg("job deleted before execution")
		return false
	case err != nil:
		logger.Error().Err(err).Msg("reload claimed job")
	case sameState(j, stored):
		return true
	case stored.Status.Terminal():
		logger.Warn().Str("status", string(stored.Status)).Msg("stale claim on finished job skipped")
		return false
	default:
		logger.Warn().Int("errors", stored.Errors).Msg("stale claim skipped")
	}
	if err := r.repo.Release(context.WithoutCancel(ctx), j.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		logger.Warn().Err(err).Msg("release stale claim")
	}
	return false
}

func sameState(a, b domain.JobRecord) bool {
	return a.Status == b.Status &&
		a.Errors == b.Errors &&
		sameTime(a.NextDue, b.NextDue) &&
		sameTime(a.LastDone, b.LastDone)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// renew extends the claim on id every ClaimTTL/2 until the returned func
// is called. The func waits for a pending renewal, so no renewal lands
// after the outcome write.
func (r *Runner) renew(ctx context.Context, id string, logger zerolog.Logger) func() {
	quit := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		t := time.NewTicker(max(r.cfg.ClaimTTL/2, time.Millisecond))
		defer t.Stop()
		for {
			select {
			case <-quit:
				return
			case <-t.C:
			}
			err := r.repo.Extend(ctx, id, r.cfg.ClaimTTL)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTerminal):
				return
			default:
				logger.Warn().Err(err).Msg("extend claim")
			}
		}
	}()
	return func() {
		close(quit)
		<-finished
	}
}

// record writes t, retrying store failures with exponential delay.
// ErrNotFound and ErrTerminal are returned without retrying.
func (r *Runner) record(ctx context.Context, t domain.Transition, logger zerolog.Logger) error {
	for attempt := 1; ; attempt++ {
		err := r.repo.RecordOutcome(ctx, t)
		if err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrTerminal) {
			return err
		}
		if attempt > r.cfg.StoreRetries {
			return err
		}
		delay := r.storeBackoff.Delay(attempt)
		logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("record outcome failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
	}
}

// nextState computes the transition for an execution result. A non-nil
// error with a nil execErr means a recurring job's schedule could not be
// computed; such a job is aborted.
func nextState(j domain.JobRecord, out domain.Outcome, execErr error, now time.Time, policy scheduler.RetryPolicy) (domain.Transition, events.Kind, error) {
	if execErr != nil {
		d := policy.Decide(j.Errors, now)
		if d.Abort {
			return domain.Transition{
				ID:      j.ID,
				Status:  domain.StatusAborted,
				Errors:  d.Errors,
				NextDue: j.NextDue,
			}, events.KindAborted, nil
		}
		retryAt := d.RetryAt
		return domain.Transition{
			ID:      j.ID,
			Status:  domain.StatusActive,
			Errors:  d.Errors,
			NextDue: &retryAt,
		}, events.KindFailed, nil
	}

	done := now
	t := domain.Transition{ID: j.ID, Errors: 0, LastDone: &done}
	switch {
	case out.Rescheduled():
		next := out.RescheduleAt.UTC()
		t.Status = domain.StatusActive
		t.NextDue = &next
	case j.Recurring():
		next, err := scheduler.NextRunTime(j.CronExpression, now)
		if err != nil {
			t.Status = domain.StatusAborted
			t.NextDue = j.NextDue
			return t, events.KindAborted, err
		}
		next = next.UTC()
		t.Status = domain.StatusActive
		t.NextDue = &next
	default:
		t.Status = domain.StatusDone
	}
	return t, events.KindDone, nil
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*keyedEntry
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.m[key]
	if !ok {
		e = &keyedEntry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/filter"
)

// Maintainer is the part of the job store the maintenance service needs.
type Maintainer interface {
	ReleaseStaleClaims(ctx context.Context) (int, error)
	Delete(ctx context.Context, where filter.Expr) (int, error)
}

// Service periodically drops expired claims and purges finished jobs
// older than the retention period. A zero retention keeps finished jobs.
type Service struct {
	repo      Maintainer
	stop      chan struct{}
	stopOnce  sync.Once
	interval  time.Duration
	retention time.Duration
	log       zerolog.Logger
}

type Option func(*Service)

// WithLogger replaces the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func NewService(repo Maintainer, checkInterval, retention time.Duration, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		stop:      make(chan struct{}),
		interval:  checkInterval,
		retention: retention,
		log:       log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Dur("retention", s.retention).Msg("maintenance service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.RunOnce(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// RunOnce performs a single maintenance pass as of now.
func (s *Service) RunOnce(ctx context.Context, now time.Time) {
	released, err := s.repo.ReleaseStaleClaims(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to release stale claims")
	} else if released > 0 {
		s.log.Info().Int("released", released).Msg("released stale claims")
	}

	if s.retention <= 0 {
		return
	}
	purged, err := s.repo.Delete(ctx, PurgeFilter(now.Add(-s.retention)))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to purge finished jobs")
		return
	}
	if purged > 0 {
		s.log.Info().Int("purged", purged).Msg("purged finished jobs")
	}
}

// PurgeFilter matches finished jobs whose last success, or creation when
// they never succeeded, lies before cutoff.
func PurgeFilter(cutoff time.Time) filter.Expr {
	return filter.And(
		filter.In(filter.FieldStatus, domain.StatusDone, domain.StatusAborted),
		filter.Or(
			filter.Lt(filter.FieldLastDone, cutoff),
			filter.And(filter.IsNull(filter.FieldLastDone), filter.Lt(filter.FieldCreatedAt, cutoff)),
		),
	)
}

// Package retention periodically removes finished jobs and old archive
// records.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/exhibit/internal/ledger"
)

// DefaultSchedule runs a sweep every ten minutes (seconds field first).
const DefaultSchedule = "0 */10 * * * *"

// DefaultMaxAge keeps finished jobs in the ledger for a day.
const DefaultMaxAge = 24 * time.Hour

// Evicter removes terminal jobs from the ledger.
type Evicter interface {
	EvictTerminal(olderThan time.Time) []ledger.Job
}

// ArchivePruner removes archived evidence.
type ArchivePruner interface {
	DeleteEvidenceBefore(ctx context.Context, t time.Time) (int64, error)
}

// Config controls the sweeper. ArchiveMaxAge of zero keeps archived
// evidence forever.
type Config struct {
	Schedule      string
	MaxAge        time.Duration
	ArchiveMaxAge time.Duration
}

// Deps are the sweeper's collaborators. Only Ledger is required.
type Deps struct {
	Ledger  Evicter
	Archive ArchivePruner
	// OnEvict is called for every evicted job, e.g. to remove its upload.
	OnEvict func(ledger.Job)
	Metrics interface{ Evicted(n int) }
	Logger  *slog.Logger
}

// Result reports one sweep.
type Result struct {
	Jobs     int
	Archived int64
}

// Sweeper runs retention on a cron schedule.
type Sweeper struct {
	cfg    Config
	deps   Deps
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Sweeper.
func New(cfg Config, deps Deps) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:    cfg,
		deps:   deps,
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
		now:    time.Now,
	}
}

// Start schedules the sweep and starts the cron runner.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()
	s.logger.Info("retention sweeper started", "schedule", s.cfg.Schedule, "max_age", s.cfg.MaxAge)
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("retention sweeper stopped")
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	now := s.now()
	evicted := s.deps.Ledger.EvictTerminal(now.Add(-s.cfg.MaxAge))
	for _, j := range evicted {
		if s.deps.OnEvict != nil {
			s.deps.OnEvict(j)
		}
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.Evicted(len(evicted))
	}
	res := Result{Jobs: len(evicted)}

	if s.deps.Archive != nil && s.cfg.ArchiveMaxAge > 0 {
		n, err := s.deps.Archive.DeleteEvidenceBefore(ctx, now.Add(-s.cfg.ArchiveMaxAge))
		if err != nil {
			s.logger.Warn("pruning evidence archive failed", "error", err)
		}
		res.Archived = n
	}

	if res.Jobs > 0 || res.Archived > 0 {
		s.logger.Info("retention sweep completed", "jobs_evicted", res.Jobs, "archive_pruned", res.Archived)
	}
	return res
}

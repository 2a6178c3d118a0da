// Package cleanup reclaims expired workspace files and ledger entries on a
// schedule.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/media-toolkit/internal/storage"
	"github.com/codebuildervaibhav/media-toolkit/internal/types"
	"github.com/codebuildervaibhav/media-toolkit/internal/workspace"
)

// pruneBatch is how many expired ledger entries are deleted per step
const pruneBatch = 500

// Config sets the sweep intervals and retention windows
type Config struct {
	FileInterval   time.Duration
	FileTTL        time.Duration
	LedgerInterval time.Duration
	LedgerTTL      time.Duration
	// SkipRunning keeps files of jobs the ledger shows as running. Set it
	// when the workspace manager isn't the one the workers use, e.g. a
	// sweep run from the CLI beside a live server.
	SkipRunning bool
}

// Scheduler handles cleanup of workspace files and old ledger entries
type Scheduler struct {
	cfg    Config
	ws     *workspace.Manager
	ledger storage.Ledger
	cron   *cron.Cron
	log    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	// running guards against overlapping runs of the same sweep
	running sync.Map
}

// Stats summarises one pass of both sweeps
type Stats struct {
	Files  workspace.SweepStats
	Pruned int
}

// NewScheduler creates a new cleanup scheduler
func NewScheduler(cfg Config, ws *workspace.Manager, ledger storage.Ledger, logger *logrus.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		ws:     ws,
		ledger: ledger,
		cron:   cron.New(),
		log:    logger.WithField("component", "cleanup"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs one pass of each sweep, then schedules them
func (s *Scheduler) Start() error {
	s.log.Info("Running initial cleanup...")
	if _, err := s.RunOnce(s.ctx); err != nil {
		s.log.WithError(err).Warn("Initial cleanup failed")
	}

	if _, err := s.cron.AddFunc(every(s.cfg.FileInterval), func() { s.guard("files", s.sweepFiles) }); err != nil {
		return fmt.Errorf("failed to schedule file sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(every(s.cfg.LedgerInterval), func() { s.guard("ledger", s.pruneLedger) }); err != nil {
		return fmt.Errorf("failed to schedule ledger prune: %w", err)
	}
	s.cron.Start()

	s.log.Infof("Cleanup scheduler started (files: every %s, ttl %s; ledger: every %s, ttl %s)",
		s.cfg.FileInterval, s.cfg.FileTTL, s.cfg.LedgerInterval, s.cfg.LedgerTTL)
	return nil
}

// Stop cancels a sweep in progress and waits for it to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.log.Info("Cleanup scheduler stopped")
}

// RunOnce runs both sweeps now
func (s *Scheduler) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	files, ferr := s.sweepFilesCtx(ctx)
	stats.Files = files
	pruned, lerr := s.pruneLedgerCtx(ctx)
	stats.Pruned = pruned
	return stats, errors.Join(ferr, lerr)
}

func (s *Scheduler) guard(name string, fn func()) {
	if _, busy := s.running.LoadOrStore(name, true); busy {
		s.log.Debugf("Skipping %s sweep: previous run still active", name)
		return
	}
	defer s.running.Delete(name)
	fn()
}

func (s *Scheduler) sweepFiles() {
	if _, err := s.sweepFilesCtx(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.WithError(err).Error("File sweep failed")
	}
}

func (s *Scheduler) pruneLedger() {
	if _, err := s.pruneLedgerCtx(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.WithError(err).Error("Ledger prune failed")
	}
}

func (s *Scheduler) sweepFilesCtx(ctx context.Context) (workspace.SweepStats, error) {
	if s.cfg.SkipRunning {
		jobs, err := s.ledger.ListUnfinished(ctx)
		if err != nil {
			return workspace.SweepStats{}, fmt.Errorf("failed to list running jobs: %w", err)
		}
		for _, job := range jobs {
			if job.Status != types.StatusRunning {
				continue
			}
			s.ws.Activate(job.ID)
			defer s.ws.Deactivate(job.ID)
		}
	}

	stats, err := s.ws.Sweep(ctx, s.cfg.FileTTL)
	if stats.Deleted > 0 {
		s.log.Infof("Cleanup complete: %d files deleted, %.2fMB freed",
			stats.Deleted, float64(stats.Bytes)/(1024*1024))
	}
	return stats, err
}

// pruneLedgerCtx deletes terminal jobs older than the ledger TTL in
// batches, checking ctx between batches.
func (s *Scheduler) pruneLedgerCtx(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.LedgerTTL)
	deleted := 0

	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		expired, err := s.ledger.ListExpired(ctx, cutoff, pruneBatch)
		if err != nil {
			return deleted, fmt.Errorf("failed to list expired jobs: %w", err)
		}

		removed := 0
		for _, job := range expired {
			err := s.ledger.Delete(ctx, job.ID)
			switch {
			case err == nil:
				removed++
			case errors.Is(err, storage.ErrJobActive), errors.Is(err, storage.ErrJobNotFound):
				// Retried or already gone since it was listed
			default:
				return deleted + removed, fmt.Errorf("failed to delete job %s: %w", job.ID, err)
			}
		}
		deleted += removed

		if len(expired) < pruneBatch || removed == 0 {
			break
		}
	}

	if deleted > 0 {
		s.log.Infof("Pruned %d expired job(s) from the ledger", deleted)
	}
	return deleted, nil
}

func every(d time.Duration) string {
	if d <= 0 {
		d = time.Hour
	}
	return "@every " + d.String()
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/media-toolkit/internal/config"
	"github.com/codebuildervaibhav/media-toolkit/internal/types"
)

var (
	// ErrJobNotFound is returned for ids the ledger has never seen (or has pruned)
	ErrJobNotFound = errors.New("job not found")
	// ErrJobActive is returned when deleting a job that hasn't reached a terminal status
	ErrJobActive = errors.New("job is not terminal")
	// ErrJobExists is returned when creating a job whose id is already recorded
	ErrJobExists = errors.New("job already exists")
)

// Ledger is the durable record of job lifecycles
type Ledger interface {
	Create(ctx context.Context, job *types.Job) error
	// Update applies p under per-job write exclusion and returns the new state
	Update(ctx context.Context, id string, p types.Patch) (*types.Job, error)
	Get(ctx context.Context, id string) (*types.Job, error)
	// List returns jobs updated at or after since, oldest first
	List(ctx context.Context, since time.Time) ([]types.JobSummary, error)
	// Delete removes a terminal job
	Delete(ctx context.Context, id string) error
	// ListExpired returns up to limit terminal jobs last updated before before
	ListExpired(ctx context.Context, before time.Time, limit int) ([]types.JobSummary, error)
	// ListUnfinished returns pending and running jobs, oldest first
	ListUnfinished(ctx context.Context) ([]*types.Job, error)
	CountByStatus(ctx context.Context) (map[types.Status]int, error)
	Close() error
}

// Open creates the ledger backend selected by cfg
func Open(cfg *config.Config, logger *logrus.Logger) (Ledger, error) {
	switch cfg.Ledger.Driver {
	case config.LedgerSQLite:
		return NewSQLiteLedger(cfg.Ledger.Path, logger)
	case config.LedgerRedis:
		r := cfg.Ledger.Redis
		return NewRedisLedger(RedisOptions{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Ledger.Driver)
	}
}

const lockStripes = 64

// stripedLock serialises writers of the same job id without a global lock
type stripedLock struct {
	stripes [lockStripes]sync.Mutex
}

func (l *stripedLock) lock(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func sortByCreated(jobs []*types.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}

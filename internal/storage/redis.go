package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/media-toolkit/internal/types"
)

// maxTxRetries bounds optimistic transaction retries on a contended key
const maxTxRetries = 10

// RedisOptions configures the Redis ledger
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisLedger stores one JSON record per job plus a sorted set of ids
// scored by updated_at (microseconds), which backs windowed listing.
type RedisLedger struct {
	client *redis.Client
	prefix string
	locks  stripedLock
	log    *logrus.Entry
}

// NewRedisLedger connects to Redis and verifies the connection
func NewRedisLedger(opts RedisOptions, logger *logrus.Logger) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	prefix := opts.Prefix
	if prefix != "" {
		prefix += ":"
	}

	logger.Infof("Job ledger opened: redis %s", opts.Addr)
	return &RedisLedger{
		client: client,
		prefix: prefix,
		log:    logger.WithField("component", "ledger"),
	}, nil
}

func (l *RedisLedger) jobKey(id string) string {
	return l.prefix + "job:" + id
}

func (l *RedisLedger) indexKey() string {
	return l.prefix + "jobs:updated"
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// Create stores a new job record
func (l *RedisLedger) Create(ctx context.Context, job *types.Job) error {
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	// Record and index go in one MULTI. ZADD NX leaves an existing
	// member's score alone when the id is taken.
	var created *redis.BoolCmd
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, l.jobKey(job.ID), data, 0)
		pipe.ZAddNX(ctx, l.indexKey(), redis.Z{Score: score(job.UpdatedAt), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if !created.Val() {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	return nil
}

// Update patches a job inside a WATCH transaction
func (l *RedisLedger) Update(ctx context.Context, id string, p types.Patch) (*types.Job, error) {
	unlock := l.locks.lock(id)
	defer unlock()

	key := l.jobKey(id)
	var updated *types.Job

	txf := func(tx *redis.Tx) error {
		job, err := l.read(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := job.Apply(p, nowUTC()); err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to encode job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, l.indexKey(), redis.Z{Score: score(job.UpdatedAt), Member: id})
			return nil
		})
		if err == nil {
			updated = job
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := l.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("failed to update job %s: too much contention", id)
}

// Get retrieves a job by id
func (l *RedisLedger) Get(ctx context.Context, id string) (*types.Job, error) {
	return l.read(ctx, l.client, id)
}

func (l *RedisLedger) read(ctx context.Context, c redis.Cmdable, id string) (*types.Job, error) {
	data, err := c.Get(ctx, l.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

// List returns the status of every job updated since the given time
func (l *RedisLedger) List(ctx context.Context, since time.Time) ([]types.JobSummary, error) {
	ids, err := l.client.ZRangeByScore(ctx, l.indexKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMicro(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs, err := l.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	summaries := make([]types.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, types.JobSummary{ID: job.ID, Status: job.Status, UpdatedAt: job.UpdatedAt})
	}
	return summaries, nil
}

// Delete removes a terminal job
func (l *RedisLedger) Delete(ctx context.Context, id string) error {
	unlock := l.locks.lock(id)
	defer unlock()

	key := l.jobKey(id)
	txf := func(tx *redis.Tx) error {
		job, err := l.read(ctx, tx, id)
		if err != nil {
			return err
		}
		if !job.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrJobActive, id)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, l.indexKey(), id)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := l.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to delete job %s: too much contention", id)
}

// ListExpired walks the index from the oldest entry and collects terminal
// jobs until limit is reached or before is passed.
func (l *RedisLedger) ListExpired(ctx context.Context, before time.Time, limit int) ([]types.JobSummary, error) {
	var (
		out    []types.JobSummary
		offset int64
		page   = int64(limit)
	)
	if page < 100 {
		page = 100
	}

	for len(out) < limit {
		ids, err := l.client.ZRangeByScore(ctx, l.indexKey(), &redis.ZRangeBy{
			Min:    "-inf",
			Max:    "(" + strconv.FormatInt(before.UnixMicro(), 10),
			Offset: offset,
			Count:  page,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list expired jobs: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		offset += int64(len(ids))

		jobs, err := l.load(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, job := range jobs {
			if !job.Status.Terminal() {
				continue
			}
			out = append(out, types.JobSummary{ID: job.ID, Status: job.Status, UpdatedAt: job.UpdatedAt})
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// ListUnfinished returns every pending or running job
func (l *RedisLedger) ListUnfinished(ctx context.Context) ([]*types.Job, error) {
	ids, err := l.client.ZRange(ctx, l.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}
	jobs, err := l.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	var out []*types.Job
	for _, job := range jobs {
		if !job.Status.Terminal() {
			out = append(out, job)
		}
	}
	sortByCreated(out)
	return out, nil
}

// CountByStatus returns the number of jobs in each status
func (l *RedisLedger) CountByStatus(ctx context.Context) (map[types.Status]int, error) {
	ids, err := l.client.ZRange(ctx, l.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	jobs, err := l.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	counts := make(map[types.Status]int)
	for _, job := range jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// Close closes the Redis client
func (l *RedisLedger) Close() error {
	return l.client.Close()
}

// load fetches records in index order, skipping ids whose record is gone
func (l *RedisLedger) load(ctx context.Context, ids []string) ([]*types.Job, error) {
	const batch = 500

	jobs := make([]*types.Job, 0, len(ids))
	for start := 0; start < len(ids); start += batch {
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, l.jobKey(id))
		}

		values, err := l.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load jobs: %w", err)
		}
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var job types.Job
			if err := json.Unmarshal([]byte(s), &job); err != nil {
				l.log.WithError(err).Warnf("Skipping unreadable job record %s", keys[i])
				continue
			}
			jobs = append(jobs, &job)
		}
	}
	return jobs, nil
}

package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/codebuildervaibhav/media-toolkit/internal/config"
	"github.com/codebuildervaibhav/media-toolkit/internal/types"
)

// pool is the queue and worker set of one family. The semaphore is shared
// between the family's workers and its sync callers.
type pool struct {
	name       string
	workers    int
	maxRetries int
	timeout    time.Duration

	// mu serialises admissions so a length check and the following send agree
	mu    sync.Mutex
	queue chan *item

	sem     *semaphore.Weighted
	running atomic.Int64
}

func newPool(name string, settings config.Family, capacity int) *pool {
	retries := 0
	if settings.MaxRetries != nil {
		retries = *settings.MaxRetries
	}
	workers := settings.Workers
	if workers < 1 {
		workers = 1
	}
	return &pool{
		name:       name,
		workers:    workers,
		maxRetries: retries,
		timeout:    settings.Timeout,
		queue:      make(chan *item, capacity),
		sem:        semaphore.NewWeighted(int64(workers)),
	}
}

// acquire takes a slot. The returned release is safe to call more than once.
func (p *pool) acquire(ctx context.Context) (func(), error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.running.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.running.Add(-1)
			p.sem.Release(1)
		})
	}, nil
}

// offer enqueues it unless the queue is full. Callers hold p.mu.
func (p *pool) offer(it *item) bool {
	select {
	case p.queue <- it:
		return true
	default:
		return false
	}
}

// worker processes queued jobs until the dispatcher stops
func (d *Dispatcher) worker(p *pool, id int) {
	defer d.wg.Done()
	log := d.log.WithField("family", p.name)
	log.Debugf("Worker %d started", id)

	for {
		select {
		case <-d.stopCtx.Done():
			log.Debugf("Worker %d stopped", id)
			return
		case it := <-p.queue:
			if d.stopCtx.Err() != nil {
				// Still pending in the ledger; Recover picks it up next start
				return
			}
			d.process(p, id, it)
		}
	}
}

// process runs one queued attempt inside a recover boundary so a bug in
// the dispatcher itself cannot take the worker down.
func (d *Dispatcher) process(p *pool, workerID int, it *item) {
	log := d.log.WithFields(logrus.Fields{"family": p.name, "job_id": it.job.ID})

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Worker %d: PANIC processing job %s: %v\n%s", workerID, it.job.ID, r, string(debug.Stack()))
			d.failJob(it.job, fmt.Sprintf("internal error: %v", r))
		}
	}()

	release, err := p.acquire(d.stopCtx)
	if err != nil {
		// Stopping: the job stays pending for the next start
		return
	}

	log.Infof("Worker %d: Processing job %s (attempt %d)", workerID, it.job.ID, it.job.RetryCount)
	o := d.attempt(p, it.op, it.job, release)
	env, retry := d.settle(p, it.job, o)
	if retry != nil {
		d.requeue(p, &item{op: it.op, job: retry})
		return
	}
	log.Infof("Worker %d: Job %s finished with code %d", workerID, it.job.ID, env.Code)
}

// requeue puts a retried job at the back of its family queue
func (d *Dispatcher) requeue(p *pool, it *item) {
	p.mu.Lock()
	ok := p.offer(it)
	p.mu.Unlock()
	if !ok {
		d.failJob(it.job, "internal error: queue full on retry")
	}
}

// failJob marks a job failed outside the normal attempt path and notifies
// its webhook.
func (d *Dispatcher) failJob(job *types.Job, msg string) *types.Envelope {
	now := time.Now()
	updated, err := d.ledger.Update(context.Background(), job.ID, types.Failed(now, msg))
	if err != nil {
		d.log.WithError(err).Errorf("Failed to mark job %s failed", job.ID)
		updated = job
	} else {
		d.publish(updated)
	}

	env := d.envelope(updated, 500, nil, msg, now, now)
	d.notify(updated, env)
	return env
}

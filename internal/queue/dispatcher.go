// Package queue admits jobs, runs them on bounded per-family worker pools
// and records every transition in the ledger.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/media-toolkit/internal/config"
	"github.com/codebuildervaibhav/media-toolkit/internal/processing"
	"github.com/codebuildervaibhav/media-toolkit/internal/storage"
	"github.com/codebuildervaibhav/media-toolkit/internal/types"
	"github.com/codebuildervaibhav/media-toolkit/internal/upload"
	"github.com/codebuildervaibhav/media-toolkit/internal/workspace"
)

var (
	// ErrQueueFull is returned when a family queue is at max_queue_length
	ErrQueueFull = errors.New("max queue length reached")
	// ErrUnknownFamily is returned for operations or families with no pool
	ErrUnknownFamily = errors.New("unknown job family")
	// ErrStopped is returned by Submit once Stop has been called
	ErrStopped = errors.New("dispatcher is stopped")
)

// DefaultQueueCapacity bounds a family queue when max_queue_length is 0
const DefaultQueueCapacity = 1024

const interruptedMsg = "interrupted by restart"

// Notifier delivers terminal envelopes of async jobs
type Notifier interface {
	Notify(url string, env types.Envelope)
}

// Options wires a Dispatcher to its collaborators
type Options struct {
	Registry  *processing.Registry
	Ledger    storage.Ledger
	Workspace *workspace.Manager
	Uploader  upload.Uploader
	Notifier  Notifier
	// Broker receives every transition; optional
	Broker *Broker
	// Settings resolves pool settings per family
	Settings       func(family string) config.Family
	MaxQueueLength int
}

// Dispatcher owns one pool per family of the registry
type Dispatcher struct {
	registry *processing.Registry
	ledger   storage.Ledger
	ws       *workspace.Manager
	uploader upload.Uploader
	notifier Notifier
	broker   *Broker
	log      *logrus.Entry

	pools    map[string]*pool
	maxQueue int

	started    atomic.Bool
	stopped    atomic.Bool
	stopCtx    context.Context
	stopCancel context.CancelFunc
	// lifecycle orders every wg.Add before Stop sets stopped
	lifecycle sync.Mutex
	// wg tracks workers and inline callers
	wg sync.WaitGroup
	// inflight tracks function goroutines, including ones outliving a timeout
	inflight sync.WaitGroup
}

// New builds a dispatcher with a pool for every family in opts.Registry.
// Workers don't run until Start.
func New(opts Options, logger *logrus.Logger) *Dispatcher {
	if opts.Settings == nil {
		opts.Settings = config.Default().FamilySettings
	}
	capacity := opts.MaxQueueLength
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry:   opts.Registry,
		ledger:     opts.Ledger,
		ws:         opts.Workspace,
		uploader:   opts.Uploader,
		notifier:   opts.Notifier,
		broker:     opts.Broker,
		log:        logger.WithField("component", "queue"),
		pools:      make(map[string]*pool),
		maxQueue:   opts.MaxQueueLength,
		stopCtx:    ctx,
		stopCancel: cancel,
	}
	for _, family := range opts.Registry.Families() {
		d.pools[family] = newPool(family, opts.Settings(family), capacity)
	}
	return d
}

// Start launches the workers of every pool
func (d *Dispatcher) Start() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.stopped.Load() || !d.started.CompareAndSwap(false, true) {
		return
	}
	for _, name := range d.familyNames() {
		p := d.pools[name]
		d.log.Infof("Starting worker pool %s with %d workers (retries: %d, timeout: %s)", name, p.workers, p.maxRetries, p.timeout)
		for i := 0; i < p.workers; i++ {
			d.wg.Add(1)
			go d.worker(p, i)
		}
	}
}

// Stop rejects new submissions and waits for workers to finish their
// current job. Jobs still queued stay pending in the ledger.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.lifecycle.Lock()
	if !d.stopped.CompareAndSwap(false, true) {
		d.lifecycle.Unlock()
		return nil
	}
	d.lifecycle.Unlock()
	d.stopCancel()

	done := make(chan struct{})
	go func() {
		// Function goroutines are only started by wg holders, so inflight
		// can't grow once wg drains
		d.wg.Wait()
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("Dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

// Submit admits req. Jobs with a webhook are queued and acknowledged with
// 202; others run on the caller's goroutine and return their final envelope.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*types.Envelope, error) {
	if d.stopped.Load() {
		return nil, ErrStopped
	}

	op, ok := d.registry.Lookup(req.Operation)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, req.Operation)
	}
	family := op.Family
	if req.Family != "" {
		family = req.Family
	}
	bypass := req.BypassQueue || op.Bypass

	var p *pool
	if !bypass {
		if p = d.pools[family]; p == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
		}
	}

	async := req.WebhookURL != "" && !bypass
	job := newJob(req, op, family, async, time.Now().UTC())

	if async {
		return d.enqueue(ctx, p, op, job)
	}

	if !d.track() {
		return nil, ErrStopped
	}
	defer d.wg.Done()

	if err := d.ledger.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to record job: %w", err)
	}
	d.publish(job)
	return d.runInline(ctx, p, op, job), nil
}

// track registers an inline caller with wg unless the dispatcher stopped
func (d *Dispatcher) track() bool {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.stopped.Load() {
		return false
	}
	d.wg.Add(1)
	return true
}

func (d *Dispatcher) enqueue(ctx context.Context, p *pool, op processing.Operation, job *types.Job) (*types.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) >= cap(p.queue) {
		return nil, ErrQueueFull
	}
	if err := d.ledger.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to record job: %w", err)
	}
	d.publish(job)

	// Never blocks: admissions hold p.mu and consumers only drain
	p.offer(&item{op: op, job: job})
	d.log.WithField("family", p.name).Infof("Job %s enqueued (endpoint: %s)", job.ID, job.Endpoint)

	return &types.Envelope{
		Endpoint:       job.Endpoint,
		Code:           http.StatusAccepted,
		ID:             types.CallerRef(job.CallerID),
		JobID:          job.ID,
		Status:         "processing",
		Message:        "processing",
		QueueLength:    len(p.queue),
		MaxQueueLength: d.maxQueue,
	}, nil
}

// runInline executes a sync or bypass job, retrying on the same goroutine.
// p is nil for bypass jobs, which take no slot and get no retries.
func (d *Dispatcher) runInline(ctx context.Context, p *pool, op processing.Operation, job *types.Job) *types.Envelope {
	for {
		release := func() {}
		if p != nil {
			r, err := p.acquire(ctx)
			if err != nil {
				return d.failJob(job, "internal error: acquire slot: "+err.Error())
			}
			release = r
		}

		o := d.attempt(p, op, job, release)
		env, retry := d.settle(p, job, o)
		if retry == nil {
			return env
		}
		job = retry
	}
}

// outcome is the result of one attempt
type outcome struct {
	value    any
	raw      json.RawMessage
	err      error
	started  time.Time
	finished time.Time
	attempt  int
}

type fnResult struct {
	value any
	raw   json.RawMessage
	err   error
}

// attempt marks the job running and executes its function in a fresh
// workspace scope. release is called once the function has returned, which
// after a timeout is later than attempt itself.
func (d *Dispatcher) attempt(p *pool, op processing.Operation, job *types.Job, release func()) outcome {
	started := time.Now().UTC()
	running, err := d.ledger.Update(context.Background(), job.ID, types.Running(started))
	if err != nil {
		release()
		return outcome{
			err:      processing.Permanent(fmt.Errorf("internal error: mark running: %w", err)),
			started:  started,
			finished: time.Now().UTC(),
			attempt:  job.RetryCount,
		}
	}
	d.publish(running)

	var timeout time.Duration
	if p != nil {
		timeout = p.timeout
	}

	log := d.log.WithFields(logrus.Fields{"job_id": job.ID, "family": job.Family, "attempt": running.RetryCount})
	scope := d.ws.Scope(job.ID, running.RetryCount)
	d.ws.Activate(job.ID)

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	jc := processing.NewJobContext(ctx, job.ID, running.RetryCount, job.Endpoint, job.InputRef, scope, log)

	done := make(chan fnResult, 1)
	d.lifecycle.Lock()
	d.inflight.Add(1)
	d.lifecycle.Unlock()
	go func() {
		defer d.inflight.Done()
		r := d.execute(jc, op)

		if err := scope.Cleanup(); err != nil {
			log.WithError(err).Warn("Failed to clean up workspace")
		}
		d.ws.Deactivate(job.ID)
		cancel()
		release()
		done <- r
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	o := outcome{started: started, attempt: running.RetryCount}
	select {
	case r := <-done:
		o.value, o.raw, o.err = r.value, r.raw, r.err
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			o.err = timeoutError(timeout)
		}
	case <-deadline:
		log.Warnf("Job %s timed out after %s", job.ID, timeout)
		o.err = timeoutError(timeout)
	}
	o.finished = time.Now().UTC()
	return o
}

func timeoutError(timeout time.Duration) error {
	return &processing.Error{
		Code:      http.StatusGatewayTimeout,
		Permanent: true,
		Err:       fmt.Errorf("job timed out after %s", timeout),
	}
}

// execute runs the function, uploads any file result and encodes the
// response. Panics become permanent failures.
func (d *Dispatcher) execute(jc *processing.JobContext, op processing.Operation) (r fnResult) {
	defer func() {
		if rec := recover(); rec != nil {
			jc.Log.Errorf("PANIC in %s: %v\n%s", op.Name, rec, string(debug.Stack()))
			r = fnResult{err: processing.Permanent(fmt.Errorf("panic: %v", rec))}
		}
	}()

	res, err := op.Fn.Execute(jc)
	if err != nil {
		return fnResult{err: err}
	}

	value, err := d.resolve(jc, res)
	if err != nil {
		return fnResult{err: err}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fnResult{err: processing.Permanent(fmt.Errorf("failed to encode result: %w", err))}
	}
	return fnResult{value: value, raw: raw}
}

// resolve turns a Result into the response value, uploading its file
func (d *Dispatcher) resolve(jc *processing.JobContext, res *processing.Result) (any, error) {
	if res == nil || (res.Value == nil && res.File == "") {
		return map[string]any{}, nil
	}
	if res.File == "" {
		return res.Value, nil
	}

	if d.uploader == nil {
		return nil, processing.Permanent(errors.New("no uploader configured"))
	}
	url, err := d.uploader.Upload(jc.Context(), res.File)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	jc.Log.Infof("Uploaded result to %s", url)

	key := res.URLKey
	if key == "" {
		key = "file_url"
	}
	switch v := res.Value.(type) {
	case nil:
		return url, nil
	case map[string]any:
		v[key] = url
		return v, nil
	default:
		return map[string]any{"result": v, key: url}, nil
	}
}

// settle records the outcome of an attempt. It returns the terminal
// envelope, or the updated job when it went back to pending for a retry.
func (d *Dispatcher) settle(p *pool, job *types.Job, o outcome) (*types.Envelope, *types.Job) {
	ctx := context.Background()
	log := d.log.WithField("job_id", job.ID)

	if o.err == nil {
		updated, err := d.ledger.Update(ctx, job.ID, types.Completed(o.finished, o.raw))
		if err == nil {
			d.publish(updated)
			env := d.envelope(updated, http.StatusOK, o.value, "success", o.started, o.finished)
			d.notify(updated, env)
			return env, nil
		}
		log.WithError(err).Error("Failed to record result")
		o.err = fmt.Errorf("internal error: record result: %w", err)
	}

	msg := o.err.Error()
	maxRetries := 0
	if p != nil {
		maxRetries = p.maxRetries
	}
	if processing.Retryable(o.err) && o.attempt < maxRetries {
		updated, err := d.ledger.Update(ctx, job.ID, types.Retrying(o.attempt+1, msg))
		if err == nil {
			log.Warnf("Attempt %d failed, retrying: %s", o.attempt, msg)
			d.publish(updated)
			return nil, updated
		}
		log.WithError(err).Error("Failed to record retry")
	}

	log.Errorf("Job failed: %s", msg)
	updated, err := d.ledger.Update(ctx, job.ID, types.Failed(o.finished, msg))
	if err != nil {
		log.WithError(err).Error("Failed to record failure")
		updated = job
	} else {
		d.publish(updated)
	}
	env := d.envelope(updated, processing.StatusCode(o.err), nil, msg, o.started, o.finished)
	d.notify(updated, env)
	return env, nil
}

func (d *Dispatcher) envelope(job *types.Job, code int, response any, message string, started, finished time.Time) *types.Envelope {
	queueLen := 0
	if p := d.pools[job.Family]; p != nil {
		queueLen = len(p.queue)
	}
	return &types.Envelope{
		Endpoint:    job.Endpoint,
		Code:        code,
		ID:          types.CallerRef(job.CallerID),
		JobID:       job.ID,
		Response:    response,
		Message:     message,
		RunTime:     seconds(finished.Sub(started)),
		QueueTime:   seconds(started.Sub(job.CreatedAt)),
		TotalTime:   seconds(finished.Sub(job.CreatedAt)),
		QueueLength: queueLen,
	}
}

func (d *Dispatcher) notify(job *types.Job, env *types.Envelope) {
	if job.WebhookURL == "" || d.notifier == nil {
		return
	}
	d.notifier.Notify(job.WebhookURL, *env)
}

func (d *Dispatcher) publish(job *types.Job) {
	if d.broker != nil {
		d.broker.Publish(EventFor(job))
	}
}

// Recover re-admits jobs a previous process left unfinished. Async jobs go
// back on their family queue, a running one consuming a retry. Sync jobs
// lost their caller and are failed, as are jobs out of retries.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	jobs, err := d.ledger.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}

	requeued := 0
	for _, job := range jobs {
		op, ok := d.registry.Lookup(job.Operation)
		p := d.pools[job.Family]

		// Files of the interrupted attempt are never picked up again
		if job.Status == types.StatusRunning {
			if err := d.ws.Cleanup(job.ID); err != nil {
				d.log.WithError(err).Warnf("Failed to clean up workspace of job %s", job.ID)
			}
		}

		if !job.Async() || !ok || p == nil {
			d.failJob(job, interruptedMsg)
			continue
		}
		if job.Status == types.StatusRunning {
			if job.RetryCount >= p.maxRetries {
				d.failJob(job, interruptedMsg)
				continue
			}
			updated, err := d.ledger.Update(ctx, job.ID, types.Retrying(job.RetryCount+1, interruptedMsg))
			if err != nil {
				d.log.WithError(err).Errorf("Failed to recover job %s", job.ID)
				continue
			}
			d.publish(updated)
			job = updated
		}

		p.mu.Lock()
		ok = p.offer(&item{op: op, job: job})
		p.mu.Unlock()
		if !ok {
			d.failJob(job, "internal error: queue full on recovery")
			continue
		}
		requeued++
	}

	if len(jobs) > 0 {
		d.log.Infof("Recovered %d unfinished job(s), %d requeued", len(jobs), requeued)
	}
	return requeued, nil
}

// FamilyStats describes one pool
type FamilyStats struct {
	Workers     int `json:"workers"`
	Running     int `json:"running"`
	QueueLength int `json:"queue_length"`
}

// Stats reports every pool
func (d *Dispatcher) Stats() map[string]FamilyStats {
	out := make(map[string]FamilyStats, len(d.pools))
	for name, p := range d.pools {
		out[name] = FamilyStats{
			Workers:     p.workers,
			Running:     int(p.running.Load()),
			QueueLength: len(p.queue),
		}
	}
	return out
}

// MaxQueueLength is the configured queue bound, 0 when unbounded
func (d *Dispatcher) MaxQueueLength() int {
	return d.maxQueue
}

func (d *Dispatcher) familyNames() []string {
	names := make([]string, 0, len(d.pools))
	for name := range d.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newID() string {
	return uuid.NewString()
}

// Package webhook delivers job outcomes to caller-supplied URLs off the
// request path.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/media-toolkit/internal/types"
)

// Notifier posts envelopes to webhooks. Every Notify call runs on its own
// goroutine; Wait blocks until in-flight deliveries finish.
type Notifier struct {
	client *http.Client
	retry  RetryConfig
	log    *logrus.Entry

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Options configures a Notifier
type Options struct {
	Timeout time.Duration
	Retry   RetryConfig
}

// NewNotifier creates a notifier. A zero Retry delivers exactly once.
func NewNotifier(opts Options, logger *logrus.Logger) *Notifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = DefaultRetryConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		client: &http.Client{Timeout: opts.Timeout},
		retry:  opts.Retry,
		log:    logger.WithField("component", "webhook"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Notify schedules a POST of env to url and returns immediately.
// Failures are logged and dropped.
func (n *Notifier) Notify(url string, env types.Envelope) {
	if url == "" {
		return
	}

	body, err := json.Marshal(env)
	if err != nil {
		n.log.WithError(err).Errorf("Failed to encode webhook for job %s", env.JobID)
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(url, env.JobID, body)
	}()
}

func (n *Notifier) deliver(url, jobID string, body []byte) {
	entry := n.log.WithFields(logrus.Fields{"job_id": jobID, "url": url})
	attempt := 0

	err := retryWithBackoff(n.ctx, n.retry, func() error {
		attempt++
		return n.post(url, body)
	})
	if err != nil {
		entry.WithError(err).Errorf("Webhook delivery failed after %d attempt(s)", attempt)
		return
	}
	entry.Infof("Webhook delivered (attempt %d)", attempt)
}

func (n *Notifier) post(url string, body []byte) error {
	req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &permanentError{err: fmt.Errorf("invalid webhook request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return &permanentError{err: fmt.Errorf("webhook returned %d", resp.StatusCode)}
	default:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
}

// Wait blocks until every scheduled delivery has finished or ctx is done,
// in which case pending retries are abandoned.
func (n *Notifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return ctx.Err()
	}
}

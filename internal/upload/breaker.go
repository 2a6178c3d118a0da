package upload

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerUploader fails fast while the wrapped provider keeps failing, so a
// dead bucket doesn't tie up every worker for a full upload timeout.
type BreakerUploader struct {
	next Uploader
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker trips after maxFailures consecutive failures and probes again
// after openTimeout.
func WithBreaker(next Uploader, maxFailures uint32, openTimeout time.Duration, logger *logrus.Logger) *BreakerUploader {
	if maxFailures == 0 {
		maxFailures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("Upload circuit %s: %s -> %s", name, from, to)
		},
	})
	return &BreakerUploader{next: next, cb: cb}
}

// Name implements Uploader
func (b *BreakerUploader) Name() string {
	return b.next.Name()
}

// Upload implements Uploader. An open circuit returns gobreaker.ErrOpenState.
func (b *BreakerUploader) Upload(ctx context.Context, filePath string) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Upload(ctx, filePath)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// State reports the breaker state; /health shows it
func (b *BreakerUploader) State() string {
	return b.cb.State().String()
}

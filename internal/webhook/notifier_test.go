package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebuildervaibhav/media-toolkit/internal/logging"
	"github.com/codebuildervaibhav/media-toolkit/internal/types"
)

type recorder struct {
	mu     sync.Mutex
	bodies []types.Envelope
	hits   atomic.Int32
	status int
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.hits.Add(1)
	var env types.Envelope
	if err := json.NewDecoder(req.Body).Decode(&env); err == nil {
		r.mu.Lock()
		r.bodies = append(r.bodies, env)
		r.mu.Unlock()
	}
	w.WriteHeader(r.status)
}

func wait(t *testing.T, n *Notifier) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Wait(ctx))
}

func TestNotify_PostsEnvelope(t *testing.T) {
	rec := &recorder{status: http.StatusOK}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	n := NewNotifier(Options{}, logging.Discard())
	n.Notify(srv.URL, types.Envelope{
		Endpoint: "/v1/media/convert",
		Code:     200,
		ID:       types.CallerRef("caller-1"),
		JobID:    "job-1",
		Response: "http://out/a.mp3",
		Message:  "success",
	})
	wait(t, n)

	require.Len(t, rec.bodies, 1)
	got := rec.bodies[0]
	assert.Equal(t, 200, got.Code)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "caller-1", *got.ID)
	assert.Equal(t, "http://out/a.mp3", got.Response)
}

func TestNotify_SingleAttemptOnFailureByDefault(t *testing.T) {
	rec := &recorder{status: http.StatusInternalServerError}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	n := NewNotifier(Options{}, logging.Discard())
	n.Notify(srv.URL, types.Envelope{JobID: "job-1", Code: 500})
	wait(t, n)

	assert.Equal(t, int32(1), rec.hits.Load())
}

func TestNotify_RetriesWhenConfigured(t *testing.T) {
	rec := &recorder{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	n := NewNotifier(Options{Retry: RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}}, logging.Discard())
	n.Notify(srv.URL, types.Envelope{JobID: "job-1"})
	wait(t, n)

	assert.Equal(t, int32(3), rec.hits.Load())
}

func TestNotify_ClientErrorIsNotRetried(t *testing.T) {
	rec := &recorder{status: http.StatusNotFound}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	n := NewNotifier(Options{Retry: RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}}, logging.Discard())
	n.Notify(srv.URL, types.Envelope{JobID: "job-1"})
	wait(t, n)

	assert.Equal(t, int32(1), rec.hits.Load())
}

func TestNotify_UnreachableIsLoggedOnly(t *testing.T) {
	n := NewNotifier(Options{Timeout: time.Second}, logging.Discard())
	n.Notify("http://127.0.0.1:1/hook", types.Envelope{JobID: "job-1"})
	n.Notify("", types.Envelope{JobID: "job-2"})
	wait(t, n)
}

func TestNotify_DoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()

	n := NewNotifier(Options{}, logging.Discard())
	start := time.Now()
	n.Notify(srv.URL, types.Envelope{JobID: "slow"})
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	close(release)
	wait(t, n)
}

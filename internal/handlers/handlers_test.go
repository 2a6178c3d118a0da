package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebuildervaibhav/media-toolkit/internal/config"
	"github.com/codebuildervaibhav/media-toolkit/internal/logging"
	"github.com/codebuildervaibhav/media-toolkit/internal/processing"
	"github.com/codebuildervaibhav/media-toolkit/internal/queue"
	"github.com/codebuildervaibhav/media-toolkit/internal/storage"
	"github.com/codebuildervaibhav/media-toolkit/internal/types"
	"github.com/codebuildervaibhav/media-toolkit/internal/upload"
	"github.com/codebuildervaibhav/media-toolkit/internal/webhook"
	"github.com/codebuildervaibhav/media-toolkit/internal/workspace"
)

const apiKey = "test-key"

type testEnv struct {
	app    *fiber.App
	ledger storage.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger, logs := logging.New(logging.Options{Level: "error", Output: io.Discard, BufferLines: 100})

	ledger, err := storage.NewSQLiteLedger(filepath.Join(t.TempDir(), "jobs.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	ws, err := workspace.NewManager(t.TempDir(), logger)
	require.NoError(t, err)
	outputDir := t.TempDir()
	local, err := upload.NewLocal(outputDir, "http://localhost:8080")
	require.NoError(t, err)
	uploader := upload.WithBreaker(local, 3, time.Minute, logger)

	reg := processing.NewRegistry()
	processing.NewToolkit(processing.Tools{}, logger).Register(reg)

	notifier := webhook.NewNotifier(webhook.Options{Timeout: 2 * time.Second}, logger)
	broker := queue.NewBroker()
	d := queue.New(queue.Options{
		Registry:  reg,
		Ledger:    ledger,
		Workspace: ws,
		Uploader:  uploader,
		Notifier:  notifier,
		Broker:    broker,
		Settings:  config.Default().FamilySettings,
	}, logger)
	d.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Stop(ctx)
		notifier.Wait(ctx)
	})

	app := NewApp(Deps{
		APIKey:     apiKey,
		Dispatcher: d,
		Registry:   reg,
		Ledger:     ledger,
		Broker:     broker,
		Uploader:   uploader,
		Logs:       logs,
		StaticDir:  outputDir,
		Logger:     logger,
	})
	return &testEnv{app: app, ledger: ledger}
}

func do(t *testing.T, app *fiber.App, method, path, body string, authed bool) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := app.Test(req, 10000)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func TestHealth_IsOpen(t *testing.T) {
	env := newTestEnv(t)
	code, body := do(t, env.app, http.MethodGet, "/health", "", false)
	assert.Equal(t, 200, code)
	assert.Equal(t, "healthy", body["status"])
	families := body["families"].(map[string]any)
	assert.Contains(t, families, processing.OpTextChunks)
	assert.NotContains(t, families, processing.OpAuthenticate)
	up := body["upload"].(map[string]any)
	assert.Equal(t, "closed", up["breaker"])
	assert.True(t, strings.HasPrefix(up["provider"].(string), "local:"))
}

func TestAuth_RejectsMissingAndWrongKey(t *testing.T) {
	env := newTestEnv(t)

	code, body := do(t, env.app, http.MethodPost, "/v1/toolkit/authenticate", "", false)
	assert.Equal(t, 401, code)
	assert.Equal(t, map[string]any{"error": "Unauthorized"}, body)

	req := httptest.NewRequest(http.MethodGet, "/v1/job/x/status", nil)
	req.Header.Set("X-API-Key", "wrong")
	resp, err := env.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	code, body := do(t, env.app, http.MethodPost, "/v1/toolkit/authenticate", "", true)
	assert.Equal(t, 200, code)
	assert.Equal(t, "Authorized", body["response"])
	assert.Equal(t, "success", body["message"])
	assert.Equal(t, "/v1/toolkit/authenticate", body["endpoint"])
	assert.NotEmpty(t, body["job_id"])
}

func TestToolkitTest_UploadsFile(t *testing.T) {
	env := newTestEnv(t)
	code, body := do(t, env.app, http.MethodPost, "/v1/toolkit/test", "", true)
	require.Equal(t, 200, code, body)
	url := body["response"].(string)
	assert.True(t, strings.HasPrefix(url, "http://localhost:8080/static/"), url)

	req := httptest.NewRequest(http.MethodGet, strings.TrimPrefix(url, "http://localhost:8080"), nil)
	resp, err := env.app.Test(req)
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "Success", string(data))
}

func TestChunks_Sync(t *testing.T) {
	env := newTestEnv(t)
	code, body := do(t, env.app, http.MethodPost, "/v1/text/chunks", `{"text":"a b c","max_tokens":2,"id":"req-1"}`, true)
	require.Equal(t, 200, code, body)
	assert.Equal(t, "req-1", body["id"])

	resp := body["response"].(map[string]any)
	assert.Equal(t, []any{"a b", "b c"}, resp["chunks"])
	assert.Equal(t, float64(2), resp["count"])

	job, err := env.ledger.Get(context.Background(), body["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, "/v1/text/chunks", job.Endpoint)
	assert.Equal(t, "req-1", job.CallerID)
}

func TestValidation_RejectsWithoutLedgerEntry(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name, path, body, want string
	}{
		{"missing body", "/v1/text/chunks", "", "Missing JSON in request"},
		{"bad json", "/v1/text/chunks", "{", "Invalid JSON"},
		{"missing field", "/v1/text/chunks", `{"max_tokens":5}`, "text is required"},
		{"unknown field", "/v1/text/chunks", `{"text":"a","max_token":5}`, `unknown field "max_token"`},
		{"unknown field on bare params", "/v1/toolkit/authenticate", `{"token":"x"}`, `unknown field "token"`},
		{"trailing data", "/v1/text/chunks", `{"text":"a"} {}`, "Invalid JSON"},
		{"bad enum", "/v1/text/chunks", `{"text":"a","direction":"up"}`, "direction must be one of [left both]"},
		{"bad bitrate", "/v1/media/convert/mp3", `{"media_url":"http://a.test/x.mp4","bitrate":"128"}`, "bitrate must look like 128k"},
		{"bad url", "/v1/media/metadata", `{"media_url":"not a url"}`, "media_url must be a valid URL"},
		{"bad webhook", "/v1/media/metadata", `{"media_url":"http://a.test/x.mp4","webhook_url":"nope"}`, "webhook_url must be a valid URL"},
		{"screenshot needs a source", "/v1/image/screenshot/webpage", `{"format":"png"}`, "url is required"},
		{"screenshot with both", "/v1/image/screenshot/webpage", `{"url":"http://a.test","html":"<p>"}`, "url cannot be combined with html"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, env.app, http.MethodPost, tt.path, tt.body, true)
			assert.Equal(t, 400, code)
			assert.Contains(t, body["message"], tt.want)
		})
	}

	jobs, err := env.ledger.List(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestJobStatus_NotFound(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/job/missing/status", "/v1/job/missing/status"} {
		code, body := do(t, env.app, http.MethodGet, path, "", true)
		assert.Equal(t, 404, code)
		assert.Equal(t, map[string]any{"error": "Job not found", "job_id": "missing"}, body)
	}

	code, body := do(t, env.app, http.MethodPost, "/v1/toolkit/job/status", `{"job_id":"missing"}`, true)
	assert.Equal(t, 404, code)
	assert.Equal(t, "missing", body["job_id"])

	code, _ = do(t, env.app, http.MethodPost, "/v1/toolkit/job/status", `{}`, true)
	assert.Equal(t, 400, code)
}

func TestAsyncJob_WebhookAndStatus(t *testing.T) {
	env := newTestEnv(t)

	received := make(chan types.Envelope, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e types.Envelope
		json.NewDecoder(r.Body).Decode(&e)
		received <- e
	}))
	defer hook.Close()

	code, ack := do(t, env.app, http.MethodPost, "/v1/string/transform/chunks",
		`{"text":"one two three","max_tokens":2,"webhook_url":"`+hook.URL+`","id":"abc"}`, true)
	require.Equal(t, 202, code, ack)
	assert.Equal(t, "processing", ack["message"])
	assert.Equal(t, "abc", ack["id"])
	jobID := ack["job_id"].(string)

	var delivered types.Envelope
	select {
	case delivered = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
	assert.Equal(t, 200, delivered.Code)
	assert.Equal(t, jobID, delivered.JobID)
	require.NotNil(t, delivered.ID)
	assert.Equal(t, "abc", *delivered.ID)
	assert.Equal(t, "/v1/string/transform/chunks", delivered.Endpoint)

	code, body := do(t, env.app, http.MethodGet, "/v1/job/"+jobID+"/status", "", true)
	assert.Equal(t, 200, code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, hook.URL, body["webhook_url"])

	code, body = do(t, env.app, http.MethodPost, "/v1/toolkit/job/status", `{"job_id":"`+jobID+`"}`, true)
	assert.Equal(t, 200, code)
	assert.Equal(t, jobID, body["job_id"])

	code, body = do(t, env.app, http.MethodPost, "/v1/toolkit/jobs/status", "", true)
	assert.Equal(t, 200, code)
	assert.Equal(t, "completed", body[jobID])

	code, body = do(t, env.app, http.MethodPost, "/v1/toolkit/jobs/status", `{"since_seconds":-1}`, true)
	assert.Equal(t, 400, code)
}

func TestLogs_RequiresKey(t *testing.T) {
	env := newTestEnv(t)
	code, _ := do(t, env.app, http.MethodGet, "/logs", "", false)
	assert.Equal(t, 401, code)
	code, body := do(t, env.app, http.MethodGet, "/logs", "", true)
	assert.Equal(t, 200, code)
	assert.Contains(t, body, "logs")
}

type stubDispatcher struct {
	err  error
	reqs []queue.Request
}

func (s *stubDispatcher) Submit(ctx context.Context, req queue.Request) (*types.Envelope, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	return &types.Envelope{Code: 202, JobID: "j", Endpoint: req.Endpoint}, nil
}

func (s *stubDispatcher) Stats() map[string]queue.FamilyStats { return nil }

func (s *stubDispatcher) MaxQueueLength() int { return 3 }

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
		msg  string
	}{
		{queue.ErrQueueFull, 429, "MAX_QUEUE_LENGTH (3) reached"},
		{queue.ErrStopped, 503, "Service is shutting down"},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			reg := processing.NewRegistry()
			processing.NewToolkit(processing.Tools{}, logging.Discard()).Register(reg)
			app := NewApp(Deps{
				APIKey:     apiKey,
				Dispatcher: &stubDispatcher{err: tt.err},
				Registry:   reg,
				Logger:     logging.Discard(),
			})

			code, body := do(t, app, http.MethodPost, "/v1/text/chunks", `{"text":"a","webhook_url":"http://h.test","id":"x"}`, true)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.msg, body["message"])
			assert.Equal(t, "x", body["id"])
		})
	}
}

func TestSubmit_EndpointOutlivesRequest(t *testing.T) {
	reg := processing.NewRegistry()
	processing.NewToolkit(processing.Tools{}, logging.Discard()).Register(reg)
	stub := &stubDispatcher{}
	app := NewApp(Deps{APIKey: apiKey, Dispatcher: stub, Registry: reg, Logger: logging.Discard()})

	code, _ := do(t, app, http.MethodPost, "/v1/string/transform/chunks", `{"text":"a"}`, true)
	require.Equal(t, 202, code)
	// Later requests reuse the server's buffers
	for i := 0; i < 20; i++ {
		do(t, app, http.MethodPost, "/v1/media/metadata", `{"media_url":"http://a.test/x.mp4"}`, true)
	}

	require.Len(t, stub.reqs, 21)
	assert.Equal(t, "/v1/string/transform/chunks", stub.reqs[0].Endpoint)
	assert.Equal(t, processing.OpTextChunks, stub.reqs[0].Operation)
}

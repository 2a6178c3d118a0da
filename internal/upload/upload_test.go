package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebuildervaibhav/media-toolkit/internal/config"
	"github.com/codebuildervaibhav/media-toolkit/internal/logging"
)

func TestLocal_UploadCopiesIntoDatedTree(t *testing.T) {
	dir := t.TempDir()
	ls, err := NewLocal(filepath.Join(dir, "outputs"), "http://localhost:8080/")
	require.NoError(t, err)
	ls.now = func() time.Time { return time.Date(2025, 1, 23, 14, 30, 22, 0, time.UTC) }

	src := filepath.Join(dir, "job_0_output.mp3")
	require.NoError(t, os.WriteFile(src, []byte("audio"), 0644))

	url, err := ls.Upload(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/static/2025/01/23/20250123_143022_job_0_output.mp3", url)

	b, err := os.ReadFile(filepath.Join(dir, "outputs", "2025", "01", "23", "20250123_143022_job_0_output.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "audio", string(b))
}

func TestLocal_MissingSource(t *testing.T) {
	ls, err := NewLocal(t.TempDir(), "")
	require.NoError(t, err)
	_, err = ls.Upload(context.Background(), "/does/not/exist")
	assert.Error(t, err)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a_b.mp4", sanitizeFilename("/tmp/x/a b.mp4"))
	assert.Equal(t, "q_.png", sanitizeFilename("q?.png"))

	long := sanitizeFilename(strings.Repeat("x", 200) + ".mp3")
	assert.Len(t, long, 100)
	assert.True(t, strings.HasSuffix(long, ".mp3"))
}

func TestNewS3_DigitalOceanEndpointSuppliesBucket(t *testing.T) {
	s, err := NewS3(S3Options{
		Endpoint:  "https://media.nyc3.digitaloceanspaces.com",
		AccessKey: "ak",
		SecretKey: "sk",
	}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "media", s.bucket)
	assert.Equal(t, "https://nyc3.digitaloceanspaces.com/media", s.baseURL)

	_, err = NewS3(S3Options{Endpoint: "http://minio:9000", AccessKey: "ak", SecretKey: "sk"}, logging.Discard())
	assert.Error(t, err)
}

type flakyUploader struct {
	calls int
	err   error
}

func (f *flakyUploader) Name() string { return "flaky" }

func (f *flakyUploader) Upload(ctx context.Context, filePath string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "http://ok/" + filepath.Base(filePath), nil
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyUploader{err: errors.New("bucket down")}
	b := WithBreaker(inner, 2, time.Hour, logging.Discard())

	for i := 0; i < 2; i++ {
		_, err := b.Upload(context.Background(), "f")
		assert.EqualError(t, err, "bucket down")
	}
	_, err := b.Upload(context.Background(), "f")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, "open", b.State())
}

func TestBreaker_PassesResults(t *testing.T) {
	b := WithBreaker(&flakyUploader{}, 2, time.Second, logging.Discard())
	url, err := b.Upload(context.Background(), "/tmp/a.mp3")
	require.NoError(t, err)
	assert.Equal(t, "http://ok/a.mp3", url)
	assert.Equal(t, "flaky", b.Name())
}

func TestNew_LocalWithBreaker(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Root = t.TempDir()
	cfg.Upload.Provider = config.ProviderLocal
	cfg.Upload.Breaker.Enabled = true

	up, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &BreakerUploader{}, up)

	cfg.Upload.Provider = "ftp"
	_, err = New(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}

package processing

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Operation names
const (
	OpMediaConvert    = "media-convert"
	OpMediaConvertMP3 = "media-convert-mp3"
	OpMediaMetadata   = "media-metadata"
	OpTranscribe      = "transcribe"
	OpMediaUpload     = "media-upload"
	OpScreenshot      = "screenshot"
	OpTextChunks      = "text-chunks"
	OpToolkitTest     = "toolkit-test"
	OpAuthenticate    = "toolkit-authenticate"
)

// Tools locates the external programs functions shell out to
type Tools struct {
	FFmpeg       string
	FFprobe      string
	Python       string
	WhisperModel string
	ChromePath   string
}

// Toolkit implements the built-in operations
type Toolkit struct {
	tools  Tools
	client *http.Client
	log    *logrus.Logger
}

// NewToolkit fills in tool defaults
func NewToolkit(tools Tools, logger *logrus.Logger) *Toolkit {
	if tools.FFmpeg == "" {
		tools.FFmpeg = "ffmpeg"
	}
	if tools.FFprobe == "" {
		tools.FFprobe = "ffprobe"
	}
	if tools.Python == "" {
		tools.Python = "python"
	}
	if tools.WhisperModel == "" {
		tools.WhisperModel = "small"
	}
	return &Toolkit{
		tools:  tools,
		client: &http.Client{Timeout: 30 * time.Minute},
		log:    logger,
	}
}

// Register adds every built-in operation to reg
func (t *Toolkit) Register(reg *Registry) {
	reg.Register(Operation{
		Name:   OpMediaConvert,
		Fn:     FunctionFunc(t.ConvertMedia),
		Params: func() any { return &ConvertParams{} },
	})
	reg.Register(Operation{
		Name:   OpMediaConvertMP3,
		Family: OpMediaConvert,
		Fn:     FunctionFunc(t.ConvertMP3),
		Params: func() any { return &MP3Params{} },
	})
	reg.Register(Operation{
		Name:   OpMediaMetadata,
		Fn:     FunctionFunc(t.Metadata),
		Params: func() any { return &MediaParams{} },
	})
	reg.Register(Operation{
		Name:   OpTranscribe,
		Fn:     FunctionFunc(t.Transcribe),
		Params: func() any { return &TranscribeParams{} },
	})
	reg.Register(Operation{
		Name:   OpMediaUpload,
		Fn:     FunctionFunc(t.UploadMedia),
		Params: func() any { return &UploadParams{} },
	})
	reg.Register(Operation{
		Name:   OpScreenshot,
		Fn:     FunctionFunc(t.Screenshot),
		Params: func() any { return &ScreenshotParams{} },
	})
	reg.Register(Operation{
		Name:   OpTextChunks,
		Fn:     FunctionFunc(ChunkText),
		Params: func() any { return &ChunkParams{} },
	})
	reg.Register(Operation{
		Name:   OpToolkitTest,
		Fn:     FunctionFunc(ToolkitTest),
		Bypass: true,
	})
	reg.Register(Operation{
		Name:   OpAuthenticate,
		Fn:     FunctionFunc(Authenticate),
		Bypass: true,
	})
}

// download fetches rawURL into the job scope as role plus the URL's file
// extension and returns the local path.
func (t *Toolkit) download(jc *JobContext, rawURL, role string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", BadInput("invalid media_url %q", rawURL)
	}
	return t.fetch(jc, rawURL, jc.Scope.Path(role+strings.ToLower(path.Ext(u.Path))))
}

// fetch streams rawURL to dst
func (t *Toolkit) fetch(jc *JobContext, rawURL, dst string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", BadInput("invalid media_url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(jc.Context(), http.MethodGet, rawURL, nil)
	if err != nil {
		return "", BadInput("invalid media_url %q: %v", rawURL, err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download media: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", BadInput("failed to download media: source returned %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("failed to download media: source returned %d", resp.StatusCode)
	}

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create input file: %w", err)
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to download media: %w", err)
	}

	jc.Log.Debugf("Downloaded %s (%d bytes)", rawURL, n)
	return dst, nil
}

// run executes a tool under the job context so a timeout kills it.
// Tool failures are permanent: the same input fails the same way.
func run(jc *JobContext, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(jc.Context(), name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := jc.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, Permanent(fmt.Errorf("%s is not available: %w", name, err))
		}
		return nil, Permanent(fmt.Errorf("%s failed: %v\nOutput: %s", filepath.Base(name), err, tail(output, 2000)))
	}
	return output, nil
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}

// ToolkitTest writes a small file for the dispatcher to upload, proving the
// storage path end to end.
func ToolkitTest(jc *JobContext) (*Result, error) {
	p := jc.Scope.Path("success.txt")
	if err := os.WriteFile(p, []byte("Success"), 0644); err != nil {
		return nil, fmt.Errorf("failed to write test file: %w", err)
	}
	return &Result{File: p}, nil
}

// Authenticate only runs once the API key middleware has let the request in
func Authenticate(jc *JobContext) (*Result, error) {
	return &Result{Value: "Authorized"}, nil
}

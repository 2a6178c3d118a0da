package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebuildervaibhav/media-toolkit/internal/logging"
	"github.com/codebuildervaibhav/media-toolkit/internal/workspace"
)

func newJobContext(t *testing.T, params any) *JobContext {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir(), logging.Discard())
	require.NoError(t, err)

	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return NewJobContext(context.Background(), "job-1", 0, "/test", raw, ws.Scope("job-1", 0), logging.Discard().WithField("job_id", "job-1"))
}

// fakeTool writes a shell script standing in for ffmpeg/ffprobe
func fakeTool(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts stand in for external tools")
	}
	p := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return p
}

func mediaServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "missing.mp4") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("media-bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChunk(t *testing.T) {
	text := "a b c d e f g h i j"

	tests := []struct {
		name        string
		max         int
		overlap     float64
		overlapType string
		direction   string
		want        []string
	}{
		{"no overlap", 4, 0, "token", "left", []string{"a b c d", "e f g h", "i j"}},
		{"left overlap", 4, 1, "token", "left", []string{"a b c d", "d e f g", "g h i j", "j"}},
		{"both overlap", 8, 2, "token", "both", []string{"a b c d e f g h", "c d e f g h i j"}},
		{"percent", 4, 50, "percent", "left", []string{"a b c d", "c d e f", "e f g h", "g h i j", "i j"}},
		{"single chunk", 20, 0, "token", "both", []string{text}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Chunk(text, tt.max, tt.overlap, tt.overlapType, tt.direction)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChunk_Errors(t *testing.T) {
	_, err := Chunk("   ", 10, 0, "token", "both")
	assert.Error(t, err)
	_, err = Chunk("a b", 4, 4, "token", "both")
	assert.Error(t, err)
	_, err = Chunk("a b", 4, 100, "percent", "both")
	assert.Error(t, err)
	_, err = Chunk("a b", 4, 101, "percent", "both")
	assert.Error(t, err)
}

func TestChunkText_Defaults(t *testing.T) {
	jc := newJobContext(t, ChunkParams{Text: "one two three"})
	res, err := ChunkText(jc)
	require.NoError(t, err)

	m := res.Value.(map[string]any)
	assert.Equal(t, []string{"one two three"}, m["chunks"])
	assert.Equal(t, 1, m["count"])
	assert.Empty(t, res.File)
}

func TestChunkText_CloudWritesFile(t *testing.T) {
	jc := newJobContext(t, ChunkParams{Text: "one two three", MaxTokens: 2, ResponseType: "cloud"})
	res, err := ChunkText(jc)
	require.NoError(t, err)
	assert.Equal(t, "chunks_url", res.URLKey)

	data, err := os.ReadFile(res.File)
	require.NoError(t, err)
	// The last chunk is pinned to the end of the text
	assert.JSONEq(t, `["one two","two three"]`, string(data))
}

func TestChunkText_BadOverlapIsBadInput(t *testing.T) {
	overlap := 5.0
	jc := newJobContext(t, ChunkParams{Text: "a b c", MaxTokens: 2, Overlap: &overlap})
	_, err := ChunkText(jc)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
	assert.False(t, Retryable(err))
}

func TestErrors(t *testing.T) {
	plain := errors.New("network")
	assert.True(t, Retryable(plain))
	assert.Equal(t, 500, StatusCode(plain))

	perm := Permanent(plain)
	assert.False(t, Retryable(perm))
	assert.ErrorIs(t, perm, plain)
	assert.Nil(t, Permanent(nil))

	wrapped := errors.Join(errors.New("ctx"), BadInput("bad %s", "value"))
	assert.Equal(t, 400, StatusCode(wrapped))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	NewToolkit(Tools{}, logging.Discard()).Register(reg)

	op, ok := reg.Lookup(OpMediaConvertMP3)
	require.True(t, ok)
	assert.Equal(t, OpMediaConvert, op.Family)
	assert.IsType(t, &MP3Params{}, op.Params())

	auth, ok := reg.Lookup(OpAuthenticate)
	require.True(t, ok)
	assert.True(t, auth.Bypass)
	assert.IsType(t, &Common{}, auth.Params())

	_, ok = reg.Lookup("nope")
	assert.False(t, ok)

	assert.Equal(t, []string{OpMediaConvert, OpMediaMetadata, OpMediaUpload, OpScreenshot, OpTextChunks, OpTranscribe}, reg.Families())
}

func TestDownload(t *testing.T) {
	srv := mediaServer(t)
	tk := NewToolkit(Tools{}, logging.Discard())

	jc := newJobContext(t, nil)
	p, err := tk.download(jc, srv.URL+"/clip.MP4?x=1", "input")
	require.NoError(t, err)
	assert.Equal(t, jc.Scope.Path("input.mp4"), p)
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "media-bytes", string(b))

	_, err = tk.download(jc, srv.URL+"/missing.mp4", "input")
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))

	_, err = tk.download(jc, "ftp://example.com/a.mp4", "input")
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
}

func TestConvertMP3_WithFakeFFmpeg(t *testing.T) {
	srv := mediaServer(t)
	ffmpeg := fakeTool(t, `for last; do :; done; echo "$@" > "$last"`)
	tk := NewToolkit(Tools{FFmpeg: ffmpeg}, logging.Discard())

	jc := newJobContext(t, MP3Params{MediaURL: srv.URL + "/clip.mp4", SampleRate: 44100})
	res, err := tk.ConvertMP3(jc)
	require.NoError(t, err)
	assert.Equal(t, jc.Scope.Path("output.mp3"), res.File)

	args, err := os.ReadFile(res.File)
	require.NoError(t, err)
	assert.Contains(t, string(args), "-b:a 128k")
	assert.Contains(t, string(args), "-ar 44100")
	assert.Contains(t, string(args), jc.Scope.Path("input.mp4"))
}

func TestConvertMedia_ToolFailureIsPermanent(t *testing.T) {
	srv := mediaServer(t)
	ffmpeg := fakeTool(t, `echo "Invalid data found when processing input" >&2; exit 1`)
	tk := NewToolkit(Tools{FFmpeg: ffmpeg}, logging.Discard())

	jc := newJobContext(t, ConvertParams{MediaURL: srv.URL + "/clip.mp4", Format: "webm"})
	_, err := tk.ConvertMedia(jc)
	require.Error(t, err)
	assert.False(t, Retryable(err))
	assert.Contains(t, err.Error(), "Invalid data found")
}

func TestRun_MissingBinary(t *testing.T) {
	jc := newJobContext(t, nil)
	_, err := run(jc, filepath.Join(t.TempDir(), "no-such-tool"))
	require.Error(t, err)
	assert.False(t, Retryable(err))
}

func TestMetadata_WithFakeFFprobe(t *testing.T) {
	srv := mediaServer(t)
	ffprobe := fakeTool(t, `cat <<'EOF'
{"format":{"format_name":"mov,mp4","duration":"12.5","size":"1024","bit_rate":"655"},
 "streams":[{"codec_type":"video","codec_name":"h264","width":1280,"height":720,"avg_frame_rate":"30000/1001"},
            {"codec_type":"audio","codec_name":"aac","sample_rate":"44100","channels":2}]}
EOF`)
	tk := NewToolkit(Tools{FFprobe: ffprobe}, logging.Discard())

	res, err := tk.Metadata(newJobContext(t, MediaParams{MediaURL: srv.URL + "/clip.mp4"}))
	require.NoError(t, err)

	meta := res.Value.(*MediaMetadata)
	assert.Equal(t, 12.5, meta.Duration)
	assert.Equal(t, int64(1024), meta.Filesize)
	assert.True(t, meta.HasVideo)
	assert.Equal(t, 29.97, meta.FPS)
	assert.Equal(t, 44100, meta.SampleRate)
	assert.Equal(t, 2, meta.Channels)
}

func TestBuildTranscript(t *testing.T) {
	data := []byte(`{"text":" hello world ","language":"en","segments":[
		{"id":0,"start":0,"end":1.5,"text":" hello"},
		{"id":1,"start":1.5,"end":62.25,"text":" world"}]}`)

	tr, err := buildTranscript(data, TranscribeParams{IncludeSRT: true, IncludeSegments: true})
	require.NoError(t, err)
	require.NotNil(t, tr.Text)
	assert.Equal(t, "hello world", *tr.Text)
	assert.Equal(t, 62.25, tr.Duration)
	assert.Len(t, tr.Segments, 2)
	assert.Contains(t, *tr.SRT, "2\n00:00:01,500 --> 00:01:02,250\nworld\n")

	off := false
	tr, err = buildTranscript(data, TranscribeParams{IncludeText: &off})
	require.NoError(t, err)
	assert.Nil(t, tr.Text)
	assert.Nil(t, tr.SRT)
	assert.Nil(t, tr.Segments)
}

func TestToolkitTestAndAuthenticate(t *testing.T) {
	jc := newJobContext(t, nil)
	res, err := ToolkitTest(jc)
	require.NoError(t, err)
	b, err := os.ReadFile(res.File)
	require.NoError(t, err)
	assert.Equal(t, "Success", string(b))

	res, err = Authenticate(jc)
	require.NoError(t, err)
	assert.Equal(t, "Authorized", res.Value)
}

func TestScreenshot_RequiresExactlyOneSource(t *testing.T) {
	tk := NewToolkit(Tools{}, logging.Discard())
	_, err := tk.Screenshot(newJobContext(t, ScreenshotParams{URL: "http://a", HTML: "<p>"}))
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
	_, err = tk.Screenshot(newJobContext(t, ScreenshotParams{}))
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
}

func TestPNGToJPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for x := 0; x < 8; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var src bytes.Buffer
	require.NoError(t, png.Encode(&src, img))

	out, err := pngToJPEG(src.Bytes(), 0)
	require.NoError(t, err)
	decoded, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())

	_, err = pngToJPEG([]byte("not an image"), 80)
	assert.Error(t, err)
}

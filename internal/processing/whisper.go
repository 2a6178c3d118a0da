package processing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TranscribeParams configures a Whisper run
type TranscribeParams struct {
	Common
	MediaURL        string `json:"media_url" validate:"required,url"`
	Task            string `json:"task,omitempty" validate:"omitempty,oneof=transcribe translate"`
	Language        string `json:"language,omitempty" validate:"omitempty,max=16"`
	IncludeText     *bool  `json:"include_text,omitempty"`
	IncludeSRT      bool   `json:"include_srt,omitempty"`
	IncludeSegments bool   `json:"include_segments,omitempty"`
	WordTimestamps  bool   `json:"word_timestamps,omitempty"`
	InitialPrompt   string `json:"initial_prompt,omitempty" validate:"omitempty,max=1000"`
	ResponseType    string `json:"response_type,omitempty" validate:"omitempty,oneof=direct cloud"`
}

// Segment is a timestamped piece of a transcript
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the response of the transcribe operation
type Transcript struct {
	Text     *string   `json:"text"`
	SRT      *string   `json:"srt"`
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	TextURL  string    `json:"text_url,omitempty"`
}

// whisperOutput matches Python Whisper's JSON output format
type whisperOutput struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		ID    int     `json:"id"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe normalizes the input and runs `python -m whisper` on it
func (t *Toolkit) Transcribe(jc *JobContext) (*Result, error) {
	var p TranscribeParams
	if err := jc.Bind(&p); err != nil {
		return nil, err
	}
	if p.Task == "" {
		p.Task = "transcribe"
	}

	input, err := t.download(jc, p.MediaURL, "input")
	if err != nil {
		return nil, err
	}
	normalized, err := t.normalizeAudio(jc, input)
	if err != nil {
		return nil, err
	}

	outDir, err := jc.Scope.Dir("whisper")
	if err != nil {
		return nil, err
	}

	absAudioPath, err := filepath.Abs(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	args := []string{"-m", "whisper",
		absAudioPath,
		"--model", t.tools.WhisperModel,
		"--output_dir", outDir,
		"--output_format", "json", // Get JSON for segments
		"--task", p.Task,
		"--fp16", "False", // Disable fp16 for CPU compatibility
	}
	if p.Language != "" {
		args = append(args, "--language", p.Language)
	}
	if p.InitialPrompt != "" {
		args = append(args, "--initial_prompt", p.InitialPrompt)
	}
	if p.WordTimestamps {
		args = append(args, "--word_timestamps", "True")
	}

	jc.Log.Infof("Transcribing with Whisper (%s): %s", t.tools.WhisperModel, p.MediaURL)
	if _, err := run(jc, t.tools.Python, args...); err != nil {
		return nil, err
	}

	baseName := strings.TrimSuffix(filepath.Base(normalized), filepath.Ext(normalized))
	jsonData, err := os.ReadFile(filepath.Join(outDir, baseName+".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read whisper output: %w", err)
	}

	transcript, err := buildTranscript(jsonData, p)
	if err != nil {
		return nil, err
	}
	jc.Log.Infof("Transcription completed: %d segments, %.2fs duration", len(transcript.Segments), transcript.Duration)

	if p.ResponseType != "cloud" {
		return &Result{Value: transcript}, nil
	}

	// Cloud responses upload the full transcript and return only its URL
	file := jc.Scope.Path("transcript.json")
	data, err := json.Marshal(transcript)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(file, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write transcript: %w", err)
	}
	return &Result{
		Value:  map[string]any{"text": nil, "srt": nil, "segments": nil, "language": transcript.Language, "duration": transcript.Duration},
		File:   file,
		URLKey: "transcript_url",
	}, nil
}

func buildTranscript(jsonData []byte, p TranscribeParams) (*Transcript, error) {
	var out whisperOutput
	if err := json.Unmarshal(jsonData, &out); err != nil {
		return nil, Permanent(fmt.Errorf("failed to parse whisper JSON: %w", err))
	}

	segments := make([]Segment, len(out.Segments))
	for i, seg := range out.Segments {
		segments[i] = Segment{
			Start: seg.Start,
			End:   seg.End,
			Text:  strings.TrimSpace(seg.Text),
		}
	}

	// Duration is the last segment end time
	var duration float64
	if len(segments) > 0 {
		duration = segments[len(segments)-1].End
	}

	t := &Transcript{Language: out.Language, Duration: duration}
	if p.IncludeText == nil || *p.IncludeText {
		text := strings.TrimSpace(out.Text)
		t.Text = &text
	}
	if p.IncludeSRT {
		srt := toSRT(segments)
		t.SRT = &srt
	}
	if p.IncludeSegments {
		t.Segments = segments
	}
	return t, nil
}

func toSRT(segments []Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, srtTime(seg.Start), srtTime(seg.End), seg.Text)
	}
	return b.String()
}

// srtTime formats seconds as 00:01:02,345
func srtTime(sec float64) string {
	ms := int64(sec*1000 + 0.5)
	h := ms / 3_600_000
	ms %= 3_600_000
	m := ms / 60_000
	ms %= 60_000
	s := ms / 1000
	ms %= 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

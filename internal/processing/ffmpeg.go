package processing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MediaParams is the input of operations that only need a source file
type MediaParams struct {
	Common
	MediaURL string `json:"media_url" validate:"required,url"`
}

// ConvertParams configures a general transcode
type ConvertParams struct {
	Common
	MediaURL     string   `json:"media_url" validate:"required,url"`
	Format       string   `json:"format,omitempty" validate:"omitempty,alphanum,max=10"`
	VideoCodec   string   `json:"video_codec,omitempty" validate:"omitempty,max=32"`
	VideoPreset  string   `json:"video_preset,omitempty" validate:"omitempty,max=32"`
	VideoCRF     *float64 `json:"video_crf,omitempty" validate:"omitempty,min=0,max=51"`
	AudioCodec   string   `json:"audio_codec,omitempty" validate:"omitempty,max=32"`
	AudioBitrate string   `json:"audio_bitrate,omitempty" validate:"omitempty,max=16"`
}

// MP3Params configures an audio extraction to MP3
type MP3Params struct {
	Common
	MediaURL   string `json:"media_url" validate:"required,url"`
	Bitrate    string `json:"bitrate,omitempty" validate:"omitempty,bitrate"`
	SampleRate int    `json:"sample_rate,omitempty" validate:"omitempty,min=1"`
}

// UploadParams copies a remote file to the configured storage
type UploadParams struct {
	Common
	MediaURL string `json:"media_url" validate:"required,url"`
	FileName string `json:"file_name,omitempty" validate:"omitempty,max=100"`
}

// ConvertMedia transcodes media_url into the requested container
func (t *Toolkit) ConvertMedia(jc *JobContext) (*Result, error) {
	var p ConvertParams
	if err := jc.Bind(&p); err != nil {
		return nil, err
	}
	if p.Format == "" {
		p.Format = "mp3"
	}

	input, err := t.download(jc, p.MediaURL, "input")
	if err != nil {
		return nil, err
	}

	output := jc.Scope.Path("output." + strings.ToLower(p.Format))
	args := []string{"-i", input}
	if p.VideoCodec != "" {
		args = append(args, "-c:v", p.VideoCodec)
	}
	if p.VideoPreset != "" {
		args = append(args, "-preset", p.VideoPreset)
	}
	if p.VideoCRF != nil {
		args = append(args, "-crf", strconv.FormatFloat(*p.VideoCRF, 'f', -1, 64))
	}
	if p.AudioCodec != "" {
		args = append(args, "-c:a", p.AudioCodec)
	}
	if p.AudioBitrate != "" {
		args = append(args, "-b:a", p.AudioBitrate)
	}
	args = append(args, "-y", output)

	if _, err := run(jc, t.tools.FFmpeg, args...); err != nil {
		return nil, err
	}
	jc.Log.Infof("Converted %s to %s", p.MediaURL, p.Format)
	return &Result{File: output}, nil
}

// ConvertMP3 extracts the audio track as MP3
func (t *Toolkit) ConvertMP3(jc *JobContext) (*Result, error) {
	var p MP3Params
	if err := jc.Bind(&p); err != nil {
		return nil, err
	}
	if p.Bitrate == "" {
		p.Bitrate = "128k"
	}

	input, err := t.download(jc, p.MediaURL, "input")
	if err != nil {
		return nil, err
	}

	output := jc.Scope.Path("output.mp3")
	args := []string{
		"-i", input,
		"-vn",                   // Drop video
		"-acodec", "libmp3lame", // MP3 encoder
		"-b:a", p.Bitrate,
	}
	if p.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(p.SampleRate))
	}
	args = append(args, "-y", output)

	if _, err := run(jc, t.tools.FFmpeg, args...); err != nil {
		return nil, err
	}
	return &Result{File: output}, nil
}

// normalizeAudio converts any input to 16kHz mono WAV for Whisper
func (t *Toolkit) normalizeAudio(jc *JobContext, input string) (string, error) {
	output := jc.Scope.Path("normalized.wav")

	_, err := run(jc, t.tools.FFmpeg,
		"-i", input,
		"-ar", "16000", // 16kHz sample rate
		"-ac", "1", // Mono
		"-c:a", "pcm_s16le", // 16-bit PCM
		"-y", // Overwrite output
		output,
	)
	if err != nil {
		return "", err
	}
	return output, nil
}

// UploadMedia downloads a remote file and hands it to the uploader unchanged
func (t *Toolkit) UploadMedia(jc *JobContext) (*Result, error) {
	var p UploadParams
	if err := jc.Bind(&p); err != nil {
		return nil, err
	}

	var (
		input string
		err   error
	)
	if p.FileName != "" {
		input, err = t.fetch(jc, p.MediaURL, jc.Scope.Path(p.FileName))
	} else {
		input, err = t.download(jc, p.MediaURL, "upload")
	}
	if err != nil {
		return nil, err
	}
	return &Result{File: input}, nil
}

// ffprobeOutput is the subset of `ffprobe -show_format -show_streams` we read
type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		SampleRate   string `json:"sample_rate"`
		Channels     int    `json:"channels"`
		BitRate      string `json:"bit_rate"`
	} `json:"streams"`
}

// MediaMetadata is the response of the metadata operation
type MediaMetadata struct {
	Duration   float64 `json:"duration"`
	Format     string  `json:"format"`
	Filesize   int64   `json:"filesize"`
	OverallBPS int64   `json:"overall_bitrate"`
	HasVideo   bool    `json:"has_video"`
	HasAudio   bool    `json:"has_audio"`
	VideoCodec string  `json:"video_codec,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	AudioCodec string  `json:"audio_codec,omitempty"`
	SampleRate int     `json:"audio_sample_rate,omitempty"`
	Channels   int     `json:"audio_channels,omitempty"`
}

// Metadata probes media_url with ffprobe
func (t *Toolkit) Metadata(jc *JobContext) (*Result, error) {
	var p MediaParams
	if err := jc.Bind(&p); err != nil {
		return nil, err
	}

	input, err := t.download(jc, p.MediaURL, "input")
	if err != nil {
		return nil, err
	}

	out, err := run(jc, t.tools.FFprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	)
	if err != nil {
		return nil, err
	}

	meta, err := parseProbe(out)
	if err != nil {
		return nil, err
	}
	return &Result{Value: meta}, nil
}

func parseProbe(out []byte) (*MediaMetadata, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, Permanent(fmt.Errorf("failed to parse ffprobe output: %w", err))
	}

	meta := &MediaMetadata{Format: probe.Format.FormatName}
	meta.Duration, _ = strconv.ParseFloat(probe.Format.Duration, 64)
	meta.Filesize, _ = strconv.ParseInt(probe.Format.Size, 10, 64)
	meta.OverallBPS, _ = strconv.ParseInt(probe.Format.BitRate, 10, 64)

	for _, s := range probe.Streams {
		switch s.CodecType {
		case "video":
			if meta.HasVideo {
				continue
			}
			meta.HasVideo = true
			meta.VideoCodec = s.CodecName
			meta.Width = s.Width
			meta.Height = s.Height
			meta.FPS = parseRate(s.AvgFrameRate)
		case "audio":
			if meta.HasAudio {
				continue
			}
			meta.HasAudio = true
			meta.AudioCodec = s.CodecName
			meta.SampleRate, _ = strconv.Atoi(s.SampleRate)
			meta.Channels = s.Channels
		}
	}
	return meta, nil
}

// parseRate turns ffprobe's "30000/1001" into frames per second
func parseRate(r string) float64 {
	num, den, ok := strings.Cut(r, "/")
	if !ok {
		f, _ := strconv.ParseFloat(r, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return float64(int(n/d*100+0.5)) / 100
}

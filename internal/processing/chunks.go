package processing

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ChunkParams configures ChunkText
type ChunkParams struct {
	Common
	Text         string   `json:"text" validate:"required"`
	MaxTokens    int      `json:"max_tokens,omitempty" validate:"omitempty,min=1,max=10000"`
	Overlap      *float64 `json:"overlap,omitempty" validate:"omitempty,min=0"`
	OverlapType  string   `json:"overlap_type,omitempty" validate:"omitempty,oneof=percent token"`
	Direction    string   `json:"direction,omitempty" validate:"omitempty,oneof=left both"`
	ResponseType string   `json:"response_type,omitempty" validate:"omitempty,oneof=direct cloud"`
}

// ChunkText splits text into word chunks of at most max_tokens words with
// optional overlap.
func ChunkText(jc *JobContext) (*Result, error) {
	var p ChunkParams
	if err := jc.Bind(&p); err != nil {
		return nil, err
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = 500
	}
	overlap := 0.0
	if p.Overlap != nil {
		overlap = *p.Overlap
	}
	if p.OverlapType == "" {
		p.OverlapType = "token"
	}
	if p.Direction == "" {
		p.Direction = "both"
	}

	chunks, err := Chunk(p.Text, p.MaxTokens, overlap, p.OverlapType, p.Direction)
	if err != nil {
		return nil, BadInput("%v", err)
	}

	if p.ResponseType != "cloud" {
		return &Result{Value: map[string]any{"chunks": chunks, "chunks_url": nil, "count": len(chunks)}}, nil
	}

	file := jc.Scope.Path("chunks.json")
	data, err := json.Marshal(chunks)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(file, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write chunks: %w", err)
	}
	return &Result{
		Value:  map[string]any{"chunks": nil, "count": len(chunks)},
		File:   file,
		URLKey: "chunks_url",
	}, nil
}

// Chunk splits on whitespace. overlapType "percent" treats overlap as a
// percentage of maxTokens, "token" as a word count. Direction "left"
// overlaps each chunk with the previous one only; "both" centres middle
// chunks and pins the last chunk to the end of the text.
func Chunk(text string, maxTokens int, overlap float64, overlapType, direction string) ([]string, error) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, fmt.Errorf("input text is empty or contains only whitespace")
	}
	if maxTokens < 1 {
		return nil, fmt.Errorf("max_tokens must be at least 1")
	}

	var overlapSize int
	if overlapType == "percent" {
		if overlap < 0 || overlap > 100 {
			return nil, fmt.Errorf("percentage overlap must be between 0 and 100")
		}
		overlapSize = int(float64(maxTokens) * (overlap / 100))
	} else {
		if overlap < 0 || overlap >= float64(maxTokens) {
			return nil, fmt.Errorf("token overlap must be less than max_tokens")
		}
		overlapSize = int(overlap)
	}
	if overlapSize >= maxTokens {
		return nil, fmt.Errorf("overlap size cannot be greater than or equal to chunk size")
	}

	coreSize := maxTokens - overlapSize
	n := len(words)

	var chunks []string
	for pos := 0; pos < n; pos += coreSize {
		var start, end int
		switch {
		case direction == "left":
			start, end = pos, min(pos+maxTokens, n)
		case pos == 0:
			start, end = 0, min(maxTokens, n)
		case pos+coreSize >= n:
			start, end = max(0, n-maxTokens), n
		default:
			start = pos - overlapSize
			end = min(start+maxTokens, n)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
	}
	return chunks, nil
}

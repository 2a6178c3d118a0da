package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// LocalStorage copies results under a dated output tree that the HTTP
// server exposes at /static.
type LocalStorage struct {
	outputDir string
	publicURL string
	now       func() time.Time
}

// NewLocal creates the output directory if needed
func NewLocal(outputDir, publicURL string) (*LocalStorage, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &LocalStorage{
		outputDir: outputDir,
		publicURL: strings.TrimRight(publicURL, "/"),
		now:       time.Now,
	}, nil
}

// Name implements Uploader
func (ls *LocalStorage) Name() string {
	return "local:" + ls.outputDir
}

// Upload copies filePath to outputs/2025/01/23/20250123_143022_<name>
func (ls *LocalStorage) Upload(ctx context.Context, filePath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := ls.now()
	rel := path.Join(
		fmt.Sprintf("%d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()),
		fmt.Sprintf("%s_%s", now.Format("20060102_150405"), sanitizeFilename(filePath)),
	)
	dst := filepath.Join(ls.outputDir, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("failed to create date directory: %w", err)
	}
	if err := copyFile(filePath, dst); err != nil {
		return "", err
	}
	return ls.publicURL + "/static/" + rel, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open result file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy result file: %w", err)
	}
	return out.Close()
}

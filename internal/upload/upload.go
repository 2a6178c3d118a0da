// Package upload delivers finished job files to where callers can fetch
// them: local static output, an S3-compatible bucket, GCS or Google Drive.
package upload

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/media-toolkit/internal/config"
)

// Uploader stores a file and returns a URL for it
type Uploader interface {
	Upload(ctx context.Context, filePath string) (string, error)
	Name() string
}

// New builds the uploader selected by cfg.Upload.Provider, wrapped in a
// circuit breaker when enabled.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (Uploader, error) {
	var (
		up  Uploader
		err error
	)

	switch cfg.Upload.Provider {
	case config.ProviderLocal, "":
		up, err = NewLocal(filepath.Join(cfg.Storage.Root, cfg.Storage.OutputDir), cfg.Storage.PublicURL)
	case config.ProviderS3:
		up, err = NewS3(S3Options{
			Endpoint:   cfg.Upload.S3.Endpoint,
			AccessKey:  cfg.Upload.S3.AccessKey,
			SecretKey:  cfg.Upload.S3.SecretKey,
			Bucket:     cfg.Upload.S3.Bucket,
			Region:     cfg.Upload.S3.Region,
			UseSSL:     cfg.Upload.S3.UseSSL,
			PresignTTL: cfg.Upload.S3.PresignTTL,
		}, logger)
	case config.ProviderGCS:
		up, err = NewGCS(ctx, cfg.Upload.GCS.Bucket, cfg.Upload.GCS.CredentialsFile)
	case config.ProviderGDrive:
		g := cfg.Upload.GDrive
		up, err = NewDrive(ctx, g.CredentialsFile, g.TokenFile, g.FolderName)
	default:
		return nil, fmt.Errorf("unknown upload provider %q", cfg.Upload.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s uploader: %w", cfg.Upload.Provider, err)
	}

	if cfg.Upload.Breaker.Enabled {
		up = WithBreaker(up, cfg.Upload.Breaker.MaxFailures, cfg.Upload.Breaker.OpenTimeout, logger)
	}
	logger.Infof("Uploads go to %s", up.Name())
	return up, nil
}

// sanitizeFilename keeps the base name and replaces characters object
// stores and Drive dislike.
func sanitizeFilename(name string) string {
	result := filepath.Base(name)
	result = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, result)
	if len(result) > 100 {
		ext := filepath.Ext(result)
		if len(ext) > 10 {
			ext = ""
		}
		result = result[:100-len(ext)] + ext
	}
	return result
}

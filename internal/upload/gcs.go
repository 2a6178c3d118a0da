package upload

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/storage/v1"
)

// GCSStorage uploads objects through the Cloud Storage JSON API
type GCSStorage struct {
	service *storage.Service
	bucket  string
}

// NewGCS uses the service account file when given, application default
// credentials otherwise.
func NewGCS(ctx context.Context, bucket, credentialsFile string) (*GCSStorage, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	srv, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create storage service: %w", err)
	}
	return &GCSStorage{service: srv, bucket: bucket}, nil
}

// Name implements Uploader
func (g *GCSStorage) Name() string {
	return "gcs:" + g.bucket
}

// Upload stores the file and returns its public storage.googleapis.com URL
func (g *GCSStorage) Upload(ctx context.Context, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open result file: %w", err)
	}
	defer f.Close()

	name := uuid.NewString()[:8] + "_" + sanitizeFilename(filePath)
	contentType := mime.TypeByExtension(filepath.Ext(filePath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	obj, err := g.service.Objects.Insert(g.bucket, &storage.Object{Name: name}).
		Media(f, googleapi.ContentType(contentType)).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("failed to upload to gcs: %w", err)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", obj.Bucket, url.PathEscape(obj.Name)), nil
}

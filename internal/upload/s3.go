package upload

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

// S3Options configures an S3-compatible target (AWS, MinIO, DigitalOcean Spaces)
type S3Options struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	Region     string
	UseSSL     bool
	PresignTTL time.Duration
}

// S3Storage uploads through the MinIO client
type S3Storage struct {
	client     *minio.Client
	bucket     string
	baseURL    string
	presignTTL time.Duration
}

// NewS3 builds the client. Endpoint may be a bare host or a URL; for a
// DigitalOcean Spaces URL such as https://media.nyc3.digitaloceanspaces.com
// the bucket and region are taken from the host when not configured.
func NewS3(opts S3Options, logger *logrus.Logger) (*S3Storage, error) {
	host, secure, err := parseEndpoint(opts.Endpoint, opts.UseSSL)
	if err != nil {
		return nil, err
	}

	if strings.Contains(strings.ToLower(host), "digitalocean") && (opts.Bucket == "" || opts.Region == "") {
		parts := strings.Split(host, ".")
		if len(parts) >= 4 {
			if opts.Bucket == "" {
				opts.Bucket = parts[0]
				logger.Infof("Extracted bucket name from endpoint: %s", opts.Bucket)
			}
			if opts.Region == "" {
				opts.Region = parts[1]
				logger.Infof("Extracted region from endpoint: %s", opts.Region)
			}
			host = strings.Join(parts[1:], ".")
		}
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is not configured")
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize s3 client: %w", err)
	}

	scheme := "http"
	if secure {
		scheme = "https"
	}
	return &S3Storage{
		client:     client,
		bucket:     opts.Bucket,
		baseURL:    fmt.Sprintf("%s://%s/%s", scheme, host, opts.Bucket),
		presignTTL: opts.PresignTTL,
	}, nil
}

func parseEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("s3 endpoint is not configured")
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, useSSL, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid s3 endpoint %q: %w", endpoint, err)
	}
	return u.Host, u.Scheme == "https", nil
}

// Name implements Uploader
func (s *S3Storage) Name() string {
	return "s3:" + s.bucket
}

// Upload puts the file under a unique key and returns its public URL, or a
// presigned GET URL when a presign TTL is set.
func (s *S3Storage) Upload(ctx context.Context, filePath string) (string, error) {
	key := uuid.NewString()[:8] + "_" + sanitizeFilename(filePath)

	contentType := mime.TypeByExtension(filepath.Ext(filePath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	putOpts := minio.PutObjectOptions{ContentType: contentType}
	if s.presignTTL == 0 {
		putOpts.UserMetadata = map[string]string{"x-amz-acl": "public-read"}
	}

	if _, err := s.client.FPutObject(ctx, s.bucket, key, filePath, putOpts); err != nil {
		return "", fmt.Errorf("failed to upload to s3: %w", err)
	}

	if s.presignTTL > 0 {
		u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.presignTTL, nil)
		if err != nil {
			return "", fmt.Errorf("failed to presign s3 url: %w", err)
		}
		return u.String(), nil
	}
	return s.baseURL + "/" + url.PathEscape(key), nil
}

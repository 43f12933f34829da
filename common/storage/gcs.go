package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/tasklineio/jobrunner-http-service/common/config"
)

// GCSStorage implements StorageService on Google Cloud Storage.
type GCSStorage struct {
	client *storage.Client
	bucket string
}

// NewGCSStorage creates a new GCS storage service against the configured
// bucket.
func NewGCSStorage(ctx context.Context, cfg config.GCSConfig) (*GCSStorage, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	return &GCSStorage{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Upload uploads content and returns a gs:// reference.
func (g *GCSStorage) Upload(ctx context.Context, objectName string, content []byte, contentType string) (string, error) {
	return g.StreamUpload(ctx, objectName, bytes.NewReader(content), contentType)
}

// StreamUpload uploads from a reader and returns a gs:// reference.
func (g *GCSStorage) StreamUpload(ctx context.Context, objectName string, reader io.Reader, contentType string) (string, error) {
	wc := g.client.Bucket(g.bucket).Object(objectName).NewWriter(ctx)
	wc.ContentType = contentType

	if _, err := io.Copy(wc, reader); err != nil {
		wc.Close()
		return "", fmt.Errorf("uploading object %s: %w", objectName, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("finalizing object %s: %w", objectName, err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, objectName), nil
}

// Download downloads an object.
func (g *GCSStorage) Download(ctx context.Context, objectName string) ([]byte, error) {
	rc, err := g.client.Bucket(g.bucket).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening object %s: %w", objectName, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", objectName, err)
	}
	return data, nil
}

// Delete deletes an object.
func (g *GCSStorage) Delete(ctx context.Context, objectName string) error {
	if err := g.client.Bucket(g.bucket).Object(objectName).Delete(ctx); err != nil {
		return fmt.Errorf("deleting object %s: %w", objectName, err)
	}
	return nil
}

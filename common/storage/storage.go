package storage

import (
	"context"
	"io"
)

// StorageService is where pipelines put their result artifacts. The returned
// reference is what a job record carries as its output artifact.
type StorageService interface {
	// Upload stores content under objectName and returns an artifact reference
	Upload(ctx context.Context, objectName string, content []byte, contentType string) (string, error)

	// StreamUpload stores content from a reader and returns an artifact reference
	StreamUpload(ctx context.Context, objectName string, reader io.Reader, contentType string) (string, error)

	// Download fetches an artifact back by object name
	Download(ctx context.Context, objectName string) ([]byte, error)

	// Delete removes an artifact
	Delete(ctx context.Context, objectName string) error
}

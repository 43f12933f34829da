package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage keeps artifacts on the local filesystem. It is the default
// when no GCS bucket is configured, and what the tests run against.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates the root directory if needed.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir %s: %w", root, err)
	}
	return &LocalStorage{root: root}, nil
}

func (l *LocalStorage) path(objectName string) (string, error) {
	clean := filepath.Clean(objectName)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid object name %q", objectName)
	}
	return filepath.Join(l.root, clean), nil
}

// Upload writes content to disk and returns a file:// reference.
func (l *LocalStorage) Upload(ctx context.Context, objectName string, content []byte, contentType string) (string, error) {
	return l.StreamUpload(ctx, objectName, bytes.NewReader(content), contentType)
}

// StreamUpload writes from a reader to disk and returns a file:// reference.
func (l *LocalStorage) StreamUpload(ctx context.Context, objectName string, reader io.Reader, _ string) (string, error) {
	p, err := l.path(objectName)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("creating artifact subdir: %w", err)
	}

	f, err := os.Create(p)
	if err != nil {
		return "", fmt.Errorf("creating artifact file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, reader); err != nil {
		return "", fmt.Errorf("writing artifact %s: %w", objectName, err)
	}
	return "file://" + p, nil
}

// ReadLocalRef reads an artifact back from a file:// reference produced by
// LocalStorage.
func ReadLocalRef(ref string) ([]byte, error) {
	p, ok := strings.CutPrefix(ref, "file://")
	if !ok {
		return nil, fmt.Errorf("not a local artifact reference: %q", ref)
	}
	return os.ReadFile(p)
}

// Download reads an artifact back.
func (l *LocalStorage) Download(ctx context.Context, objectName string) ([]byte, error) {
	p, err := l.path(objectName)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// Delete removes an artifact.
func (l *LocalStorage) Delete(ctx context.Context, objectName string) error {
	p, err := l.path(objectName)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

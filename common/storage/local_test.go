package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorageRoundtrip(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	ref, err := store.Upload(ctx, "run/manifest.json", []byte(`{"ok":true}`), "application/json")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "file://"))

	data, err := store.Download(ctx, "run/manifest.json")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))

	fromRef, err := ReadLocalRef(ref)
	require.NoError(t, err)
	assert.Equal(t, data, fromRef)

	require.NoError(t, store.Delete(ctx, "run/manifest.json"))
	_, err = store.Download(ctx, "run/manifest.json")
	assert.Error(t, err)
}

func TestLocalStorageStreamUpload(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ref, err := store.StreamUpload(context.Background(), "stream.bin", strings.NewReader("payload"), "application/octet-stream")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "file://"))

	data, err := store.Download(context.Background(), "stream.bin")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestLocalStorageRejectsTraversal(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Upload(ctx, "../outside.txt", []byte("nope"), "text/plain")
	assert.Error(t, err)

	_, err = store.Upload(ctx, "/etc/passwd", []byte("nope"), "text/plain")
	assert.Error(t, err)

	_, err = store.Download(ctx, "../../secret")
	assert.Error(t, err)
}

func TestReadLocalRefRejectsForeignScheme(t *testing.T) {
	_, err := ReadLocalRef("gs://bucket/object")
	assert.Error(t, err)
}

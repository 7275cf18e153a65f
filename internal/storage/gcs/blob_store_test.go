package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "images", CacheControl: "public, max-age=3600"})
	require.NoError(t, err)
	assert.Equal(t, "images", store.bucket)

	_, err = store.PutObject(context.Background(), "  ", "image/png", nil)
	assert.Error(t, err)
}

func TestURI(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "gs://bucket/images/a.png", URI("bucket", "images/a.png"))
	assert.Equal(t, "gs://bucket/a.png", URI("bucket", "/a.png"))
}

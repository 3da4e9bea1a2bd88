package memory_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/image-pipeline/pkg/imagepipeline"
	"github.com/tendant/image-pipeline/pkg/imagepipeline/storage/memory"
)

func TestUploadDownloadRoundTrip(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	data := []byte("object bytes")

	err := store.Upload(ctx, bytes.NewReader(data), imagepipeline.UploadParams{
		ObjectKey: "uploads/a/b",
		MimeType:  "application/octet-stream",
		Metadata:  map[string]string{"fileName": "a.bin"},
	})
	require.NoError(t, err)

	rc, err := store.Download(ctx, "uploads/a/b")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, got)
}

func TestGetObjectMeta(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	data := []byte("object bytes")
	sum := md5.Sum(data)

	require.NoError(t, store.Upload(ctx, bytes.NewReader(data), imagepipeline.UploadParams{
		ObjectKey: "uploads/a/b",
		MimeType:  "text/plain",
		Metadata:  map[string]string{"fileName": "a.txt"},
	}))

	meta, err := store.GetObjectMeta(ctx, "uploads/a/b")
	require.NoError(t, err)
	assert.Equal(t, "uploads/a/b", meta.Key)
	assert.Equal(t, int64(len(data)), meta.Size)
	assert.Equal(t, "text/plain", meta.ContentType)
	assert.Equal(t, hex.EncodeToString(sum[:]), meta.ETag)
	assert.Equal(t, "a.txt", meta.Metadata["fileName"])
	assert.False(t, meta.CreatedAt.IsZero())
	assert.False(t, meta.UpdatedAt.IsZero())

	_, err = store.GetObjectMeta(ctx, "missing")
	assert.ErrorIs(t, err, imagepipeline.ErrObjectNotFound)
}

func TestDownloadMissing(t *testing.T) {
	store := memory.New()

	_, err := store.Download(context.Background(), "missing")
	assert.ErrorIs(t, err, imagepipeline.ErrObjectNotFound)
}

func TestCopy(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	data := []byte("source bytes")

	require.NoError(t, store.Upload(ctx, bytes.NewReader(data), imagepipeline.UploadParams{
		ObjectKey: "uploads/a/b",
	}))

	err := store.Copy(ctx, imagepipeline.CopyParams{
		SourceKey: "uploads/a/b",
		DestKey:   "uploaded/c",
		MimeType:  "image/png",
		Metadata:  map[string]string{"fileId": "c"},
	})
	require.NoError(t, err)

	meta, err := store.GetObjectMeta(ctx, "uploaded/c")
	require.NoError(t, err)
	assert.Equal(t, "image/png", meta.ContentType)
	assert.Equal(t, "c", meta.Metadata["fileId"])
	assert.Equal(t, int64(len(data)), meta.Size)

	// Destination already present: promotion-race signal.
	err = store.Copy(ctx, imagepipeline.CopyParams{
		SourceKey: "uploads/a/b",
		DestKey:   "uploaded/c",
	})
	assert.ErrorIs(t, err, imagepipeline.ErrObjectExists)

	// Missing source.
	err = store.Copy(ctx, imagepipeline.CopyParams{
		SourceKey: "missing",
		DestKey:   "uploaded/d",
	})
	assert.ErrorIs(t, err, imagepipeline.ErrObjectNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, bytes.NewReader([]byte("x")), imagepipeline.UploadParams{
		ObjectKey: "uploads/a/b",
	}))
	require.NoError(t, store.Delete(ctx, "uploads/a/b"))
	_, err := store.GetObjectMeta(ctx, "uploads/a/b")
	assert.ErrorIs(t, err, imagepipeline.ErrObjectNotFound)

	// Deleting a missing object is not an error.
	require.NoError(t, store.Delete(ctx, "uploads/a/b"))
}

func TestGetUploadURL(t *testing.T) {
	store := memory.New()

	url, err := store.GetUploadURL(context.Background(), "uploads/a/b")
	require.NoError(t, err)
	assert.Empty(t, url)
}

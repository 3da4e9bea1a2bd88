package imagepipeline_test

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/image-pipeline/pkg/imagepipeline"
)

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, height))))
	return buf.Bytes()
}

func TestClassifyImage(t *testing.T) {
	data := pngBytes(t, 12, 7)
	sum := md5.Sum(data)

	c, err := imagepipeline.Classify(bytes.NewReader(data))
	require.NoError(t, err)

	assert.True(t, c.IsImage)
	assert.NotNil(t, c.Image)
	assert.Equal(t, 12, c.Width)
	assert.Equal(t, 7, c.Height)
	assert.Equal(t, "image/png", c.MimeType)
	assert.Equal(t, "png", c.Ext)
	assert.Equal(t, int64(len(data)), c.ByteSize)
	assert.Equal(t, hex.EncodeToString(sum[:]), c.Hash)
}

func TestClassifyNonImage(t *testing.T) {
	data := []byte("%PDF-1.4 definitely not pixels")

	c, err := imagepipeline.Classify(bytes.NewReader(data))
	require.NoError(t, err)

	assert.False(t, c.IsImage)
	assert.Nil(t, c.Image)
	assert.Zero(t, c.Width)
	assert.Zero(t, c.Height)
	assert.NotEmpty(t, c.Hash)
	assert.Equal(t, int64(len(data)), c.ByteSize)
}

func TestClassifyCorruptImage(t *testing.T) {
	// Valid PNG signature, garbage body: detected as image/png but undecodable.
	data := append([]byte("\x89PNG\r\n\x1a\n"), []byte("truncated garbage")...)

	c, err := imagepipeline.Classify(bytes.NewReader(data))
	require.NoError(t, err)

	assert.False(t, c.IsImage)
	assert.Equal(t, "image/png", c.MimeType)
}

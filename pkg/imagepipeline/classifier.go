package imagepipeline

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Classification is the outcome of content classification. The hash, mime
// type, and byte size are always populated; pixel data and dimensions only
// when IsImage is true.
type Classification struct {
	IsImage  bool
	Image    image.Image
	Width    int
	Height   int
	MimeType string
	Ext      string
	ByteSize int64
	Hash     string
}

// Classify reads an object and determines whether it is a supported image,
// its dimensions, mime type, and content hash.
//
// Non-image content and undecodable declared-image content both yield a
// non-image classification rather than an error: corrupt uploads must not
// crash the pipeline.
func Classify(r io.Reader) (*Classification, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}

	sum := md5.Sum(data)
	mtype := mimetype.Detect(data)
	c := &Classification{
		MimeType: mtype.String(),
		Ext:      mimeSubtype(mtype.String()),
		ByteSize: int64(len(data)),
		Hash:     hex.EncodeToString(sum[:]),
	}

	if !strings.HasPrefix(c.MimeType, "image/") {
		return c, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		// Declared image but undecodable: classify as non-image.
		return c, nil
	}

	bounds := img.Bounds()
	c.IsImage = true
	c.Image = img
	c.Width = bounds.Dx()
	c.Height = bounds.Dy()
	return c, nil
}

// mimeSubtype derives the extension from a mime type's subtype, e.g.
// "image/png" -> "png". Parameters after ';' are dropped.
func mimeSubtype(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	if i := strings.IndexByte(mimeType, '/'); i >= 0 {
		return strings.TrimSpace(mimeType[i+1:])
	}
	return mimeType
}

package imagepipeline

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
	"github.com/shopspring/decimal"
)

// ratioPrecision is the number of fractional digits kept when deriving the
// missing dimension from the aspect ratio.
const ratioPrecision = 12

// Variant is the in-memory result of one resize/re-encode. The caller owns
// persistence and upload.
type Variant struct {
	Data     []byte
	Width    int
	Height   int
	MimeType string
	Ext      string
}

// ResolveTargetSize determines output dimensions for a configuration against
// a source of srcWidth x srcHeight pixels. Resolution follows a strict
// priority order, failing with ErrUnresolvableSize when no rule applies:
//
//  1. height given, width absent, keep-ratio on: width is derived from the
//     ratio, dividing with half-even rounding at 12 fractional digits and
//     truncating the product to an integer
//  2. width given, height absent, keep-ratio on: symmetric
//  3. both absent, scale factor present: floor(src * scale) per axis
func ResolveTargetSize(srcWidth, srcHeight int, cfg *ProcessingConfiguration) (width, height int, err error) {
	switch {
	case cfg.Height != nil && cfg.Width == nil && cfg.KeepRatio:
		ratio := divHalfEven(decimal.NewFromInt(int64(*cfg.Height)), decimal.NewFromInt(int64(srcHeight)), ratioPrecision)
		return int(ratio.Mul(decimal.NewFromInt(int64(srcWidth))).IntPart()), *cfg.Height, nil
	case cfg.Height == nil && cfg.Width != nil && cfg.KeepRatio:
		ratio := divHalfEven(decimal.NewFromInt(int64(*cfg.Width)), decimal.NewFromInt(int64(srcWidth)), ratioPrecision)
		return *cfg.Width, int(ratio.Mul(decimal.NewFromInt(int64(srcHeight))).IntPart()), nil
	case cfg.Height == nil && cfg.Width == nil && cfg.Scale != nil:
		width = int(decimal.NewFromInt(int64(srcWidth)).Mul(*cfg.Scale).IntPart())
		height = int(decimal.NewFromInt(int64(srcHeight)).Mul(*cfg.Scale).IntPart())
		return width, height, nil
	default:
		return 0, 0, fmt.Errorf("%w: %s", ErrUnresolvableSize, cfg.ID)
	}
}

// divHalfEven divides a by b keeping places fractional digits, rounding the
// last digit half-to-even. Operands are expected to be positive.
func divHalfEven(a, b decimal.Decimal, places int32) decimal.Decimal {
	q, r := a.QuoRem(b, places)
	if r.IsZero() {
		return q
	}
	step := decimal.New(1, -places)
	// Compare twice the remainder against the rounding step's worth of b.
	cmp := r.Mul(decimal.NewFromInt(2)).Cmp(b.Mul(step))
	switch {
	case cmp > 0:
		return q.Add(step)
	case cmp < 0:
		return q
	default:
		if q.Shift(places).IntPart()%2 != 0 {
			return q.Add(step)
		}
		return q
	}
}

// GenerateVariant resizes and re-encodes a decoded source image for one
// configuration. It emits bytes plus final dimensions and encoding; it does
// not persist or upload anything.
func GenerateVariant(src *Classification, cfg *ProcessingConfiguration) (*Variant, error) {
	width, height, err := ResolveTargetSize(src.Width, src.Height, cfg)
	if err != nil {
		return nil, err
	}
	// imaging.Resize treats a zero dimension as "derive from ratio", which
	// would silently diverge from the resolved size recorded on the row.
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("%w: resolved degenerate dimensions %dx%d for configuration %s", ErrUnresolvableSize, width, height, cfg.ID)
	}

	resized := imaging.Resize(src.Image, width, height, imaging.Lanczos)

	mimeType := src.MimeType
	if cfg.OutputMimeType != nil {
		mimeType = *cfg.OutputMimeType
	}
	ext := src.Ext
	if cfg.OutputExt != nil {
		ext = *cfg.OutputExt
	}

	format, err := imaging.FormatFromExtension(ext)
	if err != nil {
		return nil, fmt.Errorf("unsupported output format %q: %w", ext, err)
	}

	var opts []imaging.EncodeOption
	if format == imaging.JPEG && cfg.Quality != nil {
		opts = append(opts, imaging.JPEGQuality(*cfg.Quality))
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format, opts...); err != nil {
		return nil, fmt.Errorf("encoding %s variant: %w", ext, err)
	}

	return &Variant{
		Data:     buf.Bytes(),
		Width:    width,
		Height:   height,
		MimeType: mimeType,
		Ext:      ext,
	}, nil
}

package variant

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"strconv"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

const (
	DefaultThumbnailSize = 300
	DefaultJPEGQuality   = 82
)

var supported = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,
}

// Generator derives thumbnails and width-bounded copies of raster images.
type Generator struct {
	ThumbnailSize int
	JPEGQuality   int
	logger        *slog.Logger
}

// New returns a generator with default sizes
func New(logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		ThumbnailSize: DefaultThumbnailSize,
		JPEGQuality:   DefaultJPEGQuality,
		logger:        logger,
	}
}

func (g *Generator) Supports(mimeType string) bool {
	return supported[mimeType]
}

// Generate decodes data once and renders every requested variant. The thumbnail fits
// inside a ThumbnailSize square; resized copies keep the aspect ratio and never upscale.
// PNG sources stay PNG to keep transparency, everything else is written as JPEG.
func (g *Generator) Generate(ctx context.Context, data []byte, mimeType string, opts simplemedia.VariantOptions) ([]simplemedia.VariantOutput, error) {
	if !g.Supports(mimeType) {
		return nil, simplemedia.ErrUnsupported
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", mimeType, err)
	}
	bounds := img.Bounds()
	g.logger.Debug("generating variants", "mime_type", mimeType, "width", bounds.Dx(), "height", bounds.Dy())

	var outputs []simplemedia.VariantOutput
	if opts.Thumbnail {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		size := g.ThumbnailSize
		if size <= 0 {
			size = DefaultThumbnailSize
		}
		thumb := imaging.Fit(img, size, size, imaging.Lanczos)
		out, err := g.encode(simplemedia.VariantThumbnail, thumb, mimeType)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}

	seen := make(map[int]bool, len(opts.ResizeWidths))
	for _, w := range opts.ResizeWidths {
		if w <= 0 || seen[w] {
			continue
		}
		seen[w] = true
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resized := img
		if w < bounds.Dx() {
			resized = imaging.Resize(img, w, 0, imaging.Lanczos)
		}
		out, err := g.encode(simplemedia.VariantResizedPrefix+strconv.Itoa(w), resized, mimeType)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (g *Generator) encode(kind string, img image.Image, sourceMime string) (simplemedia.VariantOutput, error) {
	var buf bytes.Buffer
	format, outMime := imaging.JPEG, "image/jpeg"
	if sourceMime == "image/png" {
		format, outMime = imaging.PNG, "image/png"
	}

	quality := g.JPEGQuality
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(quality)); err != nil {
		return simplemedia.VariantOutput{}, fmt.Errorf("encode %s: %w", kind, err)
	}

	b := img.Bounds()
	return simplemedia.VariantOutput{
		Kind:     kind,
		Data:     buf.Bytes(),
		MimeType: outMime,
		Width:    b.Dx(),
		Height:   b.Dy(),
	}, nil
}

var _ simplemedia.VariantGenerator = (*Generator)(nil)

// Package extract reads dimensions and EXIF fields out of uploaded images.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Metadata keys written by the extractor
const (
	KeyWidth       = "width"
	KeyHeight      = "height"
	KeyCapturedAt  = "captured_at"
	KeyGPSLat      = "gps_lat"
	KeyGPSLon      = "gps_lon"
	KeyCameraMake  = "camera_make"
	KeyCameraModel = "camera_model"
)

// exif is only embedded in these containers
var exifTypes = map[string]bool{
	"image/jpeg": true,
	"image/tiff": true,
}

type Extractor struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

func (e *Extractor) Supports(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}

// Extract returns whatever it could read. Missing EXIF is not an error; an image whose
// header cannot be decoded is, but any EXIF fields found are still returned.
func (e *Extractor) Extract(ctx context.Context, data []byte, mimeType string) (map[string]string, error) {
	if !e.Supports(mimeType) {
		return nil, simplemedia.ErrUnsupported
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]string)
	if exifTypes[mimeType] {
		e.readExif(data, out)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if len(out) == 0 {
			out = nil
		}
		return out, fmt.Errorf("decode image header: %w", err)
	}
	out[KeyWidth] = strconv.Itoa(cfg.Width)
	out[KeyHeight] = strconv.Itoa(cfg.Height)
	return out, nil
}

func (e *Extractor) readExif(data []byte, out map[string]string) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		// exif.Decode also reports a plain "no exif" condition here
		e.logger.Debug("no usable exif", "err", err)
		if x == nil {
			return
		}
	}

	if t, err := x.DateTime(); err == nil {
		out[KeyCapturedAt] = t.UTC().Format(time.RFC3339)
	}
	if lat, lon, err := x.LatLong(); err == nil {
		out[KeyGPSLat] = strconv.FormatFloat(lat, 'f', 6, 64)
		out[KeyGPSLon] = strconv.FormatFloat(lon, 'f', 6, 64)
	}
	if v := stringTag(x, exif.Make); v != "" {
		out[KeyCameraMake] = v
	}
	if v := stringTag(x, exif.Model); v != "" {
		out[KeyCameraModel] = v
	}
}

func stringTag(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil || tag.Format() != tiff.StringVal {
		return ""
	}
	v, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(v, "\x00"))
}

var _ simplemedia.MetadataExtractor = (*Extractor)(nil)

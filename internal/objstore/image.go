package objstore

import (
	"bytes"
	"image"
	"image/jpeg"
	"log/slog"

	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
)

// Compressor downscales oversized image attachments before upload so
// the backend never rejects the payload. It is best-effort: any decode
// or encode failure returns the original bytes unchanged.
type Compressor struct {
	// MaxBytes is the size above which compression is attempted.
	MaxBytes int
	// MaxDim caps the longer image dimension after downscaling.
	MaxDim int
	// Quality is the JPEG re-encode quality (1-100).
	Quality int
}

func NewCompressor() Compressor {
	return Compressor{
		MaxBytes: 1_500_000,
		MaxDim:   1280,
		Quality:  82,
	}
}

// Compress returns the (possibly re-encoded) image bytes and the
// content type they should be uploaded with.
func (c Compressor) Compress(data []byte, contentType string) ([]byte, string) {
	if len(data) <= c.MaxBytes {
		return data, contentType
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		slog.Error("could not decode oversized image, uploading original", "error", err)
		return data, contentType
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width > c.MaxDim || height > c.MaxDim {
		if width >= height {
			height = height * c.MaxDim / width
			width = c.MaxDim
		} else {
			width = width * c.MaxDim / height
			height = c.MaxDim
		}
		if width < 1 {
			width = 1
		}
		if height < 1 {
			height = 1
		}

		scaled := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, bounds, draw.Over, nil)
		img = scaled
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: c.Quality}); err != nil {
		slog.Error("could not re-encode oversized image, uploading original", "error", err)
		return data, contentType
	}

	return out.Bytes(), "image/jpeg"
}

package objstore

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressPassThroughSmallFiles(t *testing.T) {
	c := NewCompressor()
	data := []byte("small payload")

	out, contentType := c.Compress(data, "image/png")
	assert.Equal(t, data, out)
	assert.Equal(t, "image/png", contentType)
}

func TestCompressUndecodableReturnsOriginal(t *testing.T) {
	c := Compressor{MaxBytes: 10, MaxDim: 1280, Quality: 82}
	data := bytes.Repeat([]byte{0xde, 0xad}, 50)

	out, contentType := c.Compress(data, "application/octet-stream")
	assert.Equal(t, data, out)
	assert.Equal(t, "application/octet-stream", contentType)
}

func TestCompressDownscalesOversizedImage(t *testing.T) {
	// A noisy 2000x1000 PNG compresses poorly, guaranteeing it crosses
	// the size threshold.
	img := image.NewRGBA(image.Rect(0, 0, 2000, 1000))
	for y := 0; y < 1000; y++ {
		for x := 0; x < 2000; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 7), uint8(y * 13), uint8((x + y) * 3), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	c := Compressor{MaxBytes: 1000, MaxDim: 1280, Quality: 82}
	out, contentType := c.Compress(buf.Bytes(), "image/png")

	assert.Equal(t, "image/jpeg", contentType)

	decoded, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 1280, decoded.Bounds().Dx())
	assert.Equal(t, 640, decoded.Bounds().Dy())
}

func TestCompressKeepsSmallDimensions(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 800, 600))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	c := Compressor{MaxBytes: 100, MaxDim: 1280, Quality: 82}
	out, contentType := c.Compress(buf.Bytes(), "image/png")

	// Re-encoded to JPEG but not resized.
	assert.Equal(t, "image/jpeg", contentType)
	decoded, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 800, decoded.Bounds().Dx())
	assert.Equal(t, 600, decoded.Bounds().Dy())
}

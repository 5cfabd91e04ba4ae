package decode

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheaptrainer/cheaptrainer/internal/models"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestImage_PNGNormalized(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, G: 0, B: 0, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 0, G: 255, B: 0, A: 255})
	img.SetNRGBA(2, 1, color.NRGBA{R: 0, G: 0, B: 255, A: 255})

	tensor, err := Image(encodePNG(t, img))
	require.NoError(t, err)

	assert.Equal(t, [4]int{1, 2, 3, 3}, tensor.Shape)
	require.Len(t, tensor.Data, 2*3*3)
	assert.Equal(t, float32(1), tensor.At(0, 0, 0, 0))
	assert.Equal(t, float32(0), tensor.At(0, 0, 0, 1))
	assert.Equal(t, float32(1), tensor.At(0, 0, 1, 1))
	assert.Equal(t, float32(1), tensor.At(0, 1, 2, 2))
	assert.Equal(t, float32(0), tensor.At(0, 1, 0, 0))
}

func TestImage_AlphaDroppedNotPremultiplied(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, G: 51, B: 0, A: 0})

	tensor, err := Image(encodePNG(t, img))
	require.NoError(t, err)
	assert.Equal(t, float32(1), tensor.At(0, 0, 0, 0))
	assert.InDelta(t, 0.2, tensor.At(0, 0, 0, 1), 1e-6)
}

func TestImage_GrayExpandsToRGB(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	img.SetGray(1, 1, color.Gray{Y: 102})

	tensor, err := Image(encodePNG(t, img))
	require.NoError(t, err)
	assert.Equal(t, 3, tensor.Channels())
	for c := 0; c < 3; c++ {
		assert.InDelta(t, 0.4, tensor.At(0, 1, 1, c), 1e-6)
	}
}

func TestImage_JPEGInRange(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = byte(i * 7)
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))

	tensor, err := Image(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, [4]int{1, 8, 8, 3}, tensor.Shape)
	for _, v := range tensor.Data {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}
}

// halvesJPEG encodes a 16x8 image, red on the left and blue on the right.
func halvesJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 16; x++ {
			c := color.RGBA{R: 255, A: 255}
			if x >= 8 {
				c = color.RGBA{B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))
	return buf.Bytes()
}

// withOrientation inserts an APP1 Exif segment carrying one orientation
// tag right after the SOI marker.
func withOrientation(data []byte, orientation uint16) []byte {
	var tiff bytes.Buffer
	tiff.WriteString("Exif\x00\x00")
	tiff.WriteString("MM")
	binary.Write(&tiff, binary.BigEndian, uint16(0x002A))
	binary.Write(&tiff, binary.BigEndian, uint32(8))
	binary.Write(&tiff, binary.BigEndian, uint16(1))      // entries
	binary.Write(&tiff, binary.BigEndian, uint16(0x0112)) // orientation
	binary.Write(&tiff, binary.BigEndian, uint16(3))      // SHORT
	binary.Write(&tiff, binary.BigEndian, uint32(1))
	binary.Write(&tiff, binary.BigEndian, orientation)
	binary.Write(&tiff, binary.BigEndian, uint16(0))
	binary.Write(&tiff, binary.BigEndian, uint32(0)) // no next IFD

	var out bytes.Buffer
	out.Write(data[:2])
	out.Write([]byte{0xFF, 0xE1})
	binary.Write(&out, binary.BigEndian, uint16(2+tiff.Len()))
	out.Write(tiff.Bytes())
	out.Write(data[2:])
	return out.Bytes()
}

func TestImage_JPEGExifOrientation(t *testing.T) {
	plain := halvesJPEG(t)

	upright, err := Image(plain)
	require.NoError(t, err)
	assert.Equal(t, [4]int{1, 8, 16, 3}, upright.Shape)

	// 6: stored rotated, displayed turned 90 degrees clockwise
	rotated, err := Image(withOrientation(plain, 6))
	require.NoError(t, err)
	require.Equal(t, [4]int{1, 16, 8, 3}, rotated.Shape)

	top := func(c int) float32 { return rotated.At(0, 2, 4, c) }
	bottom := func(c int) float32 { return rotated.At(0, 13, 4, c) }
	assert.Greater(t, top(0), top(2), "top rows come from the red left half")
	assert.Greater(t, bottom(2), bottom(0), "bottom rows come from the blue right half")
}

func TestImage_WebP(t *testing.T) {
	// 1x1 lossless webp
	data, err := base64.StdEncoding.DecodeString("UklGRhoAAABXRUJQVlA4TA0AAAAvAAAAEAcQERGIiP4HAA==")
	require.NoError(t, err)

	tensor, err := Image(data)
	require.NoError(t, err)
	assert.Equal(t, [4]int{1, 1, 1, 3}, tensor.Shape)
}

func TestImage_Corrupt(t *testing.T) {
	_, err := Image([]byte("definitely not an image"))
	assert.ErrorIs(t, err, models.ErrDecode)

	data := encodePNG(t, image.NewGray(image.Rect(0, 0, 4, 4)))
	_, err = Image(data[:len(data)/2])
	assert.ErrorIs(t, err, models.ErrDecode)
}

func TestCaption(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"plain", []byte("a cat on a mat"), "a cat on a mat"},
		{"trimmed", []byte("  \n a cat\t\r\n"), "a cat"},
		{"empty", []byte(""), ""},
		{"whitespace only", []byte(" \n\t "), ""},
		{"utf8 bom", append([]byte{0xEF, 0xBB, 0xBF}, "café"...), "café"},
		{"utf16le bom", []byte{0xFF, 0xFE, 'h', 0, 'i', 0, '\n', 0}, "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Caption(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCaption_InvalidUTF8(t *testing.T) {
	_, err := Caption([]byte{'o', 'k', 0xC3, 0x28})
	assert.ErrorIs(t, err, models.ErrDecode)
}

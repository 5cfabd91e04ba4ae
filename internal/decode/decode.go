// Package decode turns raw dataset bytes into training inputs: images into
// normalized RGB tensors and captions into trimmed text.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // register webp with image.Decode
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/cheaptrainer/cheaptrainer/internal/models"
)

// Image decodes a png, jpeg or webp payload into a 1xHxWx3 tensor with
// channel values in [0,1]. EXIF orientation is applied; alpha is dropped
// without premultiplying.
func Image(data []byte) (models.Tensor, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return models.Tensor{}, fmt.Errorf("%w: image: %v", models.ErrDecode, err)
	}

	nrgba := imaging.Clone(img)
	w, h := nrgba.Rect.Dx(), nrgba.Rect.Dy()
	if w == 0 || h == 0 {
		return models.Tensor{}, fmt.Errorf("%w: image has no pixels", models.ErrDecode)
	}

	t := models.Tensor{
		Shape: [4]int{1, h, w, 3},
		Data:  make([]float32, h*w*3),
	}
	i := 0
	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			t.Data[i] = float32(px[0]) / 255
			t.Data[i+1] = float32(px[1]) / 255
			t.Data[i+2] = float32(px[2]) / 255
			i += 3
		}
	}
	return t, nil
}

var errInvalidUTF8 = errors.New("caption is not valid UTF-8")

// Caption decodes caption bytes as UTF-8 and trims surrounding whitespace.
// A leading byte order mark is removed; UTF-16 files with a BOM are
// transcoded.
func Caption(data []byte) (string, error) {
	if !hasUTF16BOM(data) && !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %v", models.ErrDecode, errInvalidUTF8)
	}

	out, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
	if err != nil {
		return "", fmt.Errorf("%w: caption: %v", models.ErrDecode, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func hasUTF16BOM(data []byte) bool {
	return len(data) >= 2 && (data[0] == 0xFE && data[1] == 0xFF || data[0] == 0xFF && data[1] == 0xFE)
}

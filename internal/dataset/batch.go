package dataset

import (
	"context"
	"fmt"
	"strings"

	"github.com/cheaptrainer/cheaptrainer/internal/models"
)

// Batch is a set of samples stacked for training: one NHWC image tensor and
// the captions in the same order.
type Batch struct {
	Images   models.Tensor
	Captions []string
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int { return len(b.Captions) }

// NewBatch concatenates sample images along the batch axis. All images must
// share height and width.
func NewBatch(samples []models.Sample) (Batch, error) {
	if len(samples) == 0 {
		return Batch{}, nil
	}

	first := samples[0].Image
	h, w, c := first.Height(), first.Width(), first.Channels()

	n := 0
	for _, s := range samples {
		img := s.Image
		if img.Height() != h || img.Width() != w || img.Channels() != c {
			return Batch{}, fmt.Errorf("%w: %s is %dx%d, want %dx%d",
				models.ErrShapeMismatch, s.BaseName, img.Width(), img.Height(), w, h)
		}
		n += img.Batch()
	}

	b := Batch{
		Images: models.Tensor{
			Shape: [4]int{n, h, w, c},
			Data:  make([]float32, 0, n*h*w*c),
		},
		Captions: make([]string, 0, len(samples)),
	}
	for _, s := range samples {
		b.Images.Data = append(b.Images.Data, s.Image.Data...)
		b.Captions = append(b.Captions, s.Caption)
	}
	return b, nil
}

// Conditioning is an encoder-specific caption embedding.
type Conditioning any

// TextEncoder turns captions into conditioning.
type TextEncoder interface {
	Encode(ctx context.Context, text string) (Conditioning, error)
	// Empty returns the encoder's unconditional embedding.
	Empty(ctx context.Context) (Conditioning, error)
}

// EncodeCaptions encodes each caption in order. Blank captions use the
// encoder's empty conditioning.
func EncodeCaptions(ctx context.Context, enc TextEncoder, captions []string) ([]Conditioning, error) {
	out := make([]Conditioning, 0, len(captions))
	for i, caption := range captions {
		var (
			cond Conditioning
			err  error
		)
		if strings.TrimSpace(caption) == "" {
			cond, err = enc.Empty(ctx)
		} else {
			cond, err = enc.Encode(ctx, caption)
		}
		if err != nil {
			return nil, fmt.Errorf("encode caption %d: %w", i, err)
		}
		out = append(out, cond)
	}
	return out, nil
}

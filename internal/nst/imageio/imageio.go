// Package imageio converts between encoded images and [0,1] RGB tensors.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"

	"nstbot/internal/nst/tensor"
)

var (
	ErrDecode   = errors.New("cannot decode image")
	ErrTooLarge = errors.New("image too large")
)

// DefaultMaxPixels bounds the declared canvas of untrusted input, about 25 megapixels.
const DefaultMaxPixels = 25_000_000

// Decode parses JPEG or PNG bytes.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", ErrDecode)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrDecode, err)
	}

	return img, format, nil
}

// DecodeLimited is Decode for untrusted input. The header is read first, and an image whose
// declared canvas exceeds maxPixels is rejected before any pixel buffer is allocated.
func DecodeLimited(data []byte, maxPixels int) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", ErrDecode)
	}

	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrDecode, err)
	}

	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("%w: empty canvas %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}

	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, "", fmt.Errorf("%w: %w: %dx%d exceeds %d pixels",
			ErrDecode, ErrTooLarge, cfg.Width, cfg.Height, maxPixels)
	}

	return Decode(data)
}

// ToTensor resizes img to size x size and returns it as a (3, size, size) tensor in [0,1].
// Alpha is dropped.
func ToTensor(img image.Image, size int) *tensor.Tensor {
	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)

	b := resized.Bounds()
	w, h := b.Dx(), b.Dy()
	t := tensor.New(3, h, w)
	plane := w * h

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*w + x
			t.Data[i] = float32(r) / 0xffff
			t.Data[plane+i] = float32(g) / 0xffff
			t.Data[2*plane+i] = float32(bl) / 0xffff
		}
	}

	return t
}

// DecodeTensor decodes untrusted data with DecodeLimited and converts it with ToTensor.
func DecodeTensor(data []byte, size, maxPixels int) (*tensor.Tensor, error) {
	img, _, err := DecodeLimited(data, maxPixels)
	if err != nil {
		return nil, err
	}

	return ToTensor(img, size), nil
}

func toByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}

// FromTensor converts a (3, H, W) tensor in [0,1] to an RGBA image. Values outside the range
// saturate.
func FromTensor(t *tensor.Tensor) (*image.RGBA, error) {
	if t.C != 3 {
		return nil, fmt.Errorf("%w: want 3 channels, got %s", tensor.ErrShapeMismatch, t)
	}

	img := image.NewRGBA(image.Rect(0, 0, t.W, t.H))
	for y := 0; y < t.H; y++ {
		for x := 0; x < t.W; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: toByte(t.At(0, y, x)),
				G: toByte(t.At(1, y, x)),
				B: toByte(t.At(2, y, x)),
				A: 255,
			})
		}
	}

	return img, nil
}

// EncodeJPEG encodes t as a JPEG at the given quality.
func EncodeJPEG(t *tensor.Tensor, quality int) ([]byte, error) {
	img, err := FromTensor(t)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("error encoding jpeg: %w", err)
	}

	return buf.Bytes(), nil
}

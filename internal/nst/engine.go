package nst

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"nstbot/internal/core/domain"
	"nstbot/internal/nst/gatys"
	"nstbot/internal/nst/imageio"
	"nstbot/internal/nst/tensor"
)

const DefaultImageSize = 256

// ImageSizeMultiple is the granularity of the working size. The deepest style probe sits behind
// four 2x poolings.
const ImageSizeMultiple = 16

// Engine runs transfers on encoded images. It is safe for concurrent use.
type Engine struct {
	registry    *Registry
	imageSize   int
	jpegQuality int
	maxPixels   int
}

type EngineOption func(*Engine)

// WithMaxInputPixels caps the declared canvas of input images. Larger inputs fail with
// domain.ErrDecode before their pixels are decoded.
func WithMaxInputPixels(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxPixels = n
		}
	}
}

// NewEngine returns an engine working at imageSize x imageSize pixels.
func NewEngine(registry *Registry, imageSize, jpegQuality int, opts ...EngineOption) (*Engine, error) {
	if imageSize < ImageSizeMultiple || imageSize%ImageSizeMultiple != 0 {
		return nil, fmt.Errorf("%w: image size %d is not a positive multiple of %d",
			domain.ErrInvalidArgument, imageSize, ImageSizeMultiple)
	}

	if jpegQuality < 1 || jpegQuality > 100 {
		return nil, fmt.Errorf("%w: jpeg quality %d", domain.ErrInvalidArgument, jpegQuality)
	}

	e := &Engine{
		registry:    registry,
		imageSize:   imageSize,
		jpegQuality: jpegQuality,
		maxPixels:   imageio.DefaultMaxPixels,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

func (e *Engine) Warmup() error {
	_, err := e.registry.Models()
	return err
}

func (e *Engine) decode(content, style []byte) (*tensor.Tensor, *tensor.Tensor, error) {
	var ct, st *tensor.Tensor
	var g errgroup.Group

	g.Go(func() error {
		var err error
		ct, err = imageio.DecodeTensor(content, e.imageSize, e.maxPixels)
		if err != nil {
			return fmt.Errorf("%w: content: %w", domain.ErrDecode, err)
		}
		return nil
	})

	g.Go(func() error {
		var err error
		st, err = imageio.DecodeTensor(style, e.imageSize, e.maxPixels)
		if err != nil {
			return fmt.Errorf("%w: style: %w", domain.ErrDecode, err)
		}
		return nil
	})

	return ct, st, g.Wait()
}

// Stylize decodes both images, runs the algorithm of profile and encodes the result as JPEG.
// Weight loading failures wrap domain.ErrWeightsMissing; everything else is a per-task error.
func (e *Engine) Stylize(ctx context.Context, content, style []byte,
	profile domain.StrengthProfile) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("transfer panicked")
			err = fmt.Errorf("transfer panicked: %v", r)
		}
	}()

	models, err := e.registry.Models()
	if err != nil {
		return nil, err
	}

	ct, st, err := e.decode(content, style)
	if err != nil {
		return nil, err
	}

	var out *tensor.Tensor

	switch {
	case profile.Algorithm == domain.Gatys && profile.Gatys != nil:
		p := profile.Gatys
		out, err = gatys.Transfer(ctx, models.Backbone, ct, st, gatys.Params{
			LearningRate:  p.LearningRate,
			Steps:         p.Steps,
			StyleWeight:   p.StyleWeight,
			ContentWeight: p.ContentWeight,
			SchedulerStep: p.SchedulerStep,
			Gamma:         p.Gamma,
			ContentLayers: p.ContentLayers,
			StyleLayers:   p.StyleLayers,
		})
		if errors.Is(err, gatys.ErrDiverged) {
			err = fmt.Errorf("%w: %w", domain.ErrDiverged, err)
		}
	case profile.Algorithm == domain.AdaIN && profile.AdaIN != nil:
		out, err = models.AdaIN.Transfer(ctx, ct, st, profile.AdaIN.Alpha)
	default:
		return nil, fmt.Errorf("%w: profile for %q has no parameters", domain.ErrInvalidArgument, profile.Algorithm)
	}

	if err != nil {
		return nil, err
	}

	if !out.IsFinite() {
		return nil, domain.ErrDiverged
	}

	return imageio.EncodeJPEG(out, e.jpegQuality)
}

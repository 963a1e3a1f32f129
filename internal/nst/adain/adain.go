// Package adain stylizes an image in a single pass by aligning the channel statistics of its
// encoded features with those of the style image and decoding the result.
package adain

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"nstbot/internal/nst/backbone"
	"nstbot/internal/nst/stats"
	"nstbot/internal/nst/tensor"
)

// Model pairs the encoder with the decoder trained against it.
type Model struct {
	Encoder *backbone.Extractor
	Decoder *backbone.Network
}

func (m *Model) encode(img *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := backbone.Normalize(img)
	if err != nil {
		return nil, err
	}

	return m.Encoder.Final(x)
}

func (m *Model) decode(features *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := m.Decoder.Forward(features, 0, m.Decoder.Len()-1)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	out, err = backbone.Denormalize(out)
	if err != nil {
		return nil, err
	}

	out.Clamp(0, 1)

	return out, nil
}

// Blend returns alpha*aligned + (1-alpha)*content.
func Blend(aligned, content *tensor.Tensor, alpha float32) (*tensor.Tensor, error) {
	if !aligned.SameShape(content) {
		return nil, fmt.Errorf("%w: %s vs %s", tensor.ErrShapeMismatch, aligned, content)
	}

	out := tensor.New(content.C, content.H, content.W)
	for i := range out.Data {
		out.Data[i] = alpha*aligned.Data[i] + (1-alpha)*content.Data[i]
	}

	return out, nil
}

// Transfer stylizes content with style at blend factor alpha in [0,1]. Both images are RGB in
// [0,1]; the result is too. ctx is only checked between passes.
func (m *Model) Transfer(ctx context.Context, content, style *tensor.Tensor, alpha float32) (*tensor.Tensor, error) {
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("blend factor %v outside [0,1]", alpha)
	}

	var cf, sf *tensor.Tensor
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		cf, err = m.encode(content)
		if err != nil {
			return fmt.Errorf("encode content: %w", err)
		}
		return gctx.Err()
	})

	g.Go(func() error {
		var err error
		sf, err = m.encode(style)
		if err != nil {
			return fmt.Errorf("encode style: %w", err)
		}
		return gctx.Err()
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	aligned, err := stats.Align(cf, sf)
	if err != nil {
		return nil, err
	}

	blended, err := Blend(aligned, cf, alpha)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return m.decode(blended)
}

// Reconstruct passes content through the encoder and decoder without any stylization.
func (m *Model) Reconstruct(ctx context.Context, content *tensor.Tensor) (*tensor.Tensor, error) {
	cf, err := m.encode(content)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return m.decode(cf)
}

// Package nst wires the transfer algorithms to model weights and the image codec.
package nst

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"nstbot/internal/core/domain"
	"nstbot/internal/nst/adain"
	"nstbot/internal/nst/backbone"
)

// Models is the immutable set of networks shared by every task of a process.
type Models struct {
	// Backbone is the VGG19 stack the iterative algorithm probes.
	Backbone *backbone.Network
	// AdaIN encodes with the same backbone and decodes with the paired decoder.
	AdaIN *adain.Model
}

// BuildModels binds backbone and decoder weights. widthDivisor shrinks every hidden layer and
// must match the artifacts.
func BuildModels(backboneWeights, decoderWeights backbone.Weights, widthDivisor int) (*Models, error) {
	if widthDivisor < 1 {
		widthDivisor = 1
	}

	net, err := backbone.Build(backbone.VGG19Width(widthDivisor), backboneWeights)
	if err != nil {
		return nil, fmt.Errorf("backbone: %w", err)
	}

	encoder, err := backbone.NewExtractor(net, backbone.EncoderCuts...)
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}

	decoder, err := backbone.Build(backbone.DecoderWidth(widthDivisor), decoderWeights)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}

	return &Models{Backbone: net, AdaIN: &adain.Model{Encoder: encoder, Decoder: decoder}}, nil
}

type Loader func() (*Models, error)

type WeightPaths struct {
	Backbone     string
	Decoder      string
	WidthDivisor int
}

// FileLoader loads both weight artifacts from disk.
func FileLoader(paths WeightPaths) Loader {
	return func() (*Models, error) {
		bw, err := backbone.LoadWeights(paths.Backbone)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrWeightsMissing, err)
		}

		dw, err := backbone.LoadWeights(paths.Decoder)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrWeightsMissing, err)
		}

		m, err := BuildModels(bw, dw, paths.WidthDivisor)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrWeightsMissing, err)
		}

		return m, nil
	}
}

// LoadHook is told how long the one load took and whether it failed.
type LoadHook func(elapsed time.Duration, err error)

// Registry loads the models on first use, exactly once. A failed load is remembered and
// returned to every later caller.
type Registry struct {
	once   sync.Once
	load   Loader
	hooks  []LoadHook
	models *Models
	err    error
}

func NewRegistry(load Loader, hooks ...LoadHook) *Registry {
	return &Registry{load: load, hooks: hooks}
}

// safeLoad reports a panicking loader, or one returning no models, as a failed load.
func (r *Registry) safeLoad() (models *Models, err error) {
	defer func() {
		if p := recover(); p != nil {
			models = nil
			err = fmt.Errorf("%w: loader panicked: %v", domain.ErrWeightsMissing, p)
		}
	}()

	models, err = r.load()
	if err == nil && models == nil {
		err = fmt.Errorf("%w: loader returned no models", domain.ErrWeightsMissing)
	}

	return models, err
}

func (r *Registry) Models() (*Models, error) {
	r.once.Do(func() {
		start := time.Now()
		log.Info().Msg("loading model weights")

		r.models, r.err = r.safeLoad()
		elapsed := time.Since(start)

		if r.err != nil {
			log.Error().Err(r.err).Dur("elapsed", elapsed).Msg("failed to load model weights")
		} else {
			log.Info().Dur("elapsed", elapsed).Msg("model weights loaded")
		}

		for _, hook := range r.hooks {
			hook(elapsed, r.err)
		}
	})

	return r.models, r.err
}

package domain

import (
	"fmt"
	"slices"
)

// ProfileVersion identifies the calibration tables below.
const ProfileVersion = "v1"

var ErrInvalidStrength = fmt.Errorf("%w: strength must be between 1 and 5", ErrInvalidArgument)

type GatysParams struct {
	LearningRate  float64
	Steps         int
	StyleWeight   float64
	ContentWeight float64
	SchedulerStep int
	Gamma         float64
	ContentLayers []string
	StyleLayers   []string
}

type AdaINParams struct {
	Alpha float32
}

// StrengthProfile holds the hyperparameters of one strength level. Exactly one of Gatys and
// AdaIN is set, matching Algorithm.
type StrengthProfile struct {
	Version   string
	Strength  int
	Algorithm Algorithm
	Gatys     *GatysParams
	AdaIN     *AdaINParams
}

func convLayers(from, to int) []string {
	layers := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		layers = append(layers, fmt.Sprintf("conv_%d", i))
	}

	return layers
}

// Empirically tuned; keep as is.
var gatysProfiles = [5]GatysParams{
	{LearningRate: 0.05, Steps: 20, StyleWeight: 1e8, ContentWeight: 1, Gamma: 1.0,
		ContentLayers: convLayers(14, 16), StyleLayers: convLayers(1, 6)},
	{LearningRate: 0.05, Steps: 40, StyleWeight: 1e8, ContentWeight: 1, Gamma: 1.0,
		ContentLayers: convLayers(14, 16), StyleLayers: convLayers(1, 8)},
	{LearningRate: 0.05, Steps: 60, StyleWeight: 1e8, ContentWeight: 1, Gamma: 1.0,
		ContentLayers: convLayers(14, 16), StyleLayers: convLayers(1, 10)},
	{LearningRate: 0.05, Steps: 80, StyleWeight: 1e8, ContentWeight: 1, Gamma: 1.0,
		ContentLayers: convLayers(14, 16), StyleLayers: convLayers(1, 12)},
	{LearningRate: 0.08, Steps: 100, StyleWeight: 1e8, ContentWeight: 1, SchedulerStep: 25, Gamma: 0.85,
		ContentLayers: nil, StyleLayers: convLayers(1, 16)},
}

var adainAlphas = [5]float32{0.2, 0.4, 0.6, 0.8, 1.0}

// ResolveProfile returns the hyperparameters for strength 1..5 of alg. Out of range strengths
// are rejected, never clamped.
func ResolveProfile(alg Algorithm, strength int) (StrengthProfile, error) {
	if strength < 1 || strength > 5 {
		return StrengthProfile{}, fmt.Errorf("%w: got %d", ErrInvalidStrength, strength)
	}

	p := StrengthProfile{Version: ProfileVersion, Strength: strength, Algorithm: alg}

	switch alg {
	case Gatys:
		g := gatysProfiles[strength-1]
		g.ContentLayers = slices.Clone(g.ContentLayers)
		g.StyleLayers = slices.Clone(g.StyleLayers)
		p.Gatys = &g
	case AdaIN:
		p.AdaIN = &AdaINParams{Alpha: adainAlphas[strength-1]}
	default:
		return StrengthProfile{}, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidArgument, alg)
	}

	return p, nil
}

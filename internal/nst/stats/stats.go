// Package stats computes per-channel moments of feature maps.
package stats

import (
	"fmt"
	"math"

	"nstbot/internal/nst/tensor"
)

// Epsilon keeps the standard deviation away from zero during alignment.
const Epsilon = 1e-8

type Stats struct {
	Mean []float32
	Std  []float32
}

// Compute reduces fm over its spatial dimensions. Std uses the unbiased estimator and is zero
// for single-pixel maps.
func Compute(fm *tensor.Tensor) Stats {
	s := Stats{Mean: make([]float32, fm.C), Std: make([]float32, fm.C)}
	n := float64(fm.H * fm.W)

	for c := 0; c < fm.C; c++ {
		plane := fm.Plane(c)

		var sum float64
		for _, v := range plane {
			sum += float64(v)
		}
		mean := sum / n

		var sq float64
		for _, v := range plane {
			d := float64(v) - mean
			sq += d * d
		}

		s.Mean[c] = float32(mean)
		if n > 1 {
			s.Std[c] = float32(math.Sqrt(sq / (n - 1)))
		}
	}

	return s
}

// Align rescales content so each channel carries the mean and std of style.
func Align(content, style *tensor.Tensor) (*tensor.Tensor, error) {
	if content.C != style.C {
		return nil, fmt.Errorf("%w: content has %d channels, style %d", tensor.ErrShapeMismatch, content.C, style.C)
	}

	cs, ss := Compute(content), Compute(style)
	out := tensor.New(content.C, content.H, content.W)

	for c := 0; c < content.C; c++ {
		scale := (float64(ss.Std[c]) + Epsilon) / (float64(cs.Std[c]) + Epsilon)
		mc, ms := float64(cs.Mean[c]), float64(ss.Mean[c])

		dst := out.Plane(c)
		for i, v := range content.Plane(c) {
			dst[i] = float32((float64(v)-mc)*scale + ms)
		}
	}

	return out, nil
}

package gatys

import (
	"math"

	"nstbot/internal/nst/tensor"
)

const (
	beta1   = 0.9
	beta2   = 0.999
	adamEps = 1e-8
)

// adam optimizes a single tensor in place with bias-corrected moment estimates.
type adam struct {
	lr   float64
	step int
	m, v []float64
}

func newAdam(lr float64, n int) *adam {
	return &adam{lr: lr, m: make([]float64, n), v: make([]float64, n)}
}

func (a *adam) update(p, grad *tensor.Tensor) {
	a.step++
	bc1 := 1 - math.Pow(beta1, float64(a.step))
	bc2 := math.Sqrt(1 - math.Pow(beta2, float64(a.step)))
	stepSize := a.lr / bc1

	for i, g := range grad.Data {
		gf := float64(g)
		a.m[i] = beta1*a.m[i] + (1-beta1)*gf
		a.v[i] = beta2*a.v[i] + (1-beta2)*gf*gf

		denom := math.Sqrt(a.v[i])/bc2 + adamEps
		p.Data[i] -= float32(stepSize * a.m[i] / denom)
	}
}

// decay multiplies the learning rate by gamma.
func (a *adam) decay(gamma float64) {
	a.lr *= gamma
}

// Package tensor holds the dense float32 feature maps the style-transfer engine computes on.
//
// Every tensor is a single image in channel-major order, i.e. shape (1, C, H, W) with the
// batch dimension left implicit.
package tensor

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"
)

var ErrShapeMismatch = errors.New("tensor shape mismatch")

type Tensor struct {
	C, H, W int
	Data    []float32
}

func New(c, h, w int) *Tensor {
	return &Tensor{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

// FromData wraps data without copying it.
func FromData(c, h, w int, data []float32) (*Tensor, error) {
	if len(data) != c*h*w {
		return nil, fmt.Errorf("%w: %d values for %dx%dx%d", ErrShapeMismatch, len(data), c, h, w)
	}

	return &Tensor{C: c, H: h, W: w, Data: data}, nil
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)

	return &Tensor{C: t.C, H: t.H, W: t.W, Data: data}
}

func (t *Tensor) SameShape(o *Tensor) bool {
	return t.C == o.C && t.H == o.H && t.W == o.W
}

func (t *Tensor) String() string {
	return fmt.Sprintf("(1, %d, %d, %d)", t.C, t.H, t.W)
}

// Plane returns the spatial values of channel c, sharing storage with t.
func (t *Tensor) Plane(c int) []float32 {
	n := t.H * t.W
	return t.Data[c*n : (c+1)*n]
}

func (t *Tensor) At(c, y, x int) float32 {
	return t.Data[(c*t.H+y)*t.W+x]
}

func (t *Tensor) Set(c, y, x int, v float32) {
	t.Data[(c*t.H+y)*t.W+x] = v
}

// Matrix views t as a C x (H*W) row-major matrix.
func (t *Tensor) Matrix() blas32.General {
	return blas32.General{Rows: t.C, Cols: t.H * t.W, Stride: t.H * t.W, Data: t.Data}
}

func (t *Tensor) Clamp(lo, hi float32) {
	for i, v := range t.Data {
		if v < lo {
			t.Data[i] = lo
		} else if v > hi {
			t.Data[i] = hi
		}
	}
}

// InRange reports whether every value lies in [lo, hi].
func (t *Tensor) InRange(lo, hi float32) bool {
	for _, v := range t.Data {
		if v < lo || v > hi {
			return false
		}
	}

	return true
}

func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}

	return true
}

// AddScaled computes t += s*o.
func (t *Tensor) AddScaled(o *Tensor, s float32) error {
	if !t.SameShape(o) {
		return fmt.Errorf("%w: %s vs %s", ErrShapeMismatch, t, o)
	}

	for i, v := range o.Data {
		t.Data[i] += s * v
	}

	return nil
}

// MSE returns the mean squared error between a and b together with its gradient with
// respect to a.
func MSE(a, b *Tensor) (float64, *Tensor, error) {
	if !a.SameShape(b) {
		return 0, nil, fmt.Errorf("%w: %s vs %s", ErrShapeMismatch, a, b)
	}

	n := float64(len(a.Data))
	grad := New(a.C, a.H, a.W)

	var sum float64
	for i := range a.Data {
		d := float64(a.Data[i]) - float64(b.Data[i])
		sum += d * d
		grad.Data[i] = float32(2 * d / n)
	}

	return sum / n, grad, nil
}

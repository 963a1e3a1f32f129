package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// maxColumnValues bounds the im2col scratch buffer of a single band (16 MiB of float32).
const maxColumnValues = 1 << 22

// Conv2d is a stride-1 zero-padded 2D convolution with frozen parameters.
// Weight is laid out as (OutC, InC, K, K), the same order torch serializes it in.
type Conv2d struct {
	InC, OutC int
	K, Pad    int
	Weight    []float32
	Bias      []float32
}

func NewConv2d(inC, outC, k int, weight, bias []float32) (*Conv2d, error) {
	if len(weight) != outC*inC*k*k {
		return nil, fmt.Errorf("%w: conv weight has %d values, want %d", ErrShapeMismatch, len(weight), outC*inC*k*k)
	}

	if len(bias) != outC {
		return nil, fmt.Errorf("%w: conv bias has %d values, want %d", ErrShapeMismatch, len(bias), outC)
	}

	return &Conv2d{InC: inC, OutC: outC, K: k, Pad: k / 2, Weight: weight, Bias: bias}, nil
}

func (c *Conv2d) weightMatrix() blas32.General {
	cols := c.InC * c.K * c.K
	return blas32.General{Rows: c.OutC, Cols: cols, Stride: cols, Data: c.Weight}
}

func (c *Conv2d) outputSize(h, w int) (int, int) {
	return h + 2*c.Pad - c.K + 1, w + 2*c.Pad - c.K + 1
}

func (c *Conv2d) bandRows(ow int) int {
	rows := maxColumnValues / (c.InC * c.K * c.K * ow)
	return max(rows, 1)
}

// Forward convolves x. The output is computed in bands of rows so the im2col buffer stays
// bounded regardless of image size.
func (c *Conv2d) Forward(x *Tensor) (*Tensor, error) {
	if x.C != c.InC {
		return nil, fmt.Errorf("%w: conv expects %d input channels, got %d", ErrShapeMismatch, c.InC, x.C)
	}

	oh, ow := c.outputSize(x.H, x.W)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%w: input %s too small for kernel %d", ErrShapeMismatch, x, c.K)
	}

	out := New(c.OutC, oh, ow)
	band := c.bandRows(ow)
	kk := c.InC * c.K * c.K
	cols := make([]float32, kk*band*ow)

	for y0 := 0; y0 < oh; y0 += band {
		rows := min(band, oh-y0)
		n := rows * ow
		c.im2col(x, cols[:kk*n], y0, rows, ow)

		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			c.weightMatrix(),
			blas32.General{Rows: kk, Cols: n, Stride: n, Data: cols[:kk*n]},
			0,
			blas32.General{Rows: c.OutC, Cols: n, Stride: oh * ow, Data: out.Data[y0*ow:]})
	}

	for o := 0; o < c.OutC; o++ {
		b := c.Bias[o]
		plane := out.Plane(o)
		for i := range plane {
			plane[i] += b
		}
	}

	return out, nil
}

// BackwardInput returns the gradient with respect to the input of a forward pass over an
// h x w input, given the gradient of the output. Parameters are frozen so no weight
// gradient is produced.
func (c *Conv2d) BackwardInput(grad *Tensor, h, w int) (*Tensor, error) {
	oh, ow := c.outputSize(h, w)
	if grad.C != c.OutC || grad.H != oh || grad.W != ow {
		return nil, fmt.Errorf("%w: conv gradient %s for %dx%d input", ErrShapeMismatch, grad, h, w)
	}

	dx := New(c.InC, h, w)
	band := c.bandRows(ow)
	kk := c.InC * c.K * c.K
	cols := make([]float32, kk*band*ow)

	for y0 := 0; y0 < oh; y0 += band {
		rows := min(band, oh-y0)
		n := rows * ow

		blas32.Gemm(blas.Trans, blas.NoTrans, 1,
			c.weightMatrix(),
			blas32.General{Rows: c.OutC, Cols: n, Stride: oh * ow, Data: grad.Data[y0*ow:]},
			0,
			blas32.General{Rows: kk, Cols: n, Stride: n, Data: cols[:kk*n]})

		c.col2im(cols[:kk*n], dx, y0, rows, ow)
	}

	return dx, nil
}

func (c *Conv2d) im2col(x *Tensor, cols []float32, y0, rows, ow int) {
	n := rows * ow
	for ci := 0; ci < c.InC; ci++ {
		for ky := 0; ky < c.K; ky++ {
			for kx := 0; kx < c.K; kx++ {
				row := cols[((ci*c.K+ky)*c.K+kx)*n:][:n]
				for r := 0; r < rows; r++ {
					iy := y0 + r + ky - c.Pad
					dst := row[r*ow : (r+1)*ow]
					if iy < 0 || iy >= x.H {
						clear(dst)
						continue
					}
					src := x.Data[(ci*x.H+iy)*x.W:][:x.W]
					for ox := range dst {
						ix := ox + kx - c.Pad
						if ix < 0 || ix >= x.W {
							dst[ox] = 0
						} else {
							dst[ox] = src[ix]
						}
					}
				}
			}
		}
	}
}

func (c *Conv2d) col2im(cols []float32, dx *Tensor, y0, rows, ow int) {
	n := rows * ow
	for ci := 0; ci < c.InC; ci++ {
		for ky := 0; ky < c.K; ky++ {
			for kx := 0; kx < c.K; kx++ {
				row := cols[((ci*c.K+ky)*c.K+kx)*n:][:n]
				for r := 0; r < rows; r++ {
					iy := y0 + r + ky - c.Pad
					if iy < 0 || iy >= dx.H {
						continue
					}
					dst := dx.Data[(ci*dx.H+iy)*dx.W:][:dx.W]
					src := row[r*ow : (r+1)*ow]
					for ox, v := range src {
						ix := ox + kx - c.Pad
						if ix >= 0 && ix < dx.W {
							dst[ix] += v
						}
					}
				}
			}
		}
	}
}

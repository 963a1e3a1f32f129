package gatys

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"nstbot/internal/nst/tensor"
)

// Gram returns F*F^T / (C*H*W) for the C x (H*W) matrix F of fm, as a (1, C, C) tensor.
func Gram(fm *tensor.Tensor) *tensor.Tensor {
	c := fm.C
	g := tensor.New(1, c, c)
	alpha := float32(1 / float64(fm.Len()))

	blas32.Syrk(blas.NoTrans, alpha, fm.Matrix(),
		0, blas32.Symmetric{Uplo: blas.Lower, N: c, Stride: c, Data: g.Data})

	// Syrk fills one triangle only
	for i := 0; i < c; i++ {
		for j := i + 1; j < c; j++ {
			g.Data[i*c+j] = g.Data[j*c+i]
		}
	}

	return g
}

// gramBackward returns dL/dF given dL/dG for a symmetric dG.
func gramBackward(fm, dG *tensor.Tensor) *tensor.Tensor {
	c := fm.C
	out := tensor.New(fm.C, fm.H, fm.W)
	alpha := float32(2 / float64(fm.Len()))

	blas32.Gemm(blas.NoTrans, blas.NoTrans, alpha,
		blas32.General{Rows: c, Cols: c, Stride: c, Data: dG.Data},
		fm.Matrix(),
		0, out.Matrix())

	return out
}

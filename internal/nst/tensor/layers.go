package tensor

import "fmt"

func ReLU(x *Tensor) *Tensor {
	out := New(x.C, x.H, x.W)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}

	return out
}

// ReLUBackward masks grad by the positive entries of the forward input x.
func ReLUBackward(x, grad *Tensor) *Tensor {
	out := New(x.C, x.H, x.W)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = grad.Data[i]
		}
	}

	return out
}

// MaxPool2 applies a 2x2 max pool with stride 2 and returns the flat input index each
// output value was taken from. Odd trailing rows and columns are dropped.
func MaxPool2(x *Tensor) (*Tensor, []int32) {
	oh, ow := x.H/2, x.W/2
	out := New(x.C, oh, ow)
	argmax := make([]int32, out.Len())

	for c := 0; c < x.C; c++ {
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				base := (c*x.H+2*y)*x.W + 2*xx
				best := base
				for _, off := range [3]int{1, x.W, x.W + 1} {
					if x.Data[base+off] > x.Data[best] {
						best = base + off
					}
				}
				o := (c*oh+y)*ow + xx
				out.Data[o] = x.Data[best]
				argmax[o] = int32(best)
			}
		}
	}

	return out, argmax
}

// MaxPool2Backward routes grad back to the positions recorded by MaxPool2.
func MaxPool2Backward(grad *Tensor, argmax []int32, c, h, w int) *Tensor {
	out := New(c, h, w)
	for i, g := range grad.Data {
		out.Data[argmax[i]] += g
	}

	return out
}

// Upsample2 doubles the spatial size with nearest-neighbour sampling.
func Upsample2(x *Tensor) *Tensor {
	out := New(x.C, x.H*2, x.W*2)
	for c := 0; c < x.C; c++ {
		for y := 0; y < out.H; y++ {
			src := x.Data[(c*x.H+y/2)*x.W:]
			dst := out.Data[(c*out.H+y)*out.W:]
			for xx := 0; xx < out.W; xx++ {
				dst[xx] = src[xx/2]
			}
		}
	}

	return out
}

// ChannelAffine computes out[c] = (x[c] - sub[c]) * mul[c] for every channel.
func ChannelAffine(x *Tensor, sub, mul []float32) (*Tensor, error) {
	if len(sub) != x.C || len(mul) != x.C {
		return nil, fmt.Errorf("%w: %d channels, %d/%d coefficients", ErrShapeMismatch, x.C, len(sub), len(mul))
	}

	out := New(x.C, x.H, x.W)
	for c := 0; c < x.C; c++ {
		src, dst := x.Plane(c), out.Plane(c)
		for i, v := range src {
			dst[i] = (v - sub[c]) * mul[c]
		}
	}

	return out, nil
}

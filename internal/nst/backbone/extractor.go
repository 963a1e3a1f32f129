package backbone

import (
	"fmt"

	"nstbot/internal/nst/tensor"
)

var (
	ImageNetMean = []float32{0.485, 0.456, 0.406}
	ImageNetStd  = []float32{0.229, 0.224, 0.225}
)

// Normalize maps a [0,1] RGB image into the distribution the backbone was trained on.
func Normalize(x *tensor.Tensor) (*tensor.Tensor, error) {
	inv := make([]float32, len(ImageNetStd))
	for i, s := range ImageNetStd {
		inv[i] = 1 / s
	}

	return tensor.ChannelAffine(x, ImageNetMean, inv)
}

// NormalizeBackward maps a gradient with respect to the normalized image back to pixel space.
func NormalizeBackward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	inv := make([]float32, len(ImageNetStd))
	for i, s := range ImageNetStd {
		inv[i] = 1 / s
	}

	return tensor.ChannelAffine(grad, make([]float32, len(inv)), inv)
}

// Denormalize is the inverse of Normalize.
func Denormalize(x *tensor.Tensor) (*tensor.Tensor, error) {
	shift := make([]float32, len(ImageNetMean))
	for i := range shift {
		shift[i] = -ImageNetMean[i] / ImageNetStd[i]
	}

	return tensor.ChannelAffine(x, shift, ImageNetStd)
}

// Extractor reads feature maps at fixed cut points of a network. Cuts are ordered
// shallowest first.
type Extractor struct {
	net  *Network
	cuts []int
}

func NewExtractor(net *Network, cuts ...string) (*Extractor, error) {
	if len(cuts) == 0 {
		return nil, fmt.Errorf("%w: no cut points", ErrUnknownLayer)
	}

	e := &Extractor{net: net, cuts: make([]int, len(cuts))}
	for i, name := range cuts {
		idx, err := net.Index(name)
		if err != nil {
			return nil, err
		}

		if i > 0 && idx <= e.cuts[i-1] {
			return nil, fmt.Errorf("cut %s is not deeper than %s", name, cuts[i-1])
		}
		e.cuts[i] = idx
	}

	return e, nil
}

// Channels returns the channel count of the final feature map.
func (e *Extractor) Channels() int {
	return e.net.OutChannels(e.cuts[len(e.cuts)-1])
}

// All returns the feature maps at every cut point of the normalized image x.
func (e *Extractor) All(x *tensor.Tensor) ([]*tensor.Tensor, error) {
	maps := make([]*tensor.Tensor, len(e.cuts))
	from := 0

	for i, cut := range e.cuts {
		var err error
		x, err = e.net.Forward(x, from, cut)
		if err != nil {
			return nil, err
		}
		maps[i] = x
		from = cut + 1
	}

	return maps, nil
}

// Final returns only the deepest feature map.
func (e *Extractor) Final(x *tensor.Tensor) (*tensor.Tensor, error) {
	return e.net.Forward(x, 0, e.cuts[len(e.cuts)-1])
}

package backbone

import (
	"errors"
	"fmt"

	"nstbot/internal/nst/tensor"
)

var (
	ErrUnknownLayer  = errors.New("unknown layer")
	ErrMissingWeight = errors.New("missing weight")
)

// Network is an immutable evaluated layer table. It is safe for concurrent use: every forward
// pass allocates its own activations.
type Network struct {
	specs []LayerSpec
	convs []*tensor.Conv2d
	index map[string]int
}

// Build binds weights to specs. Every conv layer needs <name>.weight shaped (out, in, k, k)
// and <name>.bias shaped (out).
func Build(specs []LayerSpec, w Weights) (*Network, error) {
	n := &Network{
		specs: specs,
		convs: make([]*tensor.Conv2d, len(specs)),
		index: make(map[string]int, len(specs)),
	}

	for i, spec := range specs {
		if _, dup := n.index[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate layer name %q", spec.Name)
		}
		n.index[spec.Name] = i

		if spec.Kind != Conv {
			continue
		}

		weight, err := w.param(spec.Name+".weight", spec.OutC, spec.InC, spec.Kernel, spec.Kernel)
		if err != nil {
			return nil, err
		}

		bias, err := w.param(spec.Name+".bias", spec.OutC)
		if err != nil {
			return nil, err
		}

		n.convs[i], err = tensor.NewConv2d(spec.InC, spec.OutC, spec.Kernel, weight, bias)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", spec.Name, err)
		}
	}

	return n, nil
}

func (n *Network) Len() int {
	return len(n.specs)
}

func (n *Network) Specs() []LayerSpec {
	return n.specs
}

// Index returns the position of the named layer in the table.
func (n *Network) Index(name string) (int, error) {
	i, ok := n.index[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownLayer, name)
	}

	return i, nil
}

// OutChannels returns the channel count produced by layer i.
func (n *Network) OutChannels(i int) int {
	return n.specs[i].OutC
}

func (n *Network) layer(i int, x *tensor.Tensor) (*tensor.Tensor, []int32, error) {
	spec := n.specs[i]
	if x.C != spec.InC {
		return nil, nil, fmt.Errorf("%w: layer %s expects %d channels, got %s",
			tensor.ErrShapeMismatch, spec.Name, spec.InC, x)
	}

	switch spec.Kind {
	case Conv:
		out, err := n.convs[i].Forward(x)
		return out, nil, err
	case ReLU:
		return tensor.ReLU(x), nil, nil
	case Pool:
		out, argmax := tensor.MaxPool2(x)
		return out, argmax, nil
	case Upsample:
		return tensor.Upsample2(x), nil, nil
	default:
		return nil, nil, fmt.Errorf("layer %s: unsupported kind %s", spec.Name, spec.Kind)
	}
}

// Forward runs layers from..to inclusive on x.
func (n *Network) Forward(x *tensor.Tensor, from, to int) (*tensor.Tensor, error) {
	if from < 0 || to >= len(n.specs) || from > to {
		return nil, fmt.Errorf("%w: range %d..%d of %d layers", ErrUnknownLayer, from, to, len(n.specs))
	}

	var err error
	for i := from; i <= to; i++ {
		x, _, err = n.layer(i, x)
		if err != nil {
			return nil, err
		}
	}

	return x, nil
}

// Trace holds every activation of one forward pass so gradients can be propagated back
// through it.
type Trace struct {
	inputs  []*tensor.Tensor
	outputs []*tensor.Tensor
	argmax  [][]int32
}

// Output returns the activation produced by layer i.
func (t *Trace) Output(i int) *tensor.Tensor {
	return t.outputs[i]
}

// Depth is the number of layers the trace covers.
func (t *Trace) Depth() int {
	return len(t.outputs)
}

// Trace runs layers 0..last on x and records the activations.
func (n *Network) Trace(x *tensor.Tensor, last int) (*Trace, error) {
	if last < 0 || last >= len(n.specs) {
		return nil, fmt.Errorf("%w: layer %d of %d", ErrUnknownLayer, last, len(n.specs))
	}

	tr := &Trace{
		inputs:  make([]*tensor.Tensor, last+1),
		outputs: make([]*tensor.Tensor, last+1),
		argmax:  make([][]int32, last+1),
	}

	for i := 0; i <= last; i++ {
		out, argmax, err := n.layer(i, x)
		if err != nil {
			return nil, err
		}
		tr.inputs[i], tr.outputs[i], tr.argmax[i] = x, out, argmax
		x = out
	}

	return tr, nil
}

// Backward propagates gradients injected at layer outputs back to the network input. grads
// maps a layer index to the loss gradient with respect to that layer's output.
func (n *Network) Backward(tr *Trace, grads map[int]*tensor.Tensor) (*tensor.Tensor, error) {
	var g *tensor.Tensor

	for i := tr.Depth() - 1; i >= 0; i-- {
		if inj, ok := grads[i]; ok {
			if g == nil {
				g = inj.Clone()
			} else if err := g.AddScaled(inj, 1); err != nil {
				return nil, fmt.Errorf("layer %s: %w", n.specs[i].Name, err)
			}
		}

		if g == nil {
			continue
		}

		in := tr.inputs[i]
		switch n.specs[i].Kind {
		case Conv:
			var err error
			g, err = n.convs[i].BackwardInput(g, in.H, in.W)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", n.specs[i].Name, err)
			}
		case ReLU:
			g = tensor.ReLUBackward(in, g)
		case Pool:
			g = tensor.MaxPool2Backward(g, tr.argmax[i], in.C, in.H, in.W)
		default:
			return nil, fmt.Errorf("layer %s: no gradient for %s", n.specs[i].Name, n.specs[i].Kind)
		}
	}

	if g == nil {
		in := tr.inputs[0]
		return tensor.New(in.C, in.H, in.W), nil
	}

	return g, nil
}

// Package backbone describes the convolutional networks shared by both transfer algorithms as
// static layer tables and evaluates them over tensors.
package backbone

import "fmt"

type Kind int

const (
	Conv Kind = iota
	ReLU
	Pool
	Upsample
)

func (k Kind) String() string {
	switch k {
	case Conv:
		return "conv"
	case ReLU:
		return "relu"
	case Pool:
		return "pool"
	case Upsample:
		return "up"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// LayerSpec is one stage of a network. Names follow the conv counter: every stage after the
// n-th convolution and before the next one is called <kind>_n.
type LayerSpec struct {
	Name   string
	Kind   Kind
	InC    int
	OutC   int
	Kernel int
}

// EncoderCuts are the four encoder depths used by the feed-forward algorithm, shallowest first.
var EncoderCuts = []string{"relu_1", "relu_3", "relu_5", "relu_9"}

type tableBuilder struct {
	specs []LayerSpec
	convs int
	ch    int
}

func (b *tableBuilder) conv(out int, relu bool) {
	b.convs++
	b.specs = append(b.specs, LayerSpec{
		Name: fmt.Sprintf("conv_%d", b.convs), Kind: Conv, InC: b.ch, OutC: out, Kernel: 3,
	})
	b.ch = out

	if relu {
		b.specs = append(b.specs, LayerSpec{
			Name: fmt.Sprintf("relu_%d", b.convs), Kind: ReLU, InC: out, OutC: out,
		})
	}
}

func (b *tableBuilder) add(kind Kind) {
	b.specs = append(b.specs, LayerSpec{
		Name: fmt.Sprintf("%s_%d", kind, b.convs), Kind: kind, InC: b.ch, OutC: b.ch,
	})
}

func scaled(ch, div int) int {
	return max(ch/div, 1)
}

// VGG19 returns the VGG19 feature stack up to conv_16.
func VGG19() []LayerSpec {
	return VGG19Width(1)
}

// VGG19Width returns VGG19 with every hidden width divided by div. The input stays RGB.
func VGG19Width(div int) []LayerSpec {
	b := &tableBuilder{ch: 3}
	blocks := []struct{ width, convs int }{{64, 2}, {128, 2}, {256, 4}, {512, 4}, {512, 4}}

	for i, blk := range blocks {
		for range blk.convs {
			b.conv(scaled(blk.width, div), true)
		}
		if i < len(blocks)-1 {
			b.add(Pool)
		}
	}

	// the table ends at the last convolution a loss probe can target
	return b.specs[:len(b.specs)-1]
}

// Decoder returns the upsampling stack that mirrors the encoder up to relu_9.
func Decoder() []LayerSpec {
	return DecoderWidth(1)
}

func DecoderWidth(div int) []LayerSpec {
	b := &tableBuilder{ch: scaled(512, div)}

	b.conv(scaled(256, div), true)
	b.conv(scaled(256, div), true)
	b.add(Upsample)

	b.conv(scaled(256, div), true)
	b.conv(scaled(256, div), true)
	b.conv(scaled(128, div), true)
	b.add(Upsample)

	b.conv(scaled(128, div), true)
	b.conv(scaled(64, div), true)
	b.add(Upsample)

	b.conv(scaled(64, div), true)
	b.conv(3, false)

	return b.specs
}

// Package gatys stylizes an image by optimizing its pixels against content and style losses
// probed at fixed depths of a frozen backbone.
package gatys

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"nstbot/internal/nst/backbone"
	"nstbot/internal/nst/tensor"
)

var ErrDiverged = errors.New("loss is not finite")

type Params struct {
	LearningRate  float64
	Steps         int
	StyleWeight   float64
	ContentWeight float64
	// SchedulerStep multiplies the learning rate by Gamma every SchedulerStep steps. Zero
	// disables the schedule.
	SchedulerStep int
	Gamma         float64
	ContentLayers []string
	StyleLayers   []string
	// Observer, if set, sees the clamped image after every step. It must not retain img.
	Observer func(step int, img *tensor.Tensor, loss float64)
}

type probes struct {
	content []int
	style   []int
	last    int
}

func resolveProbes(net *backbone.Network, p Params) (probes, error) {
	var pr probes

	for _, name := range p.ContentLayers {
		i, err := net.Index(name)
		if err != nil {
			return pr, fmt.Errorf("content probe: %w", err)
		}
		pr.content = append(pr.content, i)
		pr.last = max(pr.last, i)
	}

	for _, name := range p.StyleLayers {
		i, err := net.Index(name)
		if err != nil {
			return pr, fmt.Errorf("style probe: %w", err)
		}
		pr.style = append(pr.style, i)
		pr.last = max(pr.last, i)
	}

	if len(pr.content) == 0 && len(pr.style) == 0 {
		return pr, errors.New("no loss probes configured")
	}

	return pr, nil
}

// targets holds the frozen feature maps the optimized image is compared against.
type targets struct {
	content map[int]*tensor.Tensor
	grams   map[int]*tensor.Tensor
}

func computeTargets(ctx context.Context, net *backbone.Network, content, style *tensor.Tensor,
	pr probes) (*targets, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := &targets{content: make(map[int]*tensor.Tensor), grams: make(map[int]*tensor.Tensor)}
	var g errgroup.Group

	if len(pr.content) > 0 {
		g.Go(func() error {
			tr, err := traceImage(net, content, pr.last)
			if err != nil {
				return fmt.Errorf("content targets: %w", err)
			}
			for _, i := range pr.content {
				t.content[i] = tr.Output(i)
			}
			return nil
		})
	}

	if len(pr.style) > 0 {
		g.Go(func() error {
			tr, err := traceImage(net, style, pr.last)
			if err != nil {
				return fmt.Errorf("style targets: %w", err)
			}
			for _, i := range pr.style {
				t.grams[i] = Gram(tr.Output(i))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return t, nil
}

func traceImage(net *backbone.Network, img *tensor.Tensor, last int) (*backbone.Trace, error) {
	x, err := backbone.Normalize(img)
	if err != nil {
		return nil, err
	}

	return net.Trace(x, last)
}

// Transfer optimizes a copy of content so its features match content at the content probes
// and its Gram matrices match style at the style probes. Both images are RGB in [0,1]. The
// result is clamped to [0,1] after every step.
func Transfer(ctx context.Context, net *backbone.Network, content, style *tensor.Tensor,
	p Params) (*tensor.Tensor, error) {
	pr, err := resolveProbes(net, p)
	if err != nil {
		return nil, err
	}

	tg, err := computeTargets(ctx, net, content, style, pr)
	if err != nil {
		return nil, err
	}

	img := content.Clone()
	opt := newAdam(p.LearningRate, img.Len())

	for step := 1; step <= p.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		loss, grad, err := lossAndGradient(net, img, tg, pr, p)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}

		if math.IsNaN(loss) || math.IsInf(loss, 0) || !grad.IsFinite() {
			return nil, fmt.Errorf("step %d: %w", step, ErrDiverged)
		}

		opt.update(img, grad)

		if p.SchedulerStep > 0 && step%p.SchedulerStep == 0 {
			opt.decay(p.Gamma)
		}

		img.Clamp(0, 1)

		if p.Observer != nil {
			p.Observer(step, img, loss)
		}
	}

	img.Clamp(0, 1)

	return img, nil
}

func lossAndGradient(net *backbone.Network, img *tensor.Tensor, tg *targets, pr probes,
	p Params) (float64, *tensor.Tensor, error) {
	tr, err := traceImage(net, img, pr.last)
	if err != nil {
		return 0, nil, err
	}

	grads := make(map[int]*tensor.Tensor)
	inject := func(i int, g *tensor.Tensor, weight float64) error {
		for k := range g.Data {
			g.Data[k] *= float32(weight)
		}
		if prev, ok := grads[i]; ok {
			return prev.AddScaled(g, 1)
		}
		grads[i] = g
		return nil
	}

	var contentLoss, styleLoss float64

	for _, i := range pr.content {
		l, g, err := tensor.MSE(tr.Output(i), tg.content[i])
		if err != nil {
			return 0, nil, fmt.Errorf("content loss: %w", err)
		}
		contentLoss += l
		if err := inject(i, g, p.ContentWeight); err != nil {
			return 0, nil, err
		}
	}

	for _, i := range pr.style {
		fm := tr.Output(i)
		l, dG, err := tensor.MSE(Gram(fm), tg.grams[i])
		if err != nil {
			return 0, nil, fmt.Errorf("style loss: %w", err)
		}
		styleLoss += l
		if err := inject(i, gramBackward(fm, dG), p.StyleWeight); err != nil {
			return 0, nil, err
		}
	}

	dx, err := net.Backward(tr, grads)
	if err != nil {
		return 0, nil, err
	}

	dImg, err := backbone.NormalizeBackward(dx)
	if err != nil {
		return 0, nil, err
	}

	return p.ContentWeight*contentLoss + p.StyleWeight*styleLoss, dImg, nil
}

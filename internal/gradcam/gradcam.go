// Package gradcam produces gradient-weighted class activation heatmaps.
//
// The network is shallow and fully known, so instead of a general autodiff
// engine the backward pass is written as closed-form rules per layer type,
// consuming the forward trace the inference engine already captured. The
// gradients therefore come from exactly the computation graph that produced
// the displayed activations.
package gradcam

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/Ka1laK/VisionForge/internal/infer"
	"github.com/Ka1laK/VisionForge/internal/model"
)

// Explain produces a heatmap of the input regions supporting the score of
// class against the last convolutional layer. The heatmap has the input's
// spatial resolution and values in [0,1].
func Explain(m *model.Model, res *infer.Result, class int) (*model.Tensor, error) {
	idx, err := m.LastConv()
	if err != nil {
		return nil, err
	}
	return ExplainLayer(m, res, class, m.Layers[idx].Name())
}

// ExplainLayer is Explain with an explicit target convolutional layer.
func ExplainLayer(m *model.Model, res *infer.Result, class int, layerName string) (*model.Tensor, error) {
	idx, err := m.LayerIndex(layerName)
	if err != nil {
		return nil, err
	}
	if _, ok := m.Layers[idx].(*model.Conv2D); !ok {
		return nil, fmt.Errorf("grad-cam target %q is not a convolutional layer", layerName)
	}
	if class < 0 || class >= model.NumClasses {
		return nil, fmt.Errorf("target class %d out of range [0,%d)", class, model.NumClasses)
	}

	activation := res.Trace[idx].Output
	grads, err := ClassGradient(res, class, idx+1)
	if err != nil {
		return nil, err
	}

	cam, err := weightedSum(activation, grads)
	if err != nil {
		return nil, err
	}
	resized := resizeBilinear(cam, model.InputSize, model.InputSize)
	normalizeMax(resized.Data)
	return resized, nil
}

// ClassGradient computes the gradient of the pre-softmax score for class
// with respect to the input of the layer at fromIdx, by backward
// differentiation over the trace from the output down to fromIdx. The
// softmax itself is excluded: Grad-CAM differentiates the logit.
func ClassGradient(res *infer.Result, class int, fromIdx int) (*model.Tensor, error) {
	if fromIdx < 0 || fromIdx >= len(res.Trace) {
		return nil, fmt.Errorf("layer index %d outside trace of %d layers", fromIdx, len(res.Trace))
	}
	last := res.Trace[len(res.Trace)-1]
	final, ok := last.Layer.(*model.Dense)
	if !ok || final.Activation != model.ActSoftmax {
		return nil, fmt.Errorf("model does not end in a softmax dense layer")
	}
	if class < 0 || class >= final.Units {
		return nil, fmt.Errorf("target class %d out of range [0,%d)", class, final.Units)
	}

	// Seed: d(logit_class)/d(logits) is one-hot. The final layer's ReLU-free
	// pre-activation is the logit vector, so backward starts at its weights.
	grad := model.NewTensor(final.Units)
	grad.Data[class] = 1

	for i := len(res.Trace) - 1; i >= fromIdx; i-- {
		state := &res.Trace[i]
		var err error
		switch l := state.Layer.(type) {
		case *model.Dense:
			grad, err = backwardDense(l, state, grad, i == len(res.Trace)-1)
		case *model.Flatten:
			grad, err = grad.Reshape(state.Input.Shape...)
		case *model.MaxPool:
			grad, err = backwardPool(state, grad)
		case *model.Conv2D:
			grad, err = backwardConv(l, state, grad)
		default:
			err = fmt.Errorf("no backward rule for layer %T", state.Layer)
		}
		if err != nil {
			return nil, err
		}
	}
	return grad, nil
}

// backwardDense propagates through y = act(W·x + b): mask by the recorded
// pre-activation sign for ReLU, then dx = Wᵀ·dy. The final logit layer is
// differentiated before its softmax, so it gets no mask.
func backwardDense(l *model.Dense, state *infer.LayerState, grad *model.Tensor, isLogits bool) (*model.Tensor, error) {
	if grad.Len() != l.Units {
		return nil, &model.ShapeError{Layer: l.Name(), Got: grad.Shape, Want: fmt.Sprintf("[%d]", l.Units)}
	}
	dy := grad.Data
	if !isLogits && l.Activation == model.ActReLU {
		dy = make([]float64, l.Units)
		for i, g := range grad.Data {
			if state.PreAct.Data[i] > 0 {
				dy[i] = g
			}
		}
	}

	weights := mat.NewDense(l.Units, l.InputSize(), l.Weights.Data)
	out := model.NewTensor(l.InputSize())
	dx := mat.NewVecDense(out.Len(), out.Data)
	dx.MulVec(weights.T(), mat.NewVecDense(len(dy), dy))
	return out, nil
}

// backwardPool routes each output gradient to the input cell that won its
// window during the forward pass.
func backwardPool(state *infer.LayerState, grad *model.Tensor) (*model.Tensor, error) {
	if !model.SameShape(grad.Shape, state.Output.Shape) {
		return nil, &model.ShapeError{Layer: state.Layer.Name(), Got: grad.Shape,
			Want: fmt.Sprint(state.Output.Shape)}
	}
	out := model.NewTensor(state.Input.Shape...)
	for i, g := range grad.Data {
		out.Data[state.MaxIdx[i]] += g
	}
	return out, nil
}

// backwardConv propagates through ReLU(conv(x)): mask by the recorded
// pre-activation sign, then scatter each output gradient back through the
// kernel taps that produced it. Mirror of the forward gather.
func backwardConv(l *model.Conv2D, state *infer.LayerState, grad *model.Tensor) (*model.Tensor, error) {
	if !model.SameShape(grad.Shape, state.Output.Shape) {
		return nil, &model.ShapeError{Layer: l.Name(), Got: grad.Shape,
			Want: fmt.Sprint(state.Output.Shape)}
	}
	inC, inH, inW, err := state.Input.Dims3()
	if err != nil {
		return nil, err
	}
	_, outH, outW, _ := state.Output.Dims3()

	pad := l.Pad()
	out := model.NewTensor(state.Input.Shape...)
	for f := 0; f < l.Filters; f++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				if state.PreAct.At3(f, oh, ow) <= 0 {
					continue
				}
				g := grad.At3(f, oh, ow)
				if g == 0 {
					continue
				}
				for c := 0; c < inC; c++ {
					for kh := 0; kh < l.KernelSize; kh++ {
						ih := oh*l.Stride + kh - pad
						if ih < 0 || ih >= inH {
							continue
						}
						for kw := 0; kw < l.KernelSize; kw++ {
							iw := ow*l.Stride + kw - pad
							if iw < 0 || iw >= inW {
								continue
							}
							wIdx := ((f*inC+c)*l.KernelSize+kh)*l.KernelSize + kw
							out.Data[(c*inH+ih)*inW+iw] += g * l.Weights.Data[wIdx]
						}
					}
				}
			}
		}
	}
	return out, nil
}

// weightedSum reduces per-channel gradients to spatial-mean importance
// weights and sums the weighted activation channels, keeping only positive
// contributions. Negative evidence is discarded: the map highlights regions
// supporting the class, not opposing it.
func weightedSum(activation, grads *model.Tensor) (*model.Tensor, error) {
	if !model.SameShape(activation.Shape, grads.Shape) {
		return nil, &model.ShapeError{Layer: "grad-cam", Got: grads.Shape,
			Want: fmt.Sprint(activation.Shape)}
	}
	ch, h, w, err := activation.Dims3()
	if err != nil {
		return nil, err
	}

	area := float64(h * w)
	cam := model.NewTensor(h, w)
	for c := 0; c < ch; c++ {
		weight := floats.Sum(grads.Data[c*h*w:(c+1)*h*w]) / area
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				cam.Data[y*w+x] += weight * activation.At3(c, y, x)
			}
		}
	}
	for i, v := range cam.Data {
		cam.Data[i] = math.Max(0, v)
	}
	return cam, nil
}

// resizeBilinear interpolates an HxW tensor to a new spatial resolution.
// Operates on raw floats: the map is resized before normalization, so going
// through an 8-bit image here would quantize the importance scores.
func resizeBilinear(t *model.Tensor, outH, outW int) *model.Tensor {
	inH, inW := t.Shape[0], t.Shape[1]
	out := model.NewTensor(outH, outW)
	if inH == 1 && inW == 1 {
		for i := range out.Data {
			out.Data[i] = t.Data[0]
		}
		return out
	}
	scaleY := float64(inH-1) / float64(max(outH-1, 1))
	scaleX := float64(inW-1) / float64(max(outW-1, 1))
	for y := 0; y < outH; y++ {
		sy := float64(y) * scaleY
		y0 := int(sy)
		y1 := min(y0+1, inH-1)
		fy := sy - float64(y0)
		for x := 0; x < outW; x++ {
			sx := float64(x) * scaleX
			x0 := int(sx)
			x1 := min(x0+1, inW-1)
			fx := sx - float64(x0)
			top := t.Data[y0*inW+x0]*(1-fx) + t.Data[y0*inW+x1]*fx
			bot := t.Data[y1*inW+x0]*(1-fx) + t.Data[y1*inW+x1]*fx
			out.Data[y*outW+x] = top*(1-fy) + bot*fy
		}
	}
	return out
}

// normalizeMax scales values into [0,1] by the maximum. A near-zero maximum
// (uniformly non-positive gradients) yields an all-zero map instead of a
// division blow-up.
func normalizeMax(v []float64) {
	mx := floats.Max(v)
	if mx < 1e-12 {
		for i := range v {
			v[i] = 0
		}
		return
	}
	// True division: v <= mx rounds to a quotient <= 1 exactly, where a
	// reciprocal multiply could drift just past it.
	for i := range v {
		v[i] /= mx
	}
}

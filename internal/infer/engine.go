// Package infer executes the forward pass of a loaded model, capturing the
// intermediate activations the visualization layer needs. It never mutates
// the model: running the same input twice yields bit-identical results.
package infer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/Ka1laK/VisionForge/internal/model"
)

// LayerState records one layer's forward computation. The explainer reuses
// these values for its backward pass, so gradients are always consistent
// with the activations a client was shown.
type LayerState struct {
	Layer  model.Layer
	Input  *model.Tensor
	Output *model.Tensor
	// PreAct holds the pre-activation values of Conv2D and Dense layers
	// (needed for ReLU masking on the way back). Nil for other layers.
	PreAct *model.Tensor
	// MaxIdx maps each MaxPool output cell to the flat input index that
	// won the window. Nil for other layers.
	MaxIdx []int
}

// Result is everything one forward pass produces. Ephemeral: scoped to a
// single request and never shared.
type Result struct {
	Prediction  int
	Confidence  float64
	Probs       []float64
	Logits      []float64
	Activations map[string]*model.Tensor
	Trace       []LayerState
}

// Run executes the model over a canonical input tensor. Activations are
// captured during the single pass: every Conv2D and hidden Dense output
// under the layer's name, plus the pre-softmax scores under "logits".
func Run(m *model.Model, in *model.Tensor) (*Result, error) {
	if len(in.Shape) != 3 || in.Shape[0] != 1 ||
		in.Shape[1] != model.InputSize || in.Shape[2] != model.InputSize {
		return nil, &model.ShapeError{Layer: "input", Got: in.Shape,
			Want: fmt.Sprintf("[1x%dx%d]", model.InputSize, model.InputSize)}
	}
	res, err := RunLayers(m, in)
	if err != nil {
		return nil, err
	}
	if len(res.Probs) != model.NumClasses {
		return nil, &model.ShapeError{Layer: "output",
			Got: []int{len(res.Probs)}, Want: fmt.Sprintf("[%d]", model.NumClasses)}
	}
	return res, nil
}

// RunLayers executes an arbitrary layer stack without the canonical input
// gate. The explainer's numerical checks drive partial stacks through this
// entry point; serving always goes through Run.
func RunLayers(m *model.Model, in *model.Tensor) (*Result, error) {
	res := &Result{
		Activations: make(map[string]*model.Tensor),
		Trace:       make([]LayerState, 0, len(m.Layers)),
	}

	cur := in
	for _, layer := range m.Layers {
		state := LayerState{Layer: layer, Input: cur}
		var err error
		switch l := layer.(type) {
		case *model.Conv2D:
			state.PreAct, state.Output, err = forwardConv(l, cur)
			if err == nil {
				res.Activations[l.Name()] = state.Output
			}
		case *model.MaxPool:
			state.Output, state.MaxIdx, err = forwardPool(l, cur)
		case *model.Flatten:
			if len(cur.Shape) < 2 {
				err = &model.ShapeError{Layer: l.Name(), Got: cur.Shape, Want: "rank >= 2"}
				break
			}
			state.Output, err = cur.Reshape(cur.Len())
		case *model.Dense:
			state.PreAct, state.Output, err = forwardDense(l, cur)
			if err != nil {
				break
			}
			if l.Activation == model.ActSoftmax {
				res.Logits = append([]float64(nil), state.PreAct.Data...)
				res.Activations["logits"] = state.PreAct
			} else {
				res.Activations[l.Name()] = state.Output
			}
		default:
			err = fmt.Errorf("layer %q: unknown layer type %T", layer.Name(), layer)
		}
		if err != nil {
			return nil, err
		}
		res.Trace = append(res.Trace, state)
		cur = state.Output
	}

	// Partial stacks may end on a spatial tensor; the classification fields
	// only apply when the output is a score vector.
	if len(cur.Shape) == 1 {
		res.Probs = append([]float64(nil), cur.Data...)
		res.Prediction = ArgMax(res.Probs)
		res.Confidence = res.Probs[res.Prediction]
	}
	return res, nil
}

// ArgMax returns the index of the largest value. An exact tie resolves to
// the lowest index, so challenge outcomes are deterministic.
func ArgMax(v []float64) int { return floats.MaxIdx(v) }

func forwardConv(l *model.Conv2D, in *model.Tensor) (pre, post *model.Tensor, err error) {
	inC, inH, inW, err := in.Dims3()
	if err != nil {
		return nil, nil, &model.ShapeError{Layer: l.Name(), Got: in.Shape, Want: "rank 3 (CHW)"}
	}
	if inC != l.InChannels() {
		return nil, nil, &model.ShapeError{Layer: l.Name(), Got: in.Shape,
			Want: fmt.Sprintf("[%dxHxW]", l.InChannels())}
	}

	pad := l.Pad()
	outH := (inH+2*pad-l.KernelSize)/l.Stride + 1
	outW := (inW+2*pad-l.KernelSize)/l.Stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, nil, &model.ShapeError{Layer: l.Name(), Got: in.Shape,
			Want: fmt.Sprintf("spatial dims >= %d", l.KernelSize-2*pad)}
	}

	pre = model.NewTensor(l.Filters, outH, outW)
	post = model.NewTensor(l.Filters, outH, outW)
	for f := 0; f < l.Filters; f++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				sum := l.Bias[f]
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
							sum += in.At3(c, ih, iw) * l.Weights.Data[wIdx]
						}
					}
				}
				pre.Set3(f, oh, ow, sum)
				post.Set3(f, oh, ow, math.Max(0, sum))
			}
		}
	}
	return pre, post, nil
}

func forwardPool(l *model.MaxPool, in *model.Tensor) (*model.Tensor, []int, error) {
	inC, inH, inW, err := in.Dims3()
	if err != nil {
		return nil, nil, &model.ShapeError{Layer: l.Name(), Got: in.Shape, Want: "rank 3 (CHW)"}
	}
	outH := (inH-l.Window)/l.Stride + 1
	outW := (inW-l.Window)/l.Stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, nil, &model.ShapeError{Layer: l.Name(), Got: in.Shape,
			Want: fmt.Sprintf("spatial dims >= %d", l.Window)}
	}

	out := model.NewTensor(inC, outH, outW)
	maxIdx := make([]int, out.Len())
	for c := 0; c < inC; c++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				best := math.Inf(-1)
				bestIdx := 0
				for kh := 0; kh < l.Window; kh++ {
					for kw := 0; kw < l.Window; kw++ {
						ih := oh*l.Stride + kh
						iw := ow*l.Stride + kw
						if v := in.At3(c, ih, iw); v > best {
							best = v
							bestIdx = (c*inH+ih)*inW + iw
						}
					}
				}
				out.Set3(c, oh, ow, best)
				maxIdx[(c*outH+oh)*outW+ow] = bestIdx
			}
		}
	}
	return out, maxIdx, nil
}

func forwardDense(l *model.Dense, in *model.Tensor) (pre, post *model.Tensor, err error) {
	if len(in.Shape) != 1 || in.Len() != l.InputSize() {
		return nil, nil, &model.ShapeError{Layer: l.Name(), Got: in.Shape,
			Want: fmt.Sprintf("[%d]", l.InputSize())}
	}

	weights := mat.NewDense(l.Units, l.InputSize(), l.Weights.Data)
	x := mat.NewVecDense(in.Len(), in.Data)
	var y mat.VecDense
	y.MulVec(weights, x)

	pre = model.NewTensor(l.Units)
	for i := 0; i < l.Units; i++ {
		pre.Data[i] = y.AtVec(i) + l.Bias[i]
	}

	post = model.NewTensor(l.Units)
	switch l.Activation {
	case model.ActReLU:
		for i, v := range pre.Data {
			post.Data[i] = math.Max(0, v)
		}
	case model.ActSoftmax:
		copy(post.Data, Softmax(pre.Data))
	case model.ActNone:
		copy(post.Data, pre.Data)
	default:
		return nil, nil, fmt.Errorf("layer %q: unknown activation %q", l.Name(), l.Activation)
	}
	return pre, post, nil
}

// Softmax converts raw scores to a probability distribution. The row
// maximum is subtracted before exponentiating, so arbitrarily large logits
// cannot overflow and the result always sums to 1 within float tolerance.
func Softmax(logits []float64) []float64 {
	maxLogit := floats.Max(logits)
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

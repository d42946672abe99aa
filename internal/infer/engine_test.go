package infer

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/Ka1laK/VisionForge/internal/model"
)

func randomInput(seed int64) *model.Tensor {
	rng := rand.New(rand.NewSource(seed))
	in := model.NewTensor(1, model.InputSize, model.InputSize)
	for i := range in.Data {
		in.Data[i] = rng.Float64()
	}
	return in
}

func TestRunProbabilityContract(t *testing.T) {
	m := model.NewMNIST(7)
	res, err := Run(m, randomInput(3))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(res.Probs) != model.NumClasses {
		t.Fatalf("got %d probabilities, want %d", len(res.Probs), model.NumClasses)
	}
	sum := 0.0
	for _, p := range res.Probs {
		if p < 0 || p > 1 {
			t.Fatalf("probability %v outside [0,1]", p)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Fatalf("probabilities sum to %v, want 1 within 1e-5", sum)
	}
	if ArgMax(res.Probs) != res.Prediction {
		t.Fatalf("prediction %d disagrees with argmax %d", res.Prediction, ArgMax(res.Probs))
	}
	if res.Confidence != res.Probs[res.Prediction] {
		t.Fatalf("confidence %v is not the predicted probability %v", res.Confidence, res.Probs[res.Prediction])
	}
}

func TestRunCapturesVisualizationPoints(t *testing.T) {
	m := model.NewMNIST(7)
	res, err := Run(m, randomInput(3))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	cases := []struct {
		name  string
		shape []int
	}{
		{"conv1", []int{model.Conv1Filters, 28, 28}},
		{"conv2", []int{model.Conv2Filters, 14, 14}},
		{"dense1", []int{model.DenseUnits}},
		{"logits", []int{model.NumClasses}},
	}
	for _, c := range cases {
		act := res.Activations[c.name]
		if act == nil {
			t.Fatalf("activation %q not captured", c.name)
		}
		if !model.SameShape(act.Shape, c.shape) {
			t.Fatalf("activation %q has shape %v, want %v", c.name, act.Shape, c.shape)
		}
	}
}

func TestRunIsDeterministic(t *testing.T) {
	m := model.NewMNIST(7)
	in := randomInput(3)
	a, err := Run(m, in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	b, err := Run(m, in.Clone())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	for i := range a.Probs {
		if a.Probs[i] != b.Probs[i] {
			t.Fatalf("probability %d differs across identical runs: %v vs %v", i, a.Probs[i], b.Probs[i])
		}
	}
	for name, act := range a.Activations {
		other := b.Activations[name]
		for i := range act.Data {
			if act.Data[i] != other.Data[i] {
				t.Fatalf("activation %q element %d differs across identical runs", name, i)
			}
		}
	}
}

func TestRunRejectsWrongInputShape(t *testing.T) {
	m := model.NewMNIST(7)
	_, err := Run(m, model.NewTensor(1, 14, 14))
	if err == nil {
		t.Fatal("expected shape error for 14x14 input")
	}
	var shapeErr *model.ShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("error %v is not a ShapeError", err)
	}
}

func TestConvForwardHandComputed(t *testing.T) {
	// One 3x3 all-ones filter over a 3x3 input with same padding: the
	// center output is the full sum, corners see a 2x2 window.
	weights, _ := model.TensorFrom([]float64{1, 1, 1, 1, 1, 1, 1, 1, 1}, 1, 1, 3, 3)
	m := &model.Model{Layers: []model.Layer{
		&model.Conv2D{LayerName: "c", Filters: 1, KernelSize: 3, Stride: 1,
			SamePad: true, Weights: weights, Bias: []float64{0.5}},
	}}
	in, _ := model.TensorFrom([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9}, 1, 3, 3)

	res, err := RunLayers(m, in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	out := res.Trace[0].Output
	if got := out.At3(0, 1, 1); got != 45.5 {
		t.Fatalf("center output = %v, want 45.5", got)
	}
	if got := out.At3(0, 0, 0); got != 12.5 {
		t.Fatalf("corner output = %v, want 12.5", got)
	}
}

func TestConvReLUFloorsNegative(t *testing.T) {
	weights, _ := model.TensorFrom([]float64{-1}, 1, 1, 1, 1)
	m := &model.Model{Layers: []model.Layer{
		&model.Conv2D{LayerName: "c", Filters: 1, KernelSize: 1, Stride: 1,
			Weights: weights, Bias: []float64{0}},
	}}
	in, _ := model.TensorFrom([]float64{2, 3, 4, 5}, 1, 2, 2)

	res, err := RunLayers(m, in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	state := res.Trace[0]
	if state.PreAct.At3(0, 0, 0) != -2 {
		t.Fatalf("pre-activation = %v, want -2", state.PreAct.At3(0, 0, 0))
	}
	for i, v := range state.Output.Data {
		if v != 0 {
			t.Fatalf("output %d = %v, want 0 after ReLU", i, v)
		}
	}
}

func TestMaxPoolForward(t *testing.T) {
	m := &model.Model{Layers: []model.Layer{
		&model.MaxPool{LayerName: "p", Window: 2, Stride: 2},
	}}
	in, _ := model.TensorFrom([]float64{
		1, 2, 5, 6,
		3, 4, 7, 8,
		9, 1, 2, 3,
		0, 5, 4, 1,
	}, 1, 4, 4)

	res, err := RunLayers(m, in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	out := res.Trace[0].Output
	want := []float64{4, 8, 9, 4}
	for i, v := range want {
		if out.Data[i] != v {
			t.Fatalf("pooled output %d = %v, want %v", i, out.Data[i], v)
		}
	}
	// Recorded winner of the first window is the flat index of the 4.
	if res.Trace[0].MaxIdx[0] != 5 {
		t.Fatalf("max index for first window = %d, want 5", res.Trace[0].MaxIdx[0])
	}
}

func TestFlattenPreservesTraversalOrder(t *testing.T) {
	m := &model.Model{Layers: []model.Layer{&model.Flatten{LayerName: "f"}}}
	in, _ := model.TensorFrom([]float64{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 2)
	res, err := RunLayers(m, in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	out := res.Trace[0].Output
	for i := 0; i < 8; i++ {
		if out.Data[i] != float64(i+1) {
			t.Fatalf("flatten reordered elements: got %v", out.Data)
		}
	}
}

func TestSoftmaxStableForLargeLogits(t *testing.T) {
	probs := Softmax([]float64{1000, 1000.5, 999, 998, 997, 996, 995, 994, 993, 992})
	sum := 0.0
	for _, p := range probs {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			t.Fatalf("softmax produced non-finite value %v", p)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("softmax sums to %v, want 1", sum)
	}
	if ArgMax(probs) != 1 {
		t.Fatalf("argmax = %d, want 1", ArgMax(probs))
	}
}

func TestArgMaxTieResolvesToLowestIndex(t *testing.T) {
	if got := ArgMax([]float64{0.1, 0.4, 0.4, 0.1}); got != 1 {
		t.Fatalf("tie resolved to %d, want lowest index 1", got)
	}
}

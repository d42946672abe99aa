package model

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
)

// Fixed, trained architecture constants. These are part of the external
// contract (clients rely on the feature map counts in scan responses), not
// configuration.
const (
	InputSize    = 28
	NumClasses   = 10
	Conv1Filters = 32
	Conv2Filters = 64
	DenseUnits   = 128
	kernelSize   = 3
	poolWindow   = 2
)

// Model is an immutable ordered stack of layers with trained parameters.
// It is loaded once at process start and shared read-only across all
// concurrent requests; no write path exists after load.
type Model struct {
	Layers []Layer
}

// LastConv returns the index of the last convolutional layer, the default
// Grad-CAM target.
func (m *Model) LastConv() (int, error) {
	for i := len(m.Layers) - 1; i >= 0; i-- {
		if _, ok := m.Layers[i].(*Conv2D); ok {
			return i, nil
		}
	}
	return 0, fmt.Errorf("model has no convolutional layer")
}

// LayerIndex looks up a layer by name.
func (m *Model) LayerIndex(name string) (int, error) {
	for i, l := range m.Layers {
		if l.Name() == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("model has no layer named %q", name)
}

// NewMNIST builds the fixed digit-recognition architecture with
// He-initialized random parameters:
//
//	conv1 (32 filters, 3x3, same) -> pool1 (2x2)
//	conv2 (64 filters, 3x3, same) -> pool2 (2x2)
//	flatten -> dense1 (128, relu) -> predictions (10, softmax)
//
// Random parameters are for tooling and tests; serving uses trained
// parameters from Load.
func NewMNIST(seed int64) *Model {
	rng := rand.New(rand.NewSource(seed))
	return &Model{Layers: []Layer{
		newConv(rng, "conv1", Conv1Filters, 1),
		&MaxPool{LayerName: "pool1", Window: poolWindow, Stride: poolWindow},
		newConv(rng, "conv2", Conv2Filters, Conv1Filters),
		&MaxPool{LayerName: "pool2", Window: poolWindow, Stride: poolWindow},
		&Flatten{LayerName: "flatten"},
		newDense(rng, "dense1", DenseUnits, Conv2Filters*(InputSize/4)*(InputSize/4), ActReLU),
		newDense(rng, "predictions", NumClasses, DenseUnits, ActSoftmax),
	}}
}

func newConv(rng *rand.Rand, name string, filters, inChannels int) *Conv2D {
	weights := NewTensor(filters, inChannels, kernelSize, kernelSize)
	stddev := math.Sqrt(2.0 / float64(inChannels*kernelSize*kernelSize))
	for i := range weights.Data {
		weights.Data[i] = rng.NormFloat64() * stddev
	}
	return &Conv2D{
		LayerName:  name,
		Filters:    filters,
		KernelSize: kernelSize,
		Stride:     1,
		SamePad:    true,
		Weights:    weights,
		Bias:       make([]float64, filters),
	}
}

func newDense(rng *rand.Rand, name string, units, inputSize int, activation string) *Dense {
	weights := NewTensor(units, inputSize)
	stddev := math.Sqrt(2.0 / float64(inputSize))
	for i := range weights.Data {
		weights.Data[i] = rng.NormFloat64() * stddev
	}
	return &Dense{
		LayerName:  name,
		Units:      units,
		Activation: activation,
		Weights:    weights,
		Bias:       make([]float64, units),
	}
}

// layerSpec is the on-disk form of a layer: a tagged union with only the
// fields relevant to its type populated.
type layerSpec struct {
	Type       string    `json:"type"`
	Name       string    `json:"name"`
	Filters    int       `json:"filters,omitempty"`
	KernelSize int       `json:"kernel_size,omitempty"`
	Stride     int       `json:"stride,omitempty"`
	SamePad    bool      `json:"same_pad,omitempty"`
	Window     int       `json:"window,omitempty"`
	Units      int       `json:"units,omitempty"`
	Activation string    `json:"activation,omitempty"`
	Shape      []int     `json:"shape,omitempty"`
	Weights    []float64 `json:"weights,omitempty"`
	Bias       []float64 `json:"bias,omitempty"`
}

type modelFile struct {
	Layers []layerSpec `json:"layers"`
}

// Load reads trained parameters from a model file. A failure here is fatal
// to the process, not to any request; main is expected to abort on error.
func Load(path string) (*Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	var file modelFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse model file %s: %w", path, err)
	}
	if len(file.Layers) == 0 {
		return nil, fmt.Errorf("model file %s contains no layers", path)
	}

	m := &Model{Layers: make([]Layer, 0, len(file.Layers))}
	for _, spec := range file.Layers {
		layer, err := buildLayer(spec)
		if err != nil {
			return nil, fmt.Errorf("model file %s, layer %q: %w", path, spec.Name, err)
		}
		m.Layers = append(m.Layers, layer)
	}
	return m, nil
}

func buildLayer(spec layerSpec) (Layer, error) {
	switch spec.Type {
	case "conv2d":
		if spec.Filters <= 0 || spec.KernelSize <= 0 || spec.Stride <= 0 {
			return nil, fmt.Errorf("conv2d filters/kernel/stride must be positive")
		}
		if len(spec.Shape) != 4 || spec.Shape[0] != spec.Filters ||
			spec.Shape[2] != spec.KernelSize || spec.Shape[3] != spec.KernelSize {
			return nil, fmt.Errorf("conv2d weight shape %v does not match %d filters of size %dx%d",
				spec.Shape, spec.Filters, spec.KernelSize, spec.KernelSize)
		}
		weights, err := TensorFrom(spec.Weights, spec.Shape...)
		if err != nil {
			return nil, err
		}
		if len(spec.Bias) != spec.Filters {
			return nil, fmt.Errorf("conv2d has %d bias values for %d filters", len(spec.Bias), spec.Filters)
		}
		return &Conv2D{
			LayerName:  spec.Name,
			Filters:    spec.Filters,
			KernelSize: spec.KernelSize,
			Stride:     spec.Stride,
			SamePad:    spec.SamePad,
			Weights:    weights,
			Bias:       spec.Bias,
		}, nil
	case "maxpool":
		if spec.Window <= 0 || spec.Stride <= 0 {
			return nil, fmt.Errorf("maxpool window/stride must be positive")
		}
		return &MaxPool{LayerName: spec.Name, Window: spec.Window, Stride: spec.Stride}, nil
	case "flatten":
		return &Flatten{LayerName: spec.Name}, nil
	case "dense":
		if spec.Units <= 0 {
			return nil, fmt.Errorf("dense units must be positive")
		}
		if len(spec.Shape) != 2 || spec.Shape[0] != spec.Units {
			return nil, fmt.Errorf("dense weight shape %v does not match %d units", spec.Shape, spec.Units)
		}
		weights, err := TensorFrom(spec.Weights, spec.Shape...)
		if err != nil {
			return nil, err
		}
		if len(spec.Bias) != spec.Units {
			return nil, fmt.Errorf("dense has %d bias values for %d units", len(spec.Bias), spec.Units)
		}
		switch spec.Activation {
		case ActReLU, ActSoftmax, ActNone:
		default:
			return nil, fmt.Errorf("unknown activation %q", spec.Activation)
		}
		return &Dense{
			LayerName:  spec.Name,
			Units:      spec.Units,
			Activation: spec.Activation,
			Weights:    weights,
			Bias:       spec.Bias,
		}, nil
	default:
		return nil, fmt.Errorf("unknown layer type %q", spec.Type)
	}
}

// Save writes the model to a file in the format Load reads.
func (m *Model) Save(path string) error {
	file := modelFile{Layers: make([]layerSpec, 0, len(m.Layers))}
	for _, layer := range m.Layers {
		switch l := layer.(type) {
		case *Conv2D:
			file.Layers = append(file.Layers, layerSpec{
				Type: "conv2d", Name: l.LayerName,
				Filters: l.Filters, KernelSize: l.KernelSize,
				Stride: l.Stride, SamePad: l.SamePad,
				Shape: l.Weights.Shape, Weights: l.Weights.Data, Bias: l.Bias,
			})
		case *MaxPool:
			file.Layers = append(file.Layers, layerSpec{
				Type: "maxpool", Name: l.LayerName, Window: l.Window, Stride: l.Stride,
			})
		case *Flatten:
			file.Layers = append(file.Layers, layerSpec{Type: "flatten", Name: l.LayerName})
		case *Dense:
			file.Layers = append(file.Layers, layerSpec{
				Type: "dense", Name: l.LayerName,
				Units: l.Units, Activation: l.Activation,
				Shape: l.Weights.Shape, Weights: l.Weights.Data, Bias: l.Bias,
			})
		default:
			return fmt.Errorf("cannot serialize layer %q", layer.Name())
		}
	}
	raw, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write model file: %w", err)
	}
	return nil
}

package model

import (
	"fmt"
	"strings"
)

// Tensor is a dense numeric array over a flat backing slice.
// Convolutional data uses CHW order: index = c*H*W + h*W + w.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NewTensor allocates a zero-filled tensor with the given shape.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, numElems(shape)),
	}
}

// TensorFrom wraps an existing slice, validating it against the shape.
func TensorFrom(data []float64, shape ...int) (*Tensor, error) {
	if len(data) != numElems(shape) {
		return nil, fmt.Errorf("tensor data has %d elements, shape %v needs %d",
			len(data), shape, numElems(shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

func numElems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the total number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Clone returns a deep copy. Pipeline stages copy rather than editing in
// place so captured activations stay valid for the whole request.
func (t *Tensor) Clone() *Tensor {
	c := NewTensor(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// Reshape returns a copy of the tensor with a new shape covering the same
// number of elements, preserving the flat element order.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if numElems(shape) != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v",
			t.Shape, len(t.Data), shape)
	}
	out := &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, len(t.Data))}
	copy(out.Data, t.Data)
	return out, nil
}

// Dims3 interprets the tensor as CHW and returns the three dimensions.
func (t *Tensor) Dims3() (c, h, w int, err error) {
	if len(t.Shape) != 3 {
		return 0, 0, 0, fmt.Errorf("tensor is rank %d, want rank 3 (CHW)", len(t.Shape))
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], nil
}

// At3 indexes a CHW tensor. Callers are expected to have validated the
// shape; indices are not range-checked on the hot path.
func (t *Tensor) At3(c, h, w int) float64 {
	return t.Data[(c*t.Shape[1]+h)*t.Shape[2]+w]
}

// Set3 writes one CHW element.
func (t *Tensor) Set3(c, h, w int, v float64) {
	t.Data[(c*t.Shape[1]+h)*t.Shape[2]+w] = v
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShapeError reports a layer receiving a tensor of unexpected shape. It
// indicates a configuration or programming defect, never a bad user input.
type ShapeError struct {
	Layer string
	Got   []int
	Want  string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("layer %s: got tensor shape %s, want %s",
		e.Layer, formatShape(e.Got), e.Want)
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, "x") + "]"
}

package model

// Activation names used by Dense layers.
const (
	ActReLU    = "relu"
	ActSoftmax = "softmax"
	ActNone    = "none"
)

// Layer is one step of the network. The concrete variants below are
// interpreted by a single loop in the inference engine; there is no
// behavior attached to the layer types themselves, so execution order and
// activation capture stay an explicit, testable contract.
type Layer interface {
	Name() string
}

// Conv2D applies learned filters by sliding-window cross-correlation,
// followed by a per-filter bias and ReLU.
type Conv2D struct {
	LayerName  string
	Filters    int
	KernelSize int
	Stride     int
	SamePad    bool
	// Weights has shape [Filters, InChannels, KernelSize, KernelSize].
	Weights *Tensor
	Bias    []float64
}

func (l *Conv2D) Name() string { return l.LayerName }

// InChannels is derived from the weight tensor.
func (l *Conv2D) InChannels() int { return l.Weights.Shape[1] }

// Pad returns the zero padding applied on each edge.
func (l *Conv2D) Pad() int {
	if l.SamePad {
		return (l.KernelSize - 1) / 2
	}
	return 0
}

// MaxPool downsamples each channel by taking the maximum over strided
// windows. No learned parameters.
type MaxPool struct {
	LayerName string
	Window    int
	Stride    int
}

func (l *MaxPool) Name() string { return l.LayerName }

// Flatten reshapes a CHW tensor into a vector, preserving the flat
// element traversal order so Dense weights line up deterministically.
type Flatten struct {
	LayerName string
}

func (l *Flatten) Name() string { return l.LayerName }

// Dense is a fully connected layer: W·x + b followed by the configured
// activation.
type Dense struct {
	LayerName  string
	Units      int
	Activation string
	// Weights has shape [Units, InputSize].
	Weights *Tensor
	Bias    []float64
}

func (l *Dense) Name() string { return l.LayerName }

// InputSize is derived from the weight tensor.
func (l *Dense) InputSize() int { return l.Weights.Shape[1] }

package handlers

// ScanRequest carries a base64-encoded drawing, with or without a data-URL
// prefix.
type ScanRequest struct {
	Image string `json:"image"`
}

// ScanResponse returns the preprocessed input, every visualization point
// rendered as base64 PNGs, and the prediction.
type ScanResponse struct {
	ProcessedImage   string    `json:"processed_image"`
	FeatureMapsConv1 []string  `json:"feature_maps_conv1"`
	FeatureMapsConv2 []string  `json:"feature_maps_conv2"`
	DenseActivations []float64 `json:"dense_activations"`
	Probabilities    []float64 `json:"probabilities"`
	Prediction       int       `json:"prediction"`
}

// ExplainRequest optionally targets a class other than the predicted one.
type ExplainRequest struct {
	Image    string `json:"image"`
	ClassIdx *int   `json:"class_idx,omitempty"`
}

// ExplainResponse returns the Grad-CAM heatmap and its overlay on the
// drawing, both as base64 PNGs.
type ExplainResponse struct {
	Heatmap    string  `json:"heatmap"`
	Overlay    string  `json:"overlay"`
	Prediction int     `json:"prediction"`
	Confidence float64 `json:"confidence"`
}

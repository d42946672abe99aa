// Package handlers is the HTTP glue over the inference pipeline. The core
// packages do not depend on anything here; this layer only decodes
// requests, drives the pipeline, and base64-encodes the image buffers.
package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/Ka1laK/VisionForge/internal/gradcam"
	"github.com/Ka1laK/VisionForge/internal/infer"
	"github.com/Ka1laK/VisionForge/internal/model"
	"github.com/Ka1laK/VisionForge/internal/preprocess"
	"github.com/Ka1laK/VisionForge/internal/vis"
)

// maxBodyBytes caps request bodies so a single request has bounded cost.
const maxBodyBytes = 10 << 20

type Handler struct {
	net *model.Model
}

// NewHandler wraps the shared, read-only model. The model is loaded once in
// main and never mutated, so concurrent requests need no locking.
func NewHandler(net *model.Model) *Handler {
	return &Handler{net: net}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

// Scan preprocesses a drawing, runs the forward pass, and returns every
// visualization point rendered for display.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if !readJSON(w, r, &req) {
		return
	}

	input, res, ok := h.runPipeline(w, req.Image)
	if !ok {
		return
	}

	conv1Act, conv2Act, dense1Act := res.Activations["conv1"], res.Activations["conv2"], res.Activations["dense1"]
	if conv1Act == nil || conv2Act == nil || dense1Act == nil {
		h.internalError(w, "activation capture", errors.New("model is missing a visualization point"))
		return
	}

	conv1, err := vis.RenderFeatureMaps(conv1Act)
	if err != nil {
		h.internalError(w, "render conv1 feature maps", err)
		return
	}
	conv2, err := vis.RenderFeatureMaps(conv2Act)
	if err != nil {
		h.internalError(w, "render conv2 feature maps", err)
		return
	}
	processed, err := vis.RenderGray(input)
	if err != nil {
		h.internalError(w, "render processed image", err)
		return
	}

	writeJSON(w, ScanResponse{
		ProcessedImage:   encodeBase64(processed),
		FeatureMapsConv1: encodeBase64All(conv1),
		FeatureMapsConv2: encodeBase64All(conv2),
		DenseActivations: dense1Act.Data,
		Probabilities:    res.Probs,
		Prediction:       res.Prediction,
	})
}

// Explain runs the pipeline plus Grad-CAM and returns the heatmap and its
// overlay on the drawing.
func (h *Handler) Explain(w http.ResponseWriter, r *http.Request) {
	var req ExplainRequest
	if !readJSON(w, r, &req) {
		return
	}

	input, res, ok := h.runPipeline(w, req.Image)
	if !ok {
		return
	}

	class := res.Prediction
	if req.ClassIdx != nil {
		class = *req.ClassIdx
		if class < 0 || class >= model.NumClasses {
			http.Error(w, "class_idx must be a digit in [0,9]", http.StatusBadRequest)
			return
		}
	}

	heatmap, err := gradcam.Explain(h.net, res, class)
	if err != nil {
		h.internalError(w, "grad-cam", err)
		return
	}
	heatPNG, err := vis.RenderHeatmap(heatmap)
	if err != nil {
		h.internalError(w, "render heatmap", err)
		return
	}
	overlayPNG, err := vis.Overlay(input, heatmap)
	if err != nil {
		h.internalError(w, "render overlay", err)
		return
	}

	writeJSON(w, ExplainResponse{
		Heatmap:    encodeBase64(heatPNG),
		Overlay:    encodeBase64(overlayPNG),
		Prediction: res.Prediction,
		Confidence: res.Confidence,
	})
}

// runPipeline decodes the base64 drawing, preprocesses it, and runs the
// forward pass, writing the appropriate HTTP error on failure.
func (h *Handler) runPipeline(w http.ResponseWriter, image64 string) (*model.Tensor, *infer.Result, bool) {
	raw, err := decodeBase64Image(image64)
	if err != nil {
		http.Error(w, "image is not valid base64", http.StatusBadRequest)
		return nil, nil, false
	}

	input, err := preprocess.ProcessBytes(raw)
	switch {
	case errors.Is(err, preprocess.ErrEmptyDrawing):
		http.Error(w, "drawing is empty: draw a digit first", http.StatusBadRequest)
		return nil, nil, false
	case errors.Is(err, preprocess.ErrImageTooLarge):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, nil, false
	case err != nil:
		http.Error(w, "image bytes are not a decodable raster image", http.StatusBadRequest)
		return nil, nil, false
	}

	res, err := infer.Run(h.net, input)
	if err != nil {
		h.internalError(w, "inference", err)
		return nil, nil, false
	}
	return input, res, true
}

func (h *Handler) internalError(w http.ResponseWriter, stage string, err error) {
	log.Printf("%s failed: %v", stage, err)
	http.Error(w, "internal inference error", http.StatusInternalServerError)
}

// decodeBase64Image tolerates a data-URL prefix, as browser canvases send.
func decodeBase64Image(s string) ([]byte, error) {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[i+1:]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func encodeBase64All(bufs [][]byte) []string {
	out := make([]string, len(bufs))
	for i, b := range bufs {
		out[i] = encodeBase64(b)
	}
	return out
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

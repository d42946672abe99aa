package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Ka1laK/VisionForge/internal/model"
)

func strokePNGBase64(t *testing.T) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 28, 28))
	for y := 4; y <= 23; y++ {
		for x := 12; x <= 15; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func blankPNGBase64(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 28, 28))); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestScanResponseContract(t *testing.T) {
	h := NewHandler(model.NewMNIST(1))
	rec := postJSON(t, h.Scan, ScanRequest{Image: strokePNGBase64(t)})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var resp ScanResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.FeatureMapsConv1) != model.Conv1Filters {
		t.Fatalf("conv1 feature maps: %d, want %d", len(resp.FeatureMapsConv1), model.Conv1Filters)
	}
	if len(resp.FeatureMapsConv2) != model.Conv2Filters {
		t.Fatalf("conv2 feature maps: %d, want %d", len(resp.FeatureMapsConv2), model.Conv2Filters)
	}
	if len(resp.DenseActivations) != model.DenseUnits {
		t.Fatalf("dense activations: %d, want %d", len(resp.DenseActivations), model.DenseUnits)
	}
	if len(resp.Probabilities) != model.NumClasses {
		t.Fatalf("probabilities: %d, want %d", len(resp.Probabilities), model.NumClasses)
	}
	sum := 0.0
	for _, p := range resp.Probabilities {
		sum += p
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Fatalf("probabilities sum to %v", sum)
	}
	if resp.Prediction < 0 || resp.Prediction > 9 {
		t.Fatalf("prediction %d outside [0,9]", resp.Prediction)
	}
	if resp.ProcessedImage == "" {
		t.Fatal("processed image missing")
	}
	for i, m := range resp.FeatureMapsConv1 {
		if _, err := base64.StdEncoding.DecodeString(m); err != nil {
			t.Fatalf("conv1 map %d is not valid base64: %v", i, err)
		}
	}
}

func TestScanAcceptsDataURLPrefix(t *testing.T) {
	h := NewHandler(model.NewMNIST(1))
	rec := postJSON(t, h.Scan, ScanRequest{Image: "data:image/png;base64," + strokePNGBase64(t)})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestScanRejectsBlankDrawing(t *testing.T) {
	h := NewHandler(model.NewMNIST(1))
	rec := postJSON(t, h.Scan, ScanRequest{Image: blankPNGBase64(t)})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400 for blank drawing", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "empty") {
		t.Fatalf("error body %q should say the drawing is empty", rec.Body.String())
	}
}

func TestScanRejectsGarbage(t *testing.T) {
	h := NewHandler(model.NewMNIST(1))

	rec := postJSON(t, h.Scan, ScanRequest{Image: "!!not-base64!!"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400 for invalid base64", rec.Code)
	}

	rec = postJSON(t, h.Scan, ScanRequest{
		Image: base64.StdEncoding.EncodeToString([]byte("not a png")),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400 for undecodable image", rec.Code)
	}
}

func TestScanRejectsNonPost(t *testing.T) {
	h := NewHandler(model.NewMNIST(1))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.Scan(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d, want 405", rec.Code)
	}
}

func TestExplainResponseContract(t *testing.T) {
	h := NewHandler(model.NewMNIST(1))
	rec := postJSON(t, h.Explain, ExplainRequest{Image: strokePNGBase64(t)})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var resp ExplainResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	for name, field := range map[string]string{"heatmap": resp.Heatmap, "overlay": resp.Overlay} {
		raw, err := base64.StdEncoding.DecodeString(field)
		if err != nil {
			t.Fatalf("%s is not valid base64: %v", name, err)
		}
		img, err := png.Decode(bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("%s is not a PNG: %v", name, err)
		}
		if img.Bounds().Dx() != 112 || img.Bounds().Dy() != 112 {
			t.Fatalf("%s is %dx%d, want 112x112", name, img.Bounds().Dx(), img.Bounds().Dy())
		}
	}
	if resp.Prediction < 0 || resp.Prediction > 9 {
		t.Fatalf("prediction %d outside [0,9]", resp.Prediction)
	}
	if resp.Confidence <= 0 || resp.Confidence > 1 {
		t.Fatalf("confidence %v outside (0,1]", resp.Confidence)
	}
}

func TestExplainHonorsTargetClass(t *testing.T) {
	h := NewHandler(model.NewMNIST(1))
	class := 7
	rec := postJSON(t, h.Explain, ExplainRequest{Image: strokePNGBase64(t), ClassIdx: &class})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	bad := 12
	rec = postJSON(t, h.Explain, ExplainRequest{Image: strokePNGBase64(t), ClassIdx: &bad})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400 for out-of-range class", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	h := NewHandler(model.NewMNIST(1))
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Fatalf("health body %q", rec.Body.String())
	}
}

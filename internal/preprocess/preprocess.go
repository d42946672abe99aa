// Package preprocess normalizes an arbitrary raster drawing into the
// network's canonical 28x28 single-channel input the same way the training
// data was prepared: strokes bright on a dark background, fit into a
// centered 20px box, recentered on the ink's center of mass.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/nfnt/resize"

	"github.com/Ka1laK/VisionForge/internal/model"
)

// ErrEmptyDrawing reports a drawing with no ink above the coverage
// threshold. Blank input is a validation failure, never a degenerate
// all-zero tensor fed to the network.
var ErrEmptyDrawing = errors.New("no ink detected in drawing")

// ErrImageTooLarge caps per-request compute: inference cost is bounded and
// predictable only if the raster is.
var ErrImageTooLarge = errors.New("image exceeds maximum dimensions")

const (
	// maxDim bounds accepted raster dimensions.
	maxDim = 1024
	// boxSize is the target extent of the digit inside the canvas; the
	// remaining margin matches the MNIST framing convention.
	boxSize = 20
	// inkThreshold is the normalized intensity distance from the background
	// level at which a pixel counts as ink. Measuring from the background
	// rather than from zero keeps a uniform mid-gray canvas blank.
	inkThreshold = 0.25
	// minInkPixels is the coverage floor below which a drawing is blank.
	minInkPixels = 10
	// cropPad keeps a little context around the tight bounding box.
	cropPad = 2
)

// Decode parses raw bytes into an image and enforces the size cap. The cap
// is checked against the header before the pixel data is decoded, so an
// oversized raster is rejected without materializing it.
func Decode(raw []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode drawing: %w", err)
	}
	if cfg.Width > maxDim || cfg.Height > maxDim {
		return nil, fmt.Errorf("%w: %dx%d, limit %d", ErrImageTooLarge, cfg.Width, cfg.Height, maxDim)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode drawing: %w", err)
	}
	return img, nil
}

// ProcessBytes decodes and preprocesses in one step.
func ProcessBytes(raw []byte) (*model.Tensor, error) {
	img, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return Process(img)
}

// Process converts a decoded drawing into the canonical input tensor with
// shape [1,28,28] and values in [0,1].
func Process(img image.Image) (*model.Tensor, error) {
	gray, w, h := toGray(img)

	// The most common intensity is the background. Light background means
	// dark strokes; invert so strokes end up high, as in training.
	bg := backgroundLevel(gray)
	if bg > 0.5 {
		for i, v := range gray {
			gray[i] = 1 - v
		}
		bg = 1 - bg
	}

	minX, minY, maxX, maxY, inkCount := inkBounds(gray, w, h, bg)
	if inkCount < minInkPixels {
		return nil, ErrEmptyDrawing
	}

	// Already-canonical input: 28x28 with the ink inside the usual central
	// framing. Refitting would only resample it, so pass it through.
	if w == model.InputSize && h == model.InputSize &&
		minX >= cropPad && minY >= cropPad &&
		maxX < model.InputSize-cropPad && maxY < model.InputSize-cropPad {
		canvas, _ := model.TensorFrom(gray, 1, model.InputSize, model.InputSize)
		clamp01(canvas.Data)
		return canvas, nil
	}

	minX = max(0, minX-cropPad)
	minY = max(0, minY-cropPad)
	maxX = min(w-1, maxX+cropPad)
	maxY = min(h-1, maxY+cropPad)
	cropW := maxX - minX + 1
	cropH := maxY - minY + 1

	// Fit the crop into the target box preserving aspect ratio.
	var newW, newH int
	if cropH >= cropW {
		newH = boxSize
		newW = max(1, int(math.Round(float64(boxSize)*float64(cropW)/float64(cropH))))
	} else {
		newW = boxSize
		newH = max(1, int(math.Round(float64(boxSize)*float64(cropH)/float64(cropW))))
	}
	digit := scaleCrop(gray, w, minX, minY, cropW, cropH, newW, newH)

	canvas := model.NewTensor(1, model.InputSize, model.InputSize)
	offY := (model.InputSize - newH) / 2
	offX := (model.InputSize - newW) / 2
	for y := 0; y < newH; y++ {
		for x := 0; x < newW; x++ {
			canvas.Data[(offY+y)*model.InputSize+offX+x] = digit[y*newW+x]
		}
	}

	centerByMass(canvas)
	clamp01(canvas.Data)
	return canvas, nil
}

func toGray(img image.Image) (data []float64, w, h int) {
	b := img.Bounds()
	w, h = b.Dx(), b.Dy()
	data = make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			data[y*w+x] = float64(g.Y) / 255
		}
	}
	return data, w, h
}

// backgroundLevel returns the intensity of the most common histogram bin.
func backgroundLevel(gray []float64) float64 {
	var hist [256]int
	for _, v := range gray {
		hist[int(v*255)]++
	}
	bg := 0
	for i, n := range hist {
		if n > hist[bg] {
			bg = i
		}
	}
	return float64(bg) / 255
}

// inkBounds finds the bounding box of pixels that stand out from the
// background level. A pixel is ink by contrast with the background, not by
// absolute brightness: a canvas that is uniformly mid-gray has no ink even
// though every pixel clears an absolute cutoff.
func inkBounds(gray []float64, w, h int, bg float64) (minX, minY, maxX, maxY, count int) {
	minX, minY = w, h
	maxX, maxY = -1, -1
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if math.Abs(gray[y*w+x]-bg) <= inkThreshold {
				continue
			}
			count++
			minX = min(minX, x)
			minY = min(minY, y)
			maxX = max(maxX, x)
			maxY = max(maxY, y)
		}
	}
	return minX, minY, maxX, maxY, count
}

// scaleCrop resizes the cropped region to newW x newH. Lanczos for
// downscaling, bicubic for upscaling, both of which preserve stroke
// continuity better than nearest sampling. A same-size crop is copied
// untouched so an already-canonical input passes through unchanged.
func scaleCrop(gray []float64, stride, x0, y0, cropW, cropH, newW, newH int) []float64 {
	if cropW == newW && cropH == newH {
		out := make([]float64, newW*newH)
		for y := 0; y < newH; y++ {
			for x := 0; x < newW; x++ {
				out[y*newW+x] = gray[(y0+y)*stride+x0+x]
			}
		}
		return out
	}

	src := image.NewGray(image.Rect(0, 0, cropW, cropH))
	for y := 0; y < cropH; y++ {
		for x := 0; x < cropW; x++ {
			src.SetGray(x, y, color.Gray{Y: uint8(math.Round(gray[(y0+y)*stride+x0+x] * 255))})
		}
	}
	interp := resize.Lanczos3
	if newW > cropW || newH > cropH {
		interp = resize.Bicubic
	}
	dst := resize.Resize(uint(newW), uint(newH), src, interp)

	out := make([]float64, newW*newH)
	for y := 0; y < newH; y++ {
		for x := 0; x < newW; x++ {
			g := color.GrayModel.Convert(dst.At(x, y)).(color.Gray)
			out[y*newW+x] = float64(g.Y) / 255
		}
	}
	return out
}

// centerByMass shifts the canvas by whole pixels so the ink's center of
// mass lands on the canvas center, mirroring the training framing.
func centerByMass(t *model.Tensor) {
	size := model.InputSize
	var total, sumX, sumY float64
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := t.Data[y*size+x]
			total += v
			sumX += v * float64(x)
			sumY += v * float64(y)
		}
	}
	if total == 0 {
		return
	}
	center := float64(size-1) / 2
	shiftX := int(math.Round(center - sumX/total))
	shiftY := int(math.Round(center - sumY/total))
	if shiftX == 0 && shiftY == 0 {
		return
	}

	shifted := make([]float64, len(t.Data))
	for y := 0; y < size; y++ {
		sy := y - shiftY
		if sy < 0 || sy >= size {
			continue
		}
		for x := 0; x < size; x++ {
			sx := x - shiftX
			if sx < 0 || sx >= size {
				continue
			}
			shifted[y*size+x] = t.Data[sy*size+sx]
		}
	}
	copy(t.Data, shifted)
}

func clamp01(v []float64) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		} else if x > 1 {
			v[i] = 1
		}
	}
}

// Package vis turns the pipeline's numeric tensors into display-ready PNG
// buffers. It only reads its inputs; upstream tensors are never modified.
package vis

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/nfnt/resize"

	"github.com/Ka1laK/VisionForge/internal/model"
)

const (
	// featureTileSize is the fixed display size of one feature map tile.
	// Nearest-neighbor upscaling keeps the blocky per-cell structure.
	featureTileSize = 56
	// explainSize is the display resolution of heatmap and overlay images.
	explainSize = 112
	// overlayAlpha scales the per-pixel blend: full-importance pixels get
	// this opacity, zero-importance pixels show the original unmodified.
	overlayAlpha = 0.6
)

// RenderFeatureMaps renders each channel of a CHW activation tensor as an
// independent grayscale PNG tile. Every channel is min-max normalized on
// its own, so weak and strong filters are equally visible.
func RenderFeatureMaps(t *model.Tensor) ([][]byte, error) {
	ch, h, w, err := t.Dims3()
	if err != nil {
		return nil, fmt.Errorf("render feature maps: %w", err)
	}

	tiles := make([][]byte, 0, ch)
	for c := 0; c < ch; c++ {
		channel := t.Data[c*h*w : (c+1)*h*w]
		img := image.NewGray(image.Rect(0, 0, w, h))
		lo, hi := minMax(channel)
		span := hi - lo
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := 0.0
				if span > 0 {
					v = (channel[y*w+x] - lo) / span
				}
				img.SetGray(x, y, color.Gray{Y: uint8(math.Round(v * 255))})
			}
		}
		scaled := resize.Resize(featureTileSize, featureTileSize, img, resize.NearestNeighbor)
		buf, err := encodePNG(scaled)
		if err != nil {
			return nil, err
		}
		tiles = append(tiles, buf)
	}
	return tiles, nil
}

// RenderGray renders an HxW tensor of [0,1] intensities as a grayscale PNG
// at its native resolution. Used for the processed input image.
func RenderGray(t *model.Tensor) ([]byte, error) {
	img, err := grayImage(t)
	if err != nil {
		return nil, err
	}
	return encodePNG(img)
}

// RenderHeatmap maps an HxW importance tensor in [0,1] through the color
// ramp and upscales it to display size.
func RenderHeatmap(t *model.Tensor) ([]byte, error) {
	h, w, err := dims2(t)
	if err != nil {
		return nil, fmt.Errorf("render heatmap: %w", err)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, rampColor(t.Data[y*w+x]))
		}
	}
	scaled := resize.Resize(explainSize, explainSize, img, resize.Bilinear)
	return encodePNG(scaled)
}

// Overlay alpha-blends the color-mapped heatmap over the grayscale input.
// Blend opacity is proportional to importance, so regions that did not
// drive the prediction show the original drawing untouched.
func Overlay(input, heat *model.Tensor) ([]byte, error) {
	h, w, err := dims2(input)
	if err != nil {
		return nil, fmt.Errorf("overlay: %w", err)
	}
	hh, hw, err := dims2(heat)
	if err != nil {
		return nil, fmt.Errorf("overlay: %w", err)
	}
	if hh != h || hw != w {
		return nil, fmt.Errorf("overlay: heatmap is %dx%d, input is %dx%d", hw, hh, w, h)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			base := input.Data[y*w+x] * 255
			imp := heat.Data[y*w+x]
			ramp := rampColor(imp)
			a := imp * overlayAlpha
			img.SetRGBA(x, y, color.RGBA{
				R: blend(base, float64(ramp.R), a),
				G: blend(base, float64(ramp.G), a),
				B: blend(base, float64(ramp.B), a),
				A: 255,
			})
		}
	}
	scaled := resize.Resize(explainSize, explainSize, img, resize.Bilinear)
	return encodePNG(scaled)
}

func blend(base, over, alpha float64) uint8 {
	v := base*(1-alpha) + over*alpha
	return uint8(math.Round(math.Min(255, math.Max(0, v))))
}

// dims2 accepts an HxW tensor or the canonical [1,H,W] input form.
func dims2(t *model.Tensor) (h, w int, err error) {
	switch {
	case len(t.Shape) == 2:
		return t.Shape[0], t.Shape[1], nil
	case len(t.Shape) == 3 && t.Shape[0] == 1:
		return t.Shape[1], t.Shape[2], nil
	default:
		return 0, 0, fmt.Errorf("tensor shape %v is not a single-channel image", t.Shape)
	}
}

func grayImage(t *model.Tensor) (*image.Gray, error) {
	h, w, err := dims2(t)
	if err != nil {
		return nil, err
	}
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := math.Min(1, math.Max(0, t.Data[y*w+x]))
			img.SetGray(x, y, color.Gray{Y: uint8(math.Round(v * 255))})
		}
	}
	return img, nil
}

func minMax(v []float64) (lo, hi float64) {
	lo, hi = v[0], v[0]
	for _, x := range v[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

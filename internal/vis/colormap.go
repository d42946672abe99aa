package vis

import (
	"image/color"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// importanceRamp maps low -> high importance through the conventional
// blue -> cyan -> green -> yellow -> red progression.
var importanceRamp = []struct {
	pos float64
	col colorful.Color
}{
	{0.00, colorful.Color{R: 0.00, G: 0.00, B: 0.70}},
	{0.25, colorful.Color{R: 0.00, G: 0.75, B: 1.00}},
	{0.50, colorful.Color{R: 0.00, G: 0.85, B: 0.25}},
	{0.75, colorful.Color{R: 1.00, G: 0.90, B: 0.00}},
	{1.00, colorful.Color{R: 0.90, G: 0.00, B: 0.00}},
}

// rampColor interpolates the importance ramp at v in [0,1].
func rampColor(v float64) color.RGBA {
	if v <= 0 {
		return toRGBA(importanceRamp[0].col)
	}
	if v >= 1 {
		return toRGBA(importanceRamp[len(importanceRamp)-1].col)
	}
	for i := 1; i < len(importanceRamp); i++ {
		lo, hi := importanceRamp[i-1], importanceRamp[i]
		if v > hi.pos {
			continue
		}
		t := (v - lo.pos) / (hi.pos - lo.pos)
		return toRGBA(lo.col.BlendRgb(hi.col, t))
	}
	return toRGBA(importanceRamp[len(importanceRamp)-1].col)
}

func toRGBA(c colorful.Color) color.RGBA {
	r, g, b := c.Clamped().RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

package detection

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	boxThickness = 3
	labelPadding = 4
)

var (
	labelColors = map[Label]color.RGBA{
		LabelSoldier:  {R: 255, A: 255},
		LabelCivilian: {G: 255, A: 255},
	}
	fallbackColor = color.RGBA{R: 128, G: 128, B: 128, A: 255}
)

// ColorFor returns the drawing colour for a label.
func ColorFor(l Label) color.RGBA {
	if c, ok := labelColors[l]; ok {
		return c
	}
	return fallbackColor
}

// Annotate returns a copy of frame with every detection drawn as a box and a
// "LABEL 91.0%" caption. The input frame is not modified.
func Annotate(frame image.Image, detections []Detection) *image.RGBA {
	bounds := frame.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, frame, bounds.Min, draw.Src)

	face := basicfont.Face7x13
	for _, d := range detections {
		c := ColorFor(d.Label)
		r := d.BBox.Rect().Add(bounds.Min).Intersect(bounds)
		if r.Empty() {
			continue
		}
		strokeRect(out, r, c, boxThickness)

		caption := fmt.Sprintf("%s %.1f%%", strings.ToUpper(string(d.Label)), d.Confidence*100)
		textWidth := font.MeasureString(face, caption).Ceil()
		textHeight := face.Metrics().Height.Ceil()

		// Caption sits above the box unless that would leave the frame.
		top := r.Min.Y - textHeight - 2*labelPadding
		if top < bounds.Min.Y {
			top = r.Min.Y
		}
		bg := image.Rect(r.Min.X, top, r.Min.X+textWidth+2*labelPadding, top+textHeight+2*labelPadding).Intersect(bounds)
		draw.Draw(out, bg, image.NewUniform(c), image.Point{}, draw.Src)

		drawer := font.Drawer{
			Dst:  out,
			Src:  image.White,
			Face: face,
			Dot:  fixed.P(bg.Min.X+labelPadding, bg.Min.Y+labelPadding+face.Metrics().Ascent.Ceil()),
		}
		drawer.DrawString(caption)
	}
	return out
}

func strokeRect(dst *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

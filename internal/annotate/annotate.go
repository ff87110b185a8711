// Package annotate renders detection boxes and class names onto a copy of
// the original photo.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/fpang/photo-detect/internal/jobs"
)

var palette = []color.NRGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 207, G: 210, B: 49, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
	{R: 52, G: 69, B: 147, A: 255},
	{R: 132, G: 56, B: 255, A: 255},
}

// File draws labels on the image at src and writes it to dst. The output
// format follows dst's extension.
func File(src, dst string, labels []jobs.Label) error {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	out := Draw(img, labels)
	if err := imaging.Save(out, dst, imaging.JPEGQuality(90)); err != nil {
		return fmt.Errorf("save %s: %w", dst, err)
	}
	return nil
}

// Draw returns a copy of img with one outlined box and caption per label.
// Box geometry is normalized center/size as produced by the engines.
func Draw(img image.Image, labels []jobs.Label) *image.NRGBA {
	canvas := imaging.Clone(img)
	b := canvas.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	thickness := max(2, min(b.Dx(), b.Dy())/300)

	classColor := map[string]color.NRGBA{}
	for _, l := range labels {
		c, ok := classColor[l.Class]
		if !ok {
			c = palette[len(classColor)%len(palette)]
			classColor[l.Class] = c
		}

		cx, _ := l.CX.Float64()
		cy, _ := l.CY.Float64()
		bw, _ := l.Width.Float64()
		bh, _ := l.Height.Float64()
		rect := image.Rect(
			b.Min.X+int((cx-bw/2)*w),
			b.Min.Y+int((cy-bh/2)*h),
			b.Min.X+int((cx+bw/2)*w),
			b.Min.Y+int((cy+bh/2)*h),
		).Intersect(b)
		if rect.Empty() {
			continue
		}
		outline(canvas, rect, thickness, c)
		caption(canvas, rect.Min, l.Class, c)
	}
	return canvas
}

func outline(dst *image.NRGBA, r image.Rectangle, t int, c color.NRGBA) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

// caption writes text on a filled tab above the box, or inside it when the
// box touches the top edge.
func caption(dst *image.NRGBA, at image.Point, text string, bg color.NRGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(color.White), Face: face}
	width := d.MeasureString(text).Ceil() + 4
	height := face.Height + 2

	top := at.Y - height
	if top < dst.Bounds().Min.Y {
		top = at.Y
	}
	tab := image.Rect(at.X, top, at.X+width, top+height).Intersect(dst.Bounds())
	draw.Draw(dst, tab, image.NewUniform(bg), image.Point{}, draw.Src)

	d.Dot = fixed.P(at.X+2, top+face.Ascent+1)
	d.DrawString(text)
}

package overlay

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/geometry"
)

var face = basicfont.Face7x13

// textSize returns the pixel width and height of s in the overlay font.
func textSize(s string) (int, int) {
	w := font.MeasureString(face, s).Ceil()
	return w, face.Metrics().Height.Ceil()
}

// drawText draws s with its top-left corner at (x, y).
func drawText(img *image.RGBA, x, y int, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y) + face.Metrics().Ascent},
	}
	d.DrawString(s)
}

// drawLabel draws s on a filled background, shifted to stay inside img.
func drawLabel(img *image.RGBA, x, y int, s string, fg, bg color.Color) {
	w, h := textSize(s)
	const pad = 2
	b := img.Bounds()
	x = max(b.Min.X, min(x, b.Max.X-w-2*pad))
	y = max(b.Min.Y, min(y, b.Max.Y-h-2*pad))
	fillRect(img, image.Rect(x, y, x+w+2*pad, y+h+2*pad), bg)
	drawText(img, x+pad, y+pad, s, fg)
}

func fillRect(img *image.RGBA, r image.Rectangle, c color.Color) {
	draw.Draw(img, r.Intersect(img.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
}

// shade darkens r by blending black over it at the given alpha (0-255).
func shade(img *image.RGBA, r image.Rectangle, alpha uint8) {
	mask := image.NewUniform(color.Alpha{A: alpha})
	draw.DrawMask(img, r.Intersect(img.Bounds()), image.Black, image.Point{}, mask, image.Point{}, draw.Over)
}

// drawRect draws an outline of the given thickness inside r.
func drawRect(img *image.RGBA, r image.Rectangle, c color.Color, thickness int) {
	for i := 0; i < thickness; i++ {
		in := r.Inset(i)
		if in.Empty() {
			return
		}
		fillRect(img, image.Rect(in.Min.X, in.Min.Y, in.Max.X, in.Min.Y+1), c)
		fillRect(img, image.Rect(in.Min.X, in.Max.Y-1, in.Max.X, in.Max.Y), c)
		fillRect(img, image.Rect(in.Min.X, in.Min.Y, in.Min.X+1, in.Max.Y), c)
		fillRect(img, image.Rect(in.Max.X-1, in.Min.Y, in.Max.X, in.Max.Y), c)
	}
}

// drawLine draws a Bresenham line with square pens of the given thickness.
func drawLine(img *image.RGBA, a, b image.Point, c color.Color, thickness int) {
	dx, dy := abs(b.X-a.X), -abs(b.Y-a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}
	err := dx + dy
	x, y := a.X, a.Y
	for {
		dot(img, x, y, c, thickness)
		if x == b.X && y == b.Y {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

func dot(img *image.RGBA, x, y int, c color.Color, thickness int) {
	if thickness <= 1 {
		if image.Pt(x, y).In(img.Bounds()) {
			img.Set(x, y, c)
		}
		return
	}
	h := thickness / 2
	fillRect(img, image.Rect(x-h, y-h, x-h+thickness, y-h+thickness), c)
}

// drawPolygon outlines a closed polygon given in pixel coordinates.
func drawPolygon(img *image.RGBA, poly geometry.Polygon, c color.Color, thickness int) {
	n := len(poly)
	if n < 2 {
		return
	}
	for i := 0; i < n; i++ {
		a, b := poly[i], poly[(i+1)%n]
		drawLine(img, toPoint(a), toPoint(b), c, thickness)
	}
}

// drawMaskOutline paints the boundary pixels of m, thickened around each pixel.
func drawMaskOutline(img *image.RGBA, m *geometry.Mask, c color.Color, thickness int) {
	for _, p := range m.Outline() {
		dot(img, p.X, p.Y, c, thickness)
	}
}

func toPoint(p geometry.Point) image.Point {
	return image.Pt(int(p.X+0.5), int(p.Y+0.5))
}

func boxRect(b geometry.Box) image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

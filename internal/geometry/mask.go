package geometry

import (
	"image"
	"math"
	"sort"
)

// Mask is a width x height boolean raster in row-major order.
type Mask struct {
	Width  int
	Height int
	Pix    []bool
}

// NewMask returns an all-false mask. Negative sizes are treated as zero.
func NewMask(width, height int) *Mask {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Mask{Width: width, Height: height, Pix: make([]bool, width*height)}
}

// MaskFromGray thresholds a grayscale image: pixels strictly above threshold are set.
func MaskFromGray(g *image.Gray, threshold uint8) *Mask {
	b := g.Bounds()
	m := NewMask(b.Dx(), b.Dy())
	for y := 0; y < m.Height; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+m.Width]
		for x, v := range row {
			m.Pix[y*m.Width+x] = v > threshold
		}
	}
	return m
}

func (m *Mask) inBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < m.Width && y < m.Height
}

// At returns the pixel value; out-of-range coordinates read as false.
func (m *Mask) At(x, y int) bool {
	if m == nil || !m.inBounds(x, y) {
		return false
	}
	return m.Pix[y*m.Width+x]
}

// Set writes a pixel; out-of-range coordinates are ignored.
func (m *Mask) Set(x, y int, v bool) {
	if !m.inBounds(x, y) {
		return
	}
	m.Pix[y*m.Width+x] = v
}

// Count returns the number of true pixels.
func (m *Mask) Count() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, v := range m.Pix {
		if v {
			n++
		}
	}
	return n
}

// AndCount returns the number of pixels true in both masks. Masks of
// different sizes are compared over their common area.
func (m *Mask) AndCount(o *Mask) int {
	if m == nil || o == nil {
		return 0
	}
	if m.Width == o.Width && m.Height == o.Height {
		n := 0
		for i, v := range m.Pix {
			if v && o.Pix[i] {
				n++
			}
		}
		return n
	}
	w, h := min(m.Width, o.Width), min(m.Height, o.Height)
	n := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if m.Pix[y*m.Width+x] && o.Pix[y*o.Width+x] {
				n++
			}
		}
	}
	return n
}

// Union returns a width x height mask set wherever any input mask is set.
func Union(width, height int, masks ...*Mask) *Mask {
	out := NewMask(width, height)
	for _, m := range masks {
		if m == nil {
			continue
		}
		for y := 0; y < min(height, m.Height); y++ {
			for x := 0; x < min(width, m.Width); x++ {
				if m.Pix[y*m.Width+x] {
					out.Pix[y*width+x] = true
				}
			}
		}
	}
	return out
}

// Outline returns the set pixels that touch an unset 4-neighbour or the raster edge.
func (m *Mask) Outline() []image.Point {
	var pts []image.Point
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if !m.Pix[y*m.Width+x] {
				continue
			}
			if !m.At(x-1, y) || !m.At(x+1, y) || !m.At(x, y-1) || !m.At(x, y+1) {
				pts = append(pts, image.Pt(x, y))
			}
		}
	}
	return pts
}

// OverlapRatio returns the fraction of a's set pixels that are also set in b.
// An empty a yields 0 rather than NaN: there is nothing of a to overlap.
func OverlapRatio(a, b *Mask) float64 {
	total := a.Count()
	if total == 0 {
		return 0
	}
	return float64(a.AndCount(b)) / float64(total)
}

// OverstepRatio returns the fraction of detected lying outside referenceUnion.
// An empty detection oversteps nothing and yields 0.
func OverstepRatio(detected, referenceUnion *Mask) float64 {
	total := detected.Count()
	if total == 0 {
		return 0
	}
	return float64(total-detected.AndCount(referenceUnion)) / float64(total)
}

// Rasterize fills a width x height mask with the pixels (x,y) for which
// PointInPolygon reports true, using an even-odd scanline fill.
func Rasterize(poly Polygon, width, height int) *Mask {
	m := NewMask(width, height)
	n := len(poly)
	if n < 3 || m.Width == 0 || m.Height == 0 {
		return m
	}

	b := poly.Bounds()
	yStart := max(0, int(math.Ceil(b.Y1)))
	yEnd := min(m.Height-1, int(math.Floor(b.Y2)))

	xs := make([]float64, 0, n)
	for y := yStart; y <= yEnd; y++ {
		fy := float64(y)
		xs = xs[:0]
		for i, j := 0, n-1; i < n; j, i = i, i+1 {
			if crossesRow(poly[i], poly[j], fy) {
				xs = append(xs, edgeX(poly[i], poly[j], fy))
			}
		}
		sort.Float64s(xs)
		for k := 0; k+1 < len(xs); k += 2 {
			m.fillSpan(y, math.Ceil(xs[k]), math.Floor(xs[k+1]))
		}
	}

	// Points the half-open rule skips: integer vertices and horizontal edges.
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, c := poly[i], poly[j]
		if isWhole(a.X) && isWhole(a.Y) {
			m.Set(int(a.X), int(a.Y), true)
		}
		if a.Y == c.Y && isWhole(a.Y) {
			m.fillSpan(int(a.Y), math.Ceil(math.Min(a.X, c.X)), math.Floor(math.Max(a.X, c.X)))
		}
	}
	return m
}

func (m *Mask) fillSpan(y int, from, to float64) {
	if y < 0 || y >= m.Height {
		return
	}
	x0 := max(0, int(math.Max(from, -1)))
	x1 := min(m.Width-1, int(math.Min(to, float64(m.Width))))
	if from > float64(m.Width) || to < 0 {
		return
	}
	row := m.Pix[y*m.Width : (y+1)*m.Width]
	for x := x0; x <= x1; x++ {
		row[x] = true
	}
}

func isWhole(v float64) bool {
	return v == math.Trunc(v) && !math.IsInf(v, 0)
}

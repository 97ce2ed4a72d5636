package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidGeometry is returned when a polygon has fewer than 3 points.
var ErrInvalidGeometry = errors.New("invalid geometry")

// boundaryEpsilon is the tolerance used when testing whether a point lies on an edge.
const boundaryEpsilon = 1e-9

// Point is a 2D point in pixel or normalized coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polygon is an ordered, implicitly closed list of vertices.
type Polygon []Point

// Box is an axis-aligned rectangle given by its corners (x1,y1)-(x2,y2).
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Center returns the midpoint of the box.
func (b Box) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Validate reports ErrInvalidGeometry for polygons with fewer than 3 points.
func (p Polygon) Validate() error {
	if len(p) < 3 {
		return fmt.Errorf("%w: polygon needs at least 3 points, got %d", ErrInvalidGeometry, len(p))
	}
	return nil
}

// Clone returns a copy that shares no memory with p.
func (p Polygon) Clone() Polygon {
	if p == nil {
		return nil
	}
	out := make(Polygon, len(p))
	copy(out, p)
	return out
}

// Bounds returns the bounding box of the polygon. An empty polygon yields a zero Box.
func (p Polygon) Bounds() Box {
	if len(p) == 0 {
		return Box{}
	}
	b := Box{X1: p[0].X, Y1: p[0].Y, X2: p[0].X, Y2: p[0].Y}
	for _, pt := range p[1:] {
		b.X1 = math.Min(b.X1, pt.X)
		b.Y1 = math.Min(b.Y1, pt.Y)
		b.X2 = math.Max(b.X2, pt.X)
		b.Y2 = math.Max(b.Y2, pt.Y)
	}
	return b
}

// Denormalize scales a polygon in [0,1] coordinates to a width x height raster,
// truncating to whole pixels.
func Denormalize(p Polygon, width, height int) Polygon {
	out := make(Polygon, len(p))
	for i, pt := range p {
		out[i] = Point{
			X: math.Trunc(pt.X * float64(width)),
			Y: math.Trunc(pt.Y * float64(height)),
		}
	}
	return out
}

// IsNormalized reports whether every vertex lies in [0,1] on both axes.
func (p Polygon) IsNormalized() bool {
	for _, pt := range p {
		if pt.X < 0 || pt.X > 1 || pt.Y < 0 || pt.Y > 1 || math.IsNaN(pt.X) || math.IsNaN(pt.Y) {
			return false
		}
	}
	return true
}

// PointInPolygon reports whether pt lies inside poly or on its boundary.
// Polygons with fewer than 3 points contain nothing.
func PointInPolygon(pt Point, poly Polygon) bool {
	n := len(poly)
	if n < 3 {
		return false
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := poly[i], poly[j]
		if onSegment(pt, a, b) {
			return true
		}
		if crossesRow(a, b, pt.Y) && pt.X < edgeX(a, b, pt.Y) {
			inside = !inside
		}
	}
	return inside
}

// crossesRow applies the half-open rule so a vertex on the row is counted once.
func crossesRow(a, b Point, y float64) bool {
	return (a.Y > y) != (b.Y > y)
}

// edgeX returns the x coordinate where edge a-b crosses the horizontal line y.
// Callers must ensure the edge is not horizontal.
func edgeX(a, b Point, y float64) float64 {
	return a.X + (y-a.Y)*(b.X-a.X)/(b.Y-a.Y)
}

func onSegment(p, a, b Point) bool {
	if p.X < math.Min(a.X, b.X)-boundaryEpsilon || p.X > math.Max(a.X, b.X)+boundaryEpsilon ||
		p.Y < math.Min(a.Y, b.Y)-boundaryEpsilon || p.Y > math.Max(a.Y, b.Y)+boundaryEpsilon {
		return false
	}
	cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
	length := math.Hypot(b.X-a.X, b.Y-a.Y)
	if length == 0 {
		return p.X == a.X && p.Y == a.Y
	}
	return math.Abs(cross) <= boundaryEpsilon*length
}

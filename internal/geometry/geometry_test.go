package geometry

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square(x0, y0, x1, y1 float64) Polygon {
	return Polygon{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}}
}

func TestPointInPolygon(t *testing.T) {
	sq := square(0, 0, 10, 10)

	tests := []struct {
		name string
		pt   Point
		want bool
	}{
		{"center", Point{5, 5}, true},
		{"vertex", Point{0, 0}, true},
		{"top edge", Point{5, 0}, true},
		{"right edge", Point{10, 7}, true},
		{"outside left", Point{-1, 5}, false},
		{"outside below", Point{5, 10.5}, false},
		{"far away", Point{100, 100}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PointInPolygon(tt.pt, sq))
		})
	}
}

func TestPointInPolygonDegenerate(t *testing.T) {
	assert.False(t, PointInPolygon(Point{0, 0}, nil))
	assert.False(t, PointInPolygon(Point{0, 0}, Polygon{{0, 0}}))
	assert.False(t, PointInPolygon(Point{1, 1}, Polygon{{0, 0}, {2, 2}}))
}

func TestPointInPolygonConcave(t *testing.T) {
	// U shape opening upwards.
	u := Polygon{{0, 0}, {3, 0}, {3, 7}, {6, 7}, {6, 0}, {9, 0}, {9, 10}, {0, 10}}
	assert.True(t, PointInPolygon(Point{1, 2}, u))
	assert.False(t, PointInPolygon(Point{4.5, 3}, u))
	assert.True(t, PointInPolygon(Point{4.5, 7}, u))
	assert.True(t, PointInPolygon(Point{4.5, 9}, u))
}

func TestValidate(t *testing.T) {
	err := Polygon{{0, 0}, {1, 1}}.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidGeometry))
	assert.NoError(t, square(0, 0, 1, 1).Validate())
}

func TestRasterizeMatchesPointInPolygon(t *testing.T) {
	polys := map[string]Polygon{
		"square":     square(2, 3, 12, 9),
		"triangle":   {{1, 1}, {15, 4}, {6, 14}},
		"concave":    {{0, 0}, {3, 0}, {3, 7}, {6, 7}, {6, 0}, {9, 0}, {9, 10}, {0, 10}},
		"fractional": {{1.5, 0.25}, {13.7, 2.2}, {11.1, 12.9}, {2.4, 10.5}},
		"clipped":    square(-5, -5, 8, 30),
		"diamond":    {{8, 0}, {16, 8}, {8, 16}, {0, 8}},
	}
	const w, h = 18, 16
	for name, poly := range polys {
		t.Run(name, func(t *testing.T) {
			m := Rasterize(poly, w, h)
			require.Equal(t, w, m.Width)
			require.Equal(t, h, m.Height)
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					want := PointInPolygon(Point{float64(x), float64(y)}, poly)
					if m.At(x, y) != want {
						t.Fatalf("pixel (%d,%d): rasterized=%v pointInPolygon=%v", x, y, m.At(x, y), want)
					}
				}
			}
		})
	}
}

func TestRasterizeSquareArea(t *testing.T) {
	m := Rasterize(square(0, 0, 9, 9), 20, 20)
	assert.Equal(t, 100, m.Count())
}

func TestRasterizeDegenerate(t *testing.T) {
	m := Rasterize(Polygon{{0, 0}, {5, 5}}, 10, 10)
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 10, m.Width)
}

func TestRasterizeDeterministic(t *testing.T) {
	poly := Polygon{{1.5, 0.25}, {13.7, 2.2}, {11.1, 12.9}, {2.4, 10.5}}
	a := Rasterize(poly, 16, 16)
	b := Rasterize(poly, 16, 16)
	assert.Equal(t, a.Pix, b.Pix)
}

func TestOverlapRatio(t *testing.T) {
	m := Rasterize(square(0, 0, 4, 4), 10, 10)
	assert.Equal(t, 1.0, OverlapRatio(m, m))

	empty := NewMask(10, 10)
	assert.Equal(t, 0.0, OverlapRatio(empty, m))
	assert.Equal(t, 0.0, OverlapRatio(empty, empty))
	assert.Equal(t, 0.0, OverlapRatio(m, empty))

	// Left half of a 10x10 block against a 5-wide block.
	a := Rasterize(square(0, 0, 9, 9), 20, 20)
	b := Rasterize(square(0, 0, 4, 9), 20, 20)
	assert.InDelta(t, 0.5, OverlapRatio(a, b), 1e-9)
}

func TestOverstepRatio(t *testing.T) {
	ref := Rasterize(square(0, 0, 9, 9), 20, 20)
	inside := Rasterize(square(2, 2, 5, 5), 20, 20)
	assert.Equal(t, 0.0, OverstepRatio(inside, ref))

	half := Rasterize(square(5, 0, 14, 9), 20, 20)
	assert.InDelta(t, 0.5, OverstepRatio(half, ref), 1e-9)

	assert.Equal(t, 0.0, OverstepRatio(NewMask(20, 20), ref))
	assert.Equal(t, 1.0, OverstepRatio(inside, NewMask(20, 20)))
}

func TestUnion(t *testing.T) {
	a := Rasterize(square(0, 0, 4, 4), 10, 10)
	b := Rasterize(square(3, 3, 6, 6), 10, 10)
	u := Union(10, 10, a, b, nil)
	assert.Equal(t, 25+16-4, u.Count())
}

func TestMaskFromGray(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 4, 2))
	g.Pix[1] = 200
	g.Pix[6] = 128
	g.Pix[7] = 129
	m := MaskFromGray(g, 128)
	assert.True(t, m.At(1, 0))
	assert.False(t, m.At(2, 1))
	assert.True(t, m.At(3, 1))
	assert.Equal(t, 2, m.Count())
}

func TestOutline(t *testing.T) {
	m := Rasterize(square(1, 1, 3, 3), 5, 5)
	outline := m.Outline()
	assert.Len(t, outline, 8)
	assert.NotContains(t, outline, image.Pt(2, 2))
}

func TestDenormalize(t *testing.T) {
	p := Denormalize(Polygon{{0, 0}, {0.5, 0.25}, {1, 1}}, 640, 480)
	assert.Equal(t, Polygon{{0, 0}, {320, 120}, {640, 480}}, p)
	assert.True(t, Polygon{{0, 0}, {1, 1}}.IsNormalized())
	assert.False(t, Polygon{{0, 0}, {1.2, 1}}.IsNormalized())
}

func TestBoxCenter(t *testing.T) {
	assert.Equal(t, Point{15, 25}, Box{X1: 10, Y1: 20, X2: 20, Y2: 30}.Center())
}

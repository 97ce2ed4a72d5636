package types

import (
	"image"
	"time"

	"golang.org/x/image/draw"
)

// Frame is a decoded video frame with capture metadata.
// Frames are never mutated once handed to the pipeline; annotation draws on a copy.
type Frame struct {
	Image     *image.RGBA // Decoded pixels
	Seq       uint64      // Monotonic sequence number assigned by the source
	Timestamp time.Time   // Capture timestamp
}

// NewFrame wraps img, converting it to RGBA when needed.
func NewFrame(img image.Image, seq uint64, ts time.Time) *Frame {
	return &Frame{Image: ToRGBA(img), Seq: seq, Timestamp: ts}
}

// Width returns the frame width in pixels
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// Clone returns a deep copy of the frame pixels.
func (f *Frame) Clone() *Frame {
	out := *f
	if f.Image != nil {
		img := image.NewRGBA(f.Image.Bounds())
		copy(img.Pix, f.Image.Pix)
		out.Image = img
	}
	return &out
}

// ToRGBA converts any image to an RGBA image anchored at (0,0).
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

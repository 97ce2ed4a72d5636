// Package overlay renders pipeline results onto a copy of their frame.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sort"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/deviation"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/zone"
)

// DefaultJPEGQuality is used when Options.JPEGQuality is unset.
const DefaultJPEGQuality = 80

var (
	red        = color.RGBA{255, 0, 0, 255}
	green      = color.RGBA{0, 255, 0, 255}
	yellow     = color.RGBA{255, 255, 0, 255}
	orange     = color.RGBA{255, 165, 0, 255}
	lightGreen = color.RGBA{128, 255, 128, 255}
	white      = color.RGBA{255, 255, 255, 255}
	black      = color.RGBA{0, 0, 0, 255}
)

// classColors cycles by class id.
var classColors = []color.RGBA{
	{0, 255, 0, 255},
	{0, 0, 255, 255},
	{255, 0, 0, 255},
	{0, 255, 255, 255},
	{255, 0, 255, 255},
	{255, 255, 0, 255},
	{128, 0, 128, 255},
	{128, 128, 0, 255},
}

// ClassColor returns the outline colour for a reference class.
func ClassColor(id int) color.RGBA {
	if id < 0 {
		id = -id
	}
	return classColors[id%len(classColors)]
}

// lighter moves c halfway towards white.
func lighter(c color.RGBA) color.RGBA {
	l := func(v uint8) uint8 { return v + (255-v)/2 }
	return color.RGBA{l(c.R), l(c.G), l(c.B), 255}
}

// darker halves each channel; used behind reference labels.
func darker(c color.RGBA) color.RGBA {
	return color.RGBA{c.R / 2, c.G / 2, c.B / 2, 255}
}

// SeverityColor returns the outline colour for a classified region.
func SeverityColor(r deviation.Result) color.RGBA {
	switch r.Severity {
	case deviation.Critical:
		return red
	case deviation.Warning:
		return orange
	}
	if r.MatchedClass == nil {
		return lightGreen
	}
	return lighter(ClassColor(*r.MatchedClass))
}

// Options selects optional layers.
type Options struct {
	Summary     bool // detected-objects panel
	Stamp       bool // frame number and time along the bottom edge
	JPEGQuality int
	Location    *time.Location
}

// DefaultOptions enables every layer.
func DefaultOptions() Options {
	return Options{Summary: true, Stamp: true, JPEGQuality: DefaultJPEGQuality, Location: time.Local}
}

// Render draws res onto a copy of its frame. The frame itself is not modified.
// Detector-derived layers are skipped when inference failed for the frame.
func Render(res *pipeline.Result, opts Options) *image.RGBA {
	if res == nil || res.Frame == nil || res.Frame.Image == nil {
		return nil
	}
	img := res.Frame.Clone().Image

	drawReferences(img, res.References)
	if len(res.Zone) >= 3 {
		drawPolygon(img, res.Zone, green, 2)
	}
	if res.Annotated() {
		drawRegions(img, res.Regions)
		drawTracks(img, res.Tracks)
	}
	drawCounts(img, res.Counts)
	if opts.Summary && res.Annotated() {
		drawSummary(img, res.Summary)
	}
	if opts.Stamp {
		drawStamp(img, res, opts.Location)
	}
	return img
}

// EncodeJPEG encodes img at the given quality, or DefaultJPEGQuality when <= 0.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderJPEG renders res and encodes it. A result without a frame yields nil.
func RenderJPEG(res *pipeline.Result, opts Options) ([]byte, error) {
	img := Render(res, opts)
	if img == nil {
		return nil, nil
	}
	return EncodeJPEG(img, opts.JPEGQuality)
}

func drawReferences(img *image.RGBA, refs []deviation.ReferenceRegion) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	for _, ref := range refs {
		poly := geometry.Denormalize(ref.Polygon, w, h)
		c := ClassColor(ref.ClassID)
		drawPolygon(img, poly, c, 3)

		b := poly.Bounds()
		_, th := textSize(ref.ClassName)
		drawLabel(img, int(b.X1), int(b.Y1)-th-8, ref.ClassName, white, darker(c))
	}
}

func drawRegions(img *image.RGBA, regions []pipeline.RegionResult) {
	for _, r := range regions {
		if r.Mask == nil {
			continue
		}
		drawMaskOutline(img, r.Mask, SeverityColor(r.Result), 2)
	}
}

func drawTracks(img *image.RGBA, tracks []pipeline.TrackedObject) {
	for _, t := range tracks {
		c := green
		if t.Membership == zone.Inside {
			c = red
		}
		r := boxRect(t.Box)
		drawRect(img, r, c, 2)

		label := fmt.Sprintf("%s ID:%d %.2f", t.Class, t.TrackID, t.Confidence)
		_, th := textSize(label)
		y := r.Min.Y - th - 6
		if y < img.Bounds().Min.Y {
			y = r.Max.Y + 2
		}
		drawLabel(img, r.Min.X, y, label, black, c)
	}
}

func drawCounts(img *image.RGBA, counts map[string]int) {
	for i, class := range sortedKeys(counts) {
		drawText(img, 10, 20+30*i, fmt.Sprintf("%s: %d", class, counts[class]), yellow)
	}
}

func drawSummary(img *image.RGBA, summary map[string]int) {
	if len(summary) == 0 {
		return
	}
	lines := []string{"Detected Objects:"}
	for _, class := range sortedKeys(summary) {
		lines = append(lines, fmt.Sprintf("  %s: %d", class, summary[class]))
	}

	width := 0
	for _, l := range lines {
		w, _ := textSize(l)
		width = max(width, w)
	}
	_, lh := textSize("X")
	lh += 4

	b := img.Bounds()
	panel := image.Rect(b.Max.X-width-20, b.Min.Y+10, b.Max.X-10, b.Min.Y+10+lh*len(lines)+8)
	shade(img, panel, 153)
	for i, l := range lines {
		drawText(img, panel.Min.X+5, panel.Min.Y+4+lh*i, l, white)
	}
}

func drawStamp(img *image.RGBA, res *pipeline.Result, loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	s := fmt.Sprintf("Frame: %d  Time: %s", res.Seq, res.Timestamp.In(loc).Format("2006/01/02 15:04:05"))
	if !res.Annotated() {
		s += "  [no inference]"
	}
	_, th := textSize(s)
	drawLabel(img, 10, img.Bounds().Max.Y-th-14, s, white, black)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var placeholderBars = []color.RGBA{
	{255, 255, 255, 255}, {255, 255, 0, 255}, {0, 255, 255, 255}, {0, 255, 0, 255},
	{255, 0, 255, 255}, {255, 0, 0, 255}, {0, 0, 255, 255}, {0, 0, 0, 255},
}

// Placeholder renders colour bars with message on a dark band, shown while
// no annotated frame is available.
func Placeholder(width, height int, message string) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	barWidth := max(width/len(placeholderBars), 1)
	for x := 0; x < width; x++ {
		c := placeholderBars[min(x/barWidth, len(placeholderBars)-1)]
		fillRect(img, image.Rect(x, 0, x+1, height), c)
	}

	band := image.Rect(0, height*2/3, width, height*2/3+40)
	fillRect(img, band, color.RGBA{32, 32, 32, 255})
	tw, th := textSize(message)
	drawText(img, (width-tw)/2, band.Min.Y+(40-th)/2, message, white)
	return img
}

// Package deviation classifies detected regions against reference regions.
package deviation

import (
	"errors"
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/geometry"
)

// ErrInvalidThresholds is returned for thresholds outside 0 <= Warning <= Critical <= 1.
var ErrInvalidThresholds = errors.New("invalid deviation thresholds")

// Severity is the band an overstep ratio falls into.
type Severity int

const (
	Normal Severity = iota
	Warning
	Critical
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "normal"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Thresholds are the lower bounds of the Warning and Critical bands.
type Thresholds struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// DefaultThresholds returns 10% for Warning and 30% for Critical.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.10, Critical: 0.30}
}

// Validate checks 0 <= Warning <= Critical <= 1.
func (t Thresholds) Validate() error {
	if t.Warning < 0 || t.Warning > t.Critical || t.Critical > 1 {
		return fmt.Errorf("%w: warning=%v critical=%v", ErrInvalidThresholds, t.Warning, t.Critical)
	}
	return nil
}

// Severity maps a ratio to its band. Band lower bounds are inclusive.
func (t Thresholds) Severity(ratio float64) Severity {
	switch {
	case ratio >= t.Critical:
		return Critical
	case ratio >= t.Warning:
		return Warning
	default:
		return Normal
	}
}

// Result is the classification of one detected region.
type Result struct {
	MatchedClass  *int     `json:"matched_class"` // nil when no reference overlaps
	MatchedName   string   `json:"matched_name,omitempty"`
	OverstepRatio float64  `json:"overstep_ratio"`
	Severity      Severity `json:"severity"`
}

// Classifier holds the severity policy.
type Classifier struct {
	thresholds Thresholds
}

// NewClassifier validates t and returns a Classifier using it.
func NewClassifier(t Thresholds) (*Classifier, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{thresholds: t}, nil
}

// Thresholds returns the configured thresholds.
func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds
}

// Frame holds the reference regions rasterized for one frame size.
// It must not outlive the frame it was built for.
type Frame struct {
	refs  []ReferenceRegion
	masks []*geometry.Mask
	union *geometry.Mask
}

// Rasterize renders refs at width x height.
func Rasterize(refs []ReferenceRegion, width, height int) *Frame {
	f := &Frame{refs: refs, masks: make([]*geometry.Mask, len(refs))}
	for i, r := range refs {
		f.masks[i] = geometry.Rasterize(geometry.Denormalize(r.Polygon, width, height), width, height)
	}
	f.union = geometry.Union(width, height, f.masks...)
	return f
}

// Union returns the union mask of all references.
func (f *Frame) Union() *geometry.Mask {
	return f.union
}

// Classify rasterizes refs at width x height and classifies region against them.
func (c *Classifier) Classify(region *geometry.Mask, refs []ReferenceRegion, width, height int) Result {
	return c.ClassifyRasterized(region, Rasterize(refs, width, height))
}

// ClassifyFrame classifies several regions of one frame, rasterizing refs once.
func (c *Classifier) ClassifyFrame(regions []*geometry.Mask, refs []ReferenceRegion, width, height int) []Result {
	f := Rasterize(refs, width, height)
	out := make([]Result, len(regions))
	for i, r := range regions {
		out[i] = c.ClassifyRasterized(r, f)
	}
	return out
}

// ClassifyRasterized classifies region against references already rendered
// for the current frame.
//
// The matched reference is the one with the largest overlap area; ties go
// to the earliest reference. Without references the ratio is 0 and Normal.
func (c *Classifier) ClassifyRasterized(region *geometry.Mask, f *Frame) Result {
	if len(f.refs) == 0 {
		return Result{Severity: Normal}
	}

	best, bestArea := -1, 0
	for i, m := range f.masks {
		if area := region.AndCount(m); area > bestArea {
			best, bestArea = i, area
		}
	}

	ratio := geometry.OverstepRatio(region, f.union)
	res := Result{OverstepRatio: ratio, Severity: c.thresholds.Severity(ratio)}
	if best >= 0 {
		id := f.refs[best].ClassID
		res.MatchedClass = &id
		res.MatchedName = f.refs[best].ClassName
	}
	return res
}

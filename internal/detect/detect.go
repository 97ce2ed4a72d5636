// Package detect defines the contract with the external object detection
// and segmentation model.
package detect

import (
	"context"
	"errors"
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/pkg/types"
)

// ErrInferenceFailure is returned when the detector fails or times out.
var ErrInferenceFailure = errors.New("inference failure")

// Detection is one object reported by the model for a frame.
// A detection carries a box, a mask, or both.
type Detection struct {
	TrackID    int
	Tracked    bool // TrackID is valid
	Class      string
	ClassID    int
	Confidence float64
	Box        *geometry.Box  // pixel coordinates
	Mask       *geometry.Mask // aligned to the frame
}

// Region is a segmentation result to be classified against reference regions.
type Region struct {
	Class      string
	ClassID    int
	Confidence float64
	Mask       *geometry.Mask
}

// Detector runs the model on a frame. Implementations should honour ctx.
type Detector interface {
	Detect(ctx context.Context, frame *types.Frame) ([]Detection, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, frame *types.Frame) ([]Detection, error)

func (f DetectorFunc) Detect(ctx context.Context, frame *types.Frame) ([]Detection, error) {
	return f(ctx, frame)
}

// NopDetector reports nothing. Useful to run the stream and viewer without a model.
type NopDetector struct{}

func (NopDetector) Detect(ctx context.Context, frame *types.Frame) ([]Detection, error) {
	return nil, ctx.Err()
}

// Regions returns the detections that carry a mask.
func Regions(dets []Detection) []Region {
	var out []Region
	for _, d := range dets {
		if d.Mask == nil {
			continue
		}
		out = append(out, Region{Class: d.Class, ClassID: d.ClassID, Confidence: d.Confidence, Mask: d.Mask})
	}
	return out
}

// ClassName returns a display name for a class id without a known name.
func ClassName(id int) string {
	return fmt.Sprintf("Class_%d", id)
}

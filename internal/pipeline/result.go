package pipeline

import (
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/deviation"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/zone"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/pkg/types"
)

// TrackedObject is a tracked box with its zone membership for this frame.
type TrackedObject struct {
	TrackID    int             `json:"track_id"`
	Class      string          `json:"class"`
	ClassID    int             `json:"class_id"`
	Confidence float64         `json:"confidence"`
	Box        geometry.Box    `json:"box"`
	Membership zone.Membership `json:"membership"`
}

// RegionResult is a segmentation region with its deviation classification.
type RegionResult struct {
	Class      string         `json:"class"`
	ClassID    int            `json:"class_id"`
	Confidence float64        `json:"confidence"`
	Mask       *geometry.Mask `json:"-"`
	Area       int            `json:"area"`
	deviation.Result
}

// Result is everything produced for one frame. It is immutable once published.
type Result struct {
	SessionID      string                      `json:"session_id"`
	Seq            uint64                      `json:"seq"`
	Timestamp      time.Time                   `json:"timestamp"`
	Width          int                         `json:"width"`
	Height         int                         `json:"height"`
	Frame          *types.Frame                `json:"-"`
	Tracks         []TrackedObject             `json:"tracks"`
	Crossings      []zone.CrossingEvent        `json:"crossings"`
	Regions        []RegionResult              `json:"regions"`
	Summary        map[string]int              `json:"summary"` // detections per class above the summary confidence
	Counts         map[string]int              `json:"counts"`
	References     []deviation.ReferenceRegion `json:"-"`
	Zone           geometry.Polygon            `json:"zone"`
	InferenceError string                      `json:"inference_error,omitempty"`
	ProcessingTime time.Duration               `json:"processing_time_ns"`
}

// Annotated reports whether detector output is available for the frame.
func (r *Result) Annotated() bool {
	return r.InferenceError == ""
}

// WorstSeverity returns the highest severity among the regions.
func (r *Result) WorstSeverity() deviation.Severity {
	worst := deviation.Normal
	for _, reg := range r.Regions {
		if reg.Severity > worst {
			worst = reg.Severity
		}
	}
	return worst
}

package webmonitor

import (
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/stream"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/zone"
)

// BoundingBox is the x/y/w/h box shape used by the JSON APIs.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

func toBoundingBox(b geometry.Box) BoundingBox {
	return BoundingBox{X: int(b.X1), Y: int(b.Y1), W: int(b.X2 - b.X1), H: int(b.Y2 - b.Y1)}
}

// TrackedObject is a tracked box in a result event.
type TrackedObject struct {
	TrackID    int         `json:"track_id"`
	ClassName  string      `json:"class_name"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
	Membership string      `json:"membership"`
}

// Region is a classified segmentation region in a result event.
type Region struct {
	ClassName     string  `json:"class_name"`
	ClassID       int     `json:"class_id"`
	Confidence    float64 `json:"confidence"`
	Area          int     `json:"area"`
	MatchedClass  *int    `json:"matched_class"`
	MatchedName   string  `json:"matched_name,omitempty"`
	OverstepRatio float64 `json:"overstep_ratio"`
	Severity      string  `json:"severity"`
}

// Crossing is a zone entry in a result event or the status history.
type Crossing struct {
	ID          string  `json:"id"`
	TrackID     int     `json:"track_id"`
	ClassName   string  `json:"class_name"`
	Count       int     `json:"count"`
	FrameNumber uint64  `json:"frame_number"`
	Timestamp   float64 `json:"timestamp"`
}

// ResultEvent is the payload for /api/results/stream and /ws.
type ResultEvent struct {
	SessionID      string          `json:"session_id"`
	FrameNumber    uint64          `json:"frame_number"`
	Timestamp      float64         `json:"timestamp"`
	Width          int             `json:"width"`
	Height         int             `json:"height"`
	Tracks         []TrackedObject `json:"tracks"`
	Crossings      []Crossing      `json:"crossings"`
	Regions        []Region        `json:"regions"`
	Counts         map[string]int  `json:"counts"`
	Summary        map[string]int  `json:"summary"`
	Zone           [][2]float64    `json:"zone"`
	InferenceError string          `json:"inference_error,omitempty"`
	ProcessingMs   float64         `json:"processing_ms"`
}

// MonitorStats summarizes what the monitor has seen.
type MonitorStats struct {
	FramesProcessed uint64         `json:"frames_processed"`
	CurrentFPS      float64        `json:"current_fps"`
	InferenceErrors uint64         `json:"inference_errors"`
	TrackedObjects  int            `json:"tracked_objects"`
	TotalCrossings  uint64         `json:"total_crossings"`
	Severities      map[string]int `json:"severities"` // regions per severity, lifetime
	UptimeSeconds   float64        `json:"uptime_seconds"`
}

// StreamStats mirrors stream.Stats for the JSON APIs.
type StreamStats struct {
	State          string  `json:"state"`
	Frames         uint64  `json:"frames"`
	ReadFailures   uint64  `json:"read_failures"`
	OpenFailures   uint64  `json:"open_failures"`
	Reconnects     uint64  `json:"reconnects"`
	LastError      string  `json:"last_error,omitempty"`
	ConnectedSince float64 `json:"connected_since,omitempty"`
}

// StatusEvent is the payload for /api/status and /api/status/stream.
type StatusEvent struct {
	Monitor         MonitorStats `json:"monitor"`
	Stream          StreamStats  `json:"stream"`
	LatestResult    *ResultEvent `json:"latest_result"`
	CrossingHistory []Crossing   `json:"crossing_history"`
	Timestamp       float64      `json:"timestamp"`
}

// ZoneRequest is the body of POST /set_zone. Points are frame pixel coordinates.
type ZoneRequest struct {
	Points [][2]float64 `json:"points"`
}

func (z ZoneRequest) polygon() geometry.Polygon {
	poly := make(geometry.Polygon, len(z.Points))
	for i, p := range z.Points {
		poly[i] = geometry.Point{X: p[0], Y: p[1]}
	}
	return poly
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func toCrossing(ev zone.CrossingEvent) Crossing {
	return Crossing{
		ID:          ev.ID,
		TrackID:     ev.TrackID,
		ClassName:   ev.Class,
		Count:       ev.Count,
		FrameNumber: ev.Frame,
		Timestamp:   unixSeconds(ev.Time),
	}
}

func toStreamStats(s stream.Stats) StreamStats {
	return StreamStats{
		State:          s.State,
		Frames:         s.Frames,
		ReadFailures:   s.ReadFailures,
		OpenFailures:   s.OpenFailures,
		Reconnects:     s.Reconnects,
		LastError:      s.LastError,
		ConnectedSince: unixSeconds(s.ConnectedSince),
	}
}

// newResultEvent flattens a pipeline result into its JSON shape.
func newResultEvent(res *pipeline.Result) *ResultEvent {
	ev := &ResultEvent{
		SessionID:      res.SessionID,
		FrameNumber:    res.Seq,
		Timestamp:      unixSeconds(res.Timestamp),
		Width:          res.Width,
		Height:         res.Height,
		Tracks:         make([]TrackedObject, len(res.Tracks)),
		Crossings:      make([]Crossing, len(res.Crossings)),
		Regions:        make([]Region, len(res.Regions)),
		Counts:         res.Counts,
		Summary:        res.Summary,
		Zone:           make([][2]float64, len(res.Zone)),
		InferenceError: res.InferenceError,
		ProcessingMs:   float64(res.ProcessingTime.Microseconds()) / 1000,
	}
	for i, t := range res.Tracks {
		ev.Tracks[i] = TrackedObject{
			TrackID:    t.TrackID,
			ClassName:  t.Class,
			Confidence: t.Confidence,
			BBox:       toBoundingBox(t.Box),
			Membership: t.Membership.String(),
		}
	}
	for i, c := range res.Crossings {
		ev.Crossings[i] = toCrossing(c)
	}
	for i, r := range res.Regions {
		ev.Regions[i] = Region{
			ClassName:     r.Class,
			ClassID:       r.ClassID,
			Confidence:    r.Confidence,
			Area:          r.Area,
			MatchedClass:  r.MatchedClass,
			MatchedName:   r.MatchedName,
			OverstepRatio: r.OverstepRatio,
			Severity:      r.Severity.String(),
		}
	}
	for i, p := range res.Zone {
		ev.Zone[i] = [2]float64{p.X, p.Y}
	}
	if ev.Counts == nil {
		ev.Counts = map[string]int{}
	}
	if ev.Summary == nil {
		ev.Summary = map[string]int{}
	}
	return ev
}

// Package zone counts tracked objects entering an operator-defined polygon.
package zone

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/logger"
)

// ErrInvalidGeometry is returned by SetZone for polygons with fewer than 3 points.
var ErrInvalidGeometry = geometry.ErrInvalidGeometry

// DefaultMaxIdleFrames is how long an unseen track is retained.
const DefaultMaxIdleFrames = 300

// Membership is a track's position relative to the zone.
type Membership int

const (
	Unknown Membership = iota // no zone test has run for the track yet
	Outside
	Inside
)

func (m Membership) String() string {
	switch m {
	case Outside:
		return "outside"
	case Inside:
		return "inside"
	default:
		return "unknown"
	}
}

func (m Membership) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Observation is one tracked object in one frame.
type Observation struct {
	TrackID  int
	Class    string
	Position geometry.Point
}

// CrossingEvent reports a track moving from outside to inside the zone.
type CrossingEvent struct {
	ID       string         `json:"id"`
	TrackID  int            `json:"track_id"`
	Class    string         `json:"class"`
	Position geometry.Point `json:"position"`
	Count    int            `json:"count"` // class count after this crossing
	Frame    uint64         `json:"frame"`
	Time     time.Time      `json:"time"`
}

// Track is the retained state of one track id.
type Track struct {
	ID         int            `json:"id"`
	Class      string         `json:"class"`
	Position   geometry.Point `json:"position"`
	Membership Membership     `json:"membership"`
	LastSeen   uint64         `json:"last_seen"`
}

// FrameUpdate is the outcome of applying one frame of observations.
type FrameUpdate struct {
	Events     []CrossingEvent
	Membership []Membership     // parallel to the observations
	Zone       geometry.Polygon // zone snapshot the frame was tested against; nil when unset
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMaxIdleFrames drops tracks not observed for n frames. Zero keeps them forever.
func WithMaxIdleFrames(n int) Option {
	return func(t *Tracker) {
		if n < 0 {
			n = 0
		}
		t.maxIdle = uint64(n)
	}
}

// Tracker holds per-track membership and per-class entry counts.
// All methods are safe for concurrent use.
type Tracker struct {
	zone atomic.Pointer[geometry.Polygon]

	mu      sync.Mutex
	tracks  map[int]*Track
	counts  map[string]int
	frame   uint64
	maxIdle uint64

	log logger.Module
}

// NewTracker creates a tracker with no zone configured.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		tracks:  make(map[int]*Track),
		counts:  make(map[string]int),
		maxIdle: DefaultMaxIdleFrames,
		log:     logger.For("Zone"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetZone replaces the active zone. Invalid polygons are rejected and the
// previous zone stays active. Existing track states are kept.
func (t *Tracker) SetZone(poly geometry.Polygon) error {
	if err := poly.Validate(); err != nil {
		return err
	}
	z := poly.Clone()
	t.zone.Store(&z)
	t.log.Info("zone set (%d points)", len(z))
	return nil
}

// ClearZone removes the zone. Tracks observed afterwards become Unknown.
func (t *Tracker) ClearZone() {
	t.zone.Store(nil)
	t.log.Info("zone cleared")
}

// Zone returns a copy of the active zone, or nil.
func (t *Tracker) Zone() geometry.Polygon {
	if z := t.zone.Load(); z != nil {
		return z.Clone()
	}
	return nil
}

// Observe applies a single observation against the current zone.
func (t *Tracker) Observe(trackID int, class string, pos geometry.Point) (CrossingEvent, bool) {
	zone := t.zone.Load()

	t.mu.Lock()
	defer t.mu.Unlock()
	ev, _, ok := t.observeLocked(zone, Observation{TrackID: trackID, Class: class, Position: pos}, time.Now())
	return ev, ok
}

// ObserveFrame applies a frame of observations and returns the crossings.
func (t *Tracker) ObserveFrame(obs []Observation) []CrossingEvent {
	return t.Step(obs).Events
}

// Step applies a frame of observations against one zone snapshot, then
// advances the frame clock and evicts idle tracks.
func (t *Tracker) Step(obs []Observation) FrameUpdate {
	zone := t.zone.Load()
	now := time.Now()

	var up FrameUpdate
	if zone != nil {
		up.Zone = zone.Clone()
	}
	up.Membership = make([]Membership, len(obs))

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, o := range obs {
		ev, m, ok := t.observeLocked(zone, o, now)
		up.Membership[i] = m
		if ok {
			up.Events = append(up.Events, ev)
		}
	}

	t.frame++
	t.evictLocked()
	return up
}

func (t *Tracker) observeLocked(zone *geometry.Polygon, o Observation, now time.Time) (CrossingEvent, Membership, bool) {
	state := Unknown
	if zone != nil {
		state = Outside
		if geometry.PointInPolygon(o.Position, *zone) {
			state = Inside
		}
	}

	tr, seen := t.tracks[o.TrackID]
	if !seen {
		t.tracks[o.TrackID] = &Track{
			ID:         o.TrackID,
			Class:      o.Class,
			Position:   o.Position,
			Membership: state,
			LastSeen:   t.frame,
		}
		return CrossingEvent{}, state, false
	}

	prev := tr.Membership
	tr.Class = o.Class
	tr.Position = o.Position
	tr.Membership = state
	tr.LastSeen = t.frame

	if prev != Outside || state != Inside {
		return CrossingEvent{}, state, false
	}

	t.counts[o.Class]++
	ev := CrossingEvent{
		ID:       uuid.NewString(),
		TrackID:  o.TrackID,
		Class:    o.Class,
		Position: o.Position,
		Count:    t.counts[o.Class],
		Frame:    t.frame,
		Time:     now,
	}
	t.log.Info("track %d (%s) entered zone, count=%d", o.TrackID, o.Class, ev.Count)
	return ev, state, true
}

func (t *Tracker) evictLocked() {
	if t.maxIdle == 0 {
		return
	}
	for id, tr := range t.tracks {
		if t.frame-tr.LastSeen > t.maxIdle {
			delete(t.tracks, id)
		}
	}
}

// SnapshotCounts returns a copy of the per-class entry counts.
func (t *Tracker) SnapshotCounts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// ResetCounts zeroes all counts. Track states are kept.
func (t *Tracker) ResetCounts() {
	t.mu.Lock()
	t.counts = make(map[string]int)
	t.mu.Unlock()
	t.log.Info("counts reset")
}

// TrackCount returns the number of retained tracks.
func (t *Tracker) TrackCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracks)
}

// Tracks returns a copy of the retained track states.
func (t *Tracker) Tracks() []Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		out = append(out, *tr)
	}
	return out
}

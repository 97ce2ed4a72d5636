package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/deviation"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/stream"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/zone"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/pkg/types"
)

// scriptedSource hands out a fixed list of frames, then blocks until ctx is done.
type scriptedSource struct {
	mu     sync.Mutex
	frames []*types.Frame
	errs   []error
	closes atomic.Int32
}

func newScriptedSource(n int) *scriptedSource {
	s := &scriptedSource{}
	for i := 0; i < n; i++ {
		s.frames = append(s.frames, types.NewFrame(image.NewRGBA(image.Rect(0, 0, 100, 100)), uint64(i+1), time.Now()))
	}
	return s
}

func (s *scriptedSource) NextFrame(ctx context.Context) (*types.Frame, error) {
	s.mu.Lock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		s.mu.Unlock()
		return nil, err
	}
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, errors.Join(stream.ErrNoFrame, ctx.Err())
}

func (s *scriptedSource) Close() error {
	s.closes.Add(1)
	return nil
}

// collector records published results.
type collector struct {
	mu      sync.Mutex
	results []*Result
	got     chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) Publish(res *Result) {
	c.mu.Lock()
	c.results = append(c.results, res)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []*Result {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for result %d", i+1)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Result(nil), c.results...)
}

func box(x0, y0, x1, y1 float64) *geometry.Box {
	return &geometry.Box{X1: x0, Y1: y0, X2: x1, Y2: y1}
}

func newDriver(t *testing.T, src FrameSource, det detect.Detector, sink Sink) (*Driver, *zone.Tracker, *deviation.Store, *metrics.Metrics) {
	t.Helper()
	tracker := zone.NewTracker()
	store := deviation.NewStore("", "")
	cls, err := deviation.NewClassifier(deviation.DefaultThresholds())
	require.NoError(t, err)
	m := metrics.New()

	d, err := New(Deps{
		Source:     src,
		Detector:   det,
		Tracker:    tracker,
		References: store,
		Classifier: cls,
		Sink:       sink,
		Metrics:    m,
	}, Config{InferenceTimeout: 200 * time.Millisecond, SummaryConfidence: 0.3})
	require.NoError(t, err)
	return d, tracker, store, m
}

func runDriver(t *testing.T, d *Driver) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig())
	assert.Error(t, err)
}

func TestCancellationClosesSource(t *testing.T) {
	src := newScriptedSource(0)
	d, _, _, _ := newDriver(t, src, detect.NopDetector{}, nil)

	cancel, done := runDriver(t, d)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int32(1), src.closes.Load())
}

func TestClosedSourceEndsRun(t *testing.T) {
	src := newScriptedSource(0)
	src.errs = []error{stream.ErrNoFrame, stream.ErrClosed}
	d, _, _, m := newDriver(t, src, detect.NopDetector{}, nil)

	err := d.Run(context.Background())
	assert.ErrorIs(t, err, stream.ErrClosed)
	assert.Equal(t, uint64(1), m.FramesSkipped.Load())
	assert.Equal(t, int32(1), src.closes.Load())
}

func TestInferenceFailurePublishesUnannotatedFrame(t *testing.T) {
	src := newScriptedSource(2)
	det := detect.DetectorFunc(func(ctx context.Context, f *types.Frame) ([]detect.Detection, error) {
		return nil, errors.New("model crashed")
	})
	sink := newCollector()
	d, tracker, _, m := newDriver(t, src, det, sink)
	require.NoError(t, tracker.SetZone(geometry.Polygon{{X: 0, Y: 0}, {X: 50, Y: 0}, {X: 50, Y: 50}, {X: 0, Y: 50}}))

	runDriver(t, d)
	results := sink.wait(t, 2)

	for i, res := range results {
		assert.False(t, res.Annotated())
		assert.Contains(t, res.InferenceError, "model crashed")
		assert.Equal(t, uint64(i+1), res.Seq)
		assert.NotNil(t, res.Frame)
		assert.Len(t, res.Zone, 4)
		assert.Empty(t, res.Tracks)
	}
	assert.Equal(t, uint64(2), m.InferenceErrors.Load())
	assert.Equal(t, uint64(2), d.Stats().InferenceErrors)
}

func TestSlowDetectorTimesOut(t *testing.T) {
	src := newScriptedSource(1)
	release := make(chan struct{})
	defer close(release)
	det := detect.DetectorFunc(func(ctx context.Context, f *types.Frame) ([]detect.Detection, error) {
		<-release
		return nil, nil
	})
	sink := newCollector()
	d, _, _, _ := newDriver(t, src, det, sink)

	runDriver(t, d)
	res := sink.wait(t, 1)[0]
	assert.Contains(t, res.InferenceError, context.DeadlineExceeded.Error())
}

func TestCrossingFlow(t *testing.T) {
	// Track 3 moves from outside the zone to inside across three frames.
	positions := []*geometry.Box{
		box(60, 60, 80, 80),
		box(60, 60, 80, 80),
		box(10, 10, 30, 30),
	}
	var calls atomic.Int32
	det := detect.DetectorFunc(func(ctx context.Context, f *types.Frame) ([]detect.Detection, error) {
		i := calls.Add(1) - 1
		return []detect.Detection{
			{TrackID: 3, Tracked: true, Class: "person", Confidence: 0.9, Box: positions[i]},
			{Class: "bag", Confidence: 0.2, Box: box(0, 0, 5, 5)},
		}, nil
	})

	src := newScriptedSource(3)
	sink := newCollector()
	d, tracker, _, m := newDriver(t, src, det, sink)
	require.NoError(t, tracker.SetZone(geometry.Polygon{{X: 0, Y: 0}, {X: 50, Y: 0}, {X: 50, Y: 50}, {X: 0, Y: 50}}))

	runDriver(t, d)
	results := sink.wait(t, 3)

	require.Len(t, results[0].Tracks, 1, "untracked detections are not tracks")
	assert.Equal(t, zone.Outside, results[0].Tracks[0].Membership)
	assert.Empty(t, results[1].Crossings)

	last := results[2]
	require.Len(t, last.Crossings, 1)
	assert.Equal(t, "person", last.Crossings[0].Class)
	assert.Equal(t, zone.Inside, last.Tracks[0].Membership)
	assert.Equal(t, map[string]int{"person": 1}, last.Counts)
	assert.Equal(t, map[string]int{"person": 1}, last.Summary, "low-confidence detections are left out of the summary")
	assert.Equal(t, d.SessionID(), last.SessionID)
	assert.Equal(t, uint64(1), m.TrackedObjects.Load())
	assert.Equal(t, uint64(3), m.FramesPublished.Load())
}

func TestRegionsAreClassified(t *testing.T) {
	inside := geometry.NewMask(100, 100)
	outside := geometry.NewMask(100, 100)
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			inside.Set(x+10, y+10, true)
			outside.Set(x+80, y+80, true)
		}
	}
	det := detect.DetectorFunc(func(ctx context.Context, f *types.Frame) ([]detect.Detection, error) {
		return []detect.Detection{
			{Class: "cart", ClassID: 1, Confidence: 0.8, Mask: inside},
			{Class: "cart", ClassID: 1, Confidence: 0.7, Mask: outside},
		}, nil
	})

	src := newScriptedSource(1)
	sink := newCollector()
	d, _, store, _ := newDriver(t, src, det, sink)
	require.NoError(t, store.Replace([]deviation.ReferenceRegion{{
		ClassID:   2,
		ClassName: "sidewalk",
		Polygon:   geometry.Polygon{{X: 0, Y: 0}, {X: 0.5, Y: 0}, {X: 0.5, Y: 0.5}, {X: 0, Y: 0.5}},
	}}))

	runDriver(t, d)
	res := sink.wait(t, 1)[0]

	require.Len(t, res.Regions, 2)
	assert.Equal(t, deviation.Normal, res.Regions[0].Severity)
	require.NotNil(t, res.Regions[0].MatchedClass)
	assert.Equal(t, 2, *res.Regions[0].MatchedClass)
	assert.Equal(t, 100, res.Regions[0].Area)

	assert.Equal(t, deviation.Critical, res.Regions[1].Severity)
	assert.Nil(t, res.Regions[1].MatchedClass)
	assert.Equal(t, deviation.Critical, res.WorstSeverity())
	assert.Len(t, res.References, 1)
}

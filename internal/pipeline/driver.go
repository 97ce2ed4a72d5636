// Package pipeline runs frames from a stream source through detection,
// zone tracking and deviation classification.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/deviation"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/stream"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/zone"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/pkg/types"
)

// FrameSource yields frames. stream.Source implements it.
type FrameSource interface {
	NextFrame(ctx context.Context) (*types.Frame, error)
	Close() error
}

// Sink receives per-frame results. Publish must not block.
type Sink interface {
	Publish(res *Result)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(res *Result)

func (f SinkFunc) Publish(res *Result) { f(res) }

// Config holds driver settings.
type Config struct {
	InferenceTimeout  time.Duration `yaml:"inference_timeout"`
	SummaryConfidence float64       `yaml:"summary_confidence"`
}

// DefaultConfig returns the default driver settings.
func DefaultConfig() Config {
	return Config{
		InferenceTimeout:  5 * time.Second,
		SummaryConfidence: 0.3,
	}
}

// Deps are the collaborators of a Driver.
type Deps struct {
	Source     FrameSource
	Detector   detect.Detector
	Tracker    *zone.Tracker
	References *deviation.Store
	Classifier *deviation.Classifier
	Sink       Sink
	Metrics    *metrics.Metrics
}

// Stats summarizes driver progress.
type Stats struct {
	SessionID       string    `json:"session_id"`
	FramesProcessed uint64    `json:"frames_processed"`
	InferenceErrors uint64    `json:"inference_errors"`
	LastSeq         uint64    `json:"last_seq"`
	LastFrameAt     time.Time `json:"last_frame_at"`
	FPS             float64   `json:"fps"`
}

// Driver processes one stream sequentially. Run must be called at most once.
type Driver struct {
	deps      Deps
	cfg       Config
	sessionID string
	log       logger.Module

	mu          sync.Mutex
	stats       Stats
	failStreak  int
	lastProcess time.Time
}

// New validates deps and returns a Driver.
func New(deps Deps, cfg Config) (*Driver, error) {
	if deps.Source == nil || deps.Tracker == nil || deps.References == nil || deps.Classifier == nil {
		return nil, errors.New("pipeline: source, tracker, references and classifier are required")
	}
	if deps.Detector == nil {
		deps.Detector = detect.NopDetector{}
	}
	if deps.Sink == nil {
		deps.Sink = SinkFunc(func(*Result) {})
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = DefaultConfig().InferenceTimeout
	}

	id := uuid.NewString()
	return &Driver{
		deps:      deps,
		cfg:       cfg,
		sessionID: id,
		log:       logger.For("Pipeline"),
		stats:     Stats{SessionID: id},
	}, nil
}

// SessionID identifies this driver instance in published results.
func (d *Driver) SessionID() string {
	return d.sessionID
}

// Stats returns a copy of the progress counters.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Run pulls frames until ctx is cancelled or the source is closed. The
// source is closed on every return path. Cancellation yields a nil error.
func (d *Driver) Run(ctx context.Context) error {
	defer func() {
		if err := d.deps.Source.Close(); err != nil {
			d.log.Warn("closing source: %v", err)
		}
		d.log.Info("session %s stopped", d.sessionID)
	}()

	d.log.Info("session %s started", d.sessionID)
	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := d.deps.Source.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, stream.ErrClosed) {
				return err
			}
			d.deps.Metrics.FramesSkipped.Add(1)
			continue
		}
		if frame == nil {
			d.deps.Metrics.FramesSkipped.Add(1)
			continue
		}

		res := d.Process(ctx, frame)
		if ctx.Err() != nil {
			return nil
		}
		d.deps.Sink.Publish(res)
		d.deps.Metrics.FramesPublished.Add(1)
	}
}

// Process runs one frame through the detector, tracker and classifier.
// A detector failure yields an unannotated result that still carries the
// current counts and zone.
func (d *Driver) Process(ctx context.Context, frame *types.Frame) *Result {
	start := time.Now()
	m := d.deps.Metrics

	// One snapshot of each piece of configuration per frame.
	refs := d.deps.References.Snapshot()

	res := &Result{
		SessionID:  d.sessionID,
		Seq:        frame.Seq,
		Timestamp:  frame.Timestamp,
		Width:      frame.Width(),
		Height:     frame.Height(),
		Frame:      frame,
		References: refs.Regions,
	}

	dets, err := d.infer(ctx, frame)
	if err != nil {
		m.InferenceErrors.Add(1)
		res.InferenceError = err.Error()
		res.Zone = d.deps.Tracker.Zone()
		res.Counts = d.deps.Tracker.SnapshotCounts()
		d.finish(res, start, false)
		return res
	}

	d.track(res, dets)
	d.classify(res, dets, refs.Regions)
	res.Summary = summarize(dets, d.cfg.SummaryConfidence)
	res.Counts = d.deps.Tracker.SnapshotCounts()

	m.TrackedObjects.Store(uint64(d.deps.Tracker.TrackCount()))
	m.ReferenceRegions.Store(uint64(len(refs.Regions)))
	d.finish(res, start, true)
	return res
}

func (d *Driver) infer(ctx context.Context, frame *types.Frame) ([]detect.Detection, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.InferenceTimeout)
	defer cancel()

	type result struct {
		dets []detect.Detection
		err  error
	}
	// Buffered so an abandoned call can finish without a receiver.
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		dets, err := d.deps.Detector.Detect(ctx, frame)
		done <- result{dets, err}
	}()

	select {
	case r := <-done:
		d.deps.Metrics.UpdateInferenceLatency(time.Since(start))
		if r.err != nil {
			if errors.Is(r.err, detect.ErrInferenceFailure) {
				return nil, r.err
			}
			return nil, fmt.Errorf("%w: %w", detect.ErrInferenceFailure, r.err)
		}
		return r.dets, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", detect.ErrInferenceFailure, ctx.Err())
	}
}

func (d *Driver) track(res *Result, dets []detect.Detection) {
	var obs []zone.Observation
	for _, det := range dets {
		if !det.Tracked || det.Box == nil {
			continue
		}
		obs = append(obs, zone.Observation{TrackID: det.TrackID, Class: det.Class, Position: det.Box.Center()})
		res.Tracks = append(res.Tracks, TrackedObject{
			TrackID:    det.TrackID,
			Class:      det.Class,
			ClassID:    det.ClassID,
			Confidence: det.Confidence,
			Box:        *det.Box,
		})
	}

	up := d.deps.Tracker.Step(obs)
	for i := range res.Tracks {
		res.Tracks[i].Membership = up.Membership[i]
	}
	res.Zone = up.Zone
	res.Crossings = up.Events
	for _, ev := range up.Events {
		d.deps.Metrics.ObserveCrossing(ev.Class)
	}
}

func (d *Driver) classify(res *Result, dets []detect.Detection, refs []deviation.ReferenceRegion) {
	regions := detect.Regions(dets)
	if len(regions) == 0 {
		return
	}
	masks := make([]*geometry.Mask, len(regions))
	for i, r := range regions {
		masks[i] = r.Mask
	}

	results := d.deps.Classifier.ClassifyFrame(masks, refs, res.Width, res.Height)
	res.Regions = make([]RegionResult, len(regions))
	for i, r := range regions {
		res.Regions[i] = RegionResult{
			Class:      r.Class,
			ClassID:    r.ClassID,
			Confidence: r.Confidence,
			Mask:       r.Mask,
			Area:       r.Mask.Count(),
			Result:     results[i],
		}
		d.deps.Metrics.ObserveDeviation(results[i].Severity.String())
	}
}

func summarize(dets []detect.Detection, minConfidence float64) map[string]int {
	out := make(map[string]int)
	for _, det := range dets {
		if det.Confidence > minConfidence {
			out[det.Class]++
		}
	}
	return out
}

func (d *Driver) finish(res *Result, start time.Time, ok bool) {
	res.ProcessingTime = time.Since(start)
	m := d.deps.Metrics
	m.FramesProcessed.Add(1)
	m.UpdateProcessLatency(res.ProcessingTime)
	m.UpdateFrameLatency(res.Timestamp)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if !d.lastProcess.IsZero() {
		if dt := now.Sub(d.lastProcess).Seconds(); dt > 0 {
			inst := 1 / dt
			if d.stats.FPS == 0 {
				d.stats.FPS = inst
			} else {
				d.stats.FPS = 0.9*d.stats.FPS + 0.1*inst
			}
		}
	}
	d.lastProcess = now
	d.stats.FramesProcessed++
	d.stats.LastSeq = res.Seq
	d.stats.LastFrameAt = now

	if ok {
		if d.failStreak > 0 {
			d.log.Info("detector recovered after %d failures", d.failStreak)
		}
		d.failStreak = 0
		return
	}
	d.stats.InferenceErrors++
	d.failStreak++
	if d.failStreak == 1 {
		d.log.Warn("inference failed, passing frames through unannotated: %s", res.InferenceError)
	}
}

package webmonitor

import (
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/stream"
)

// StreamStatter reports stream source health. *stream.Source implements it.
type StreamStatter interface {
	Stats() stream.Stats
}

// Monitor aggregates published results for the status endpoints.
type Monitor struct {
	startTime   time.Time
	stream      StreamStatter
	historySize int

	mu              sync.Mutex
	framesProcessed uint64
	inferenceErrors uint64
	totalCrossings  uint64
	trackedObjects  int
	severities      map[string]int
	fps             float64
	lastRecord      time.Time
	latest          *ResultEvent
	history         []Crossing // newest first
}

// NewMonitor creates a Monitor. src may be nil.
func NewMonitor(src StreamStatter, historySize int) *Monitor {
	if historySize <= 0 {
		historySize = DefaultConfig().HistorySize
	}
	return &Monitor{
		startTime:   time.Now(),
		stream:      src,
		historySize: historySize,
		severities:  make(map[string]int),
	}
}

// Record folds one result into the aggregate. ev is the pre-built event for res.
func (m *Monitor) Record(res *pipeline.Result, ev *ResultEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if !m.lastRecord.IsZero() {
		if dt := now.Sub(m.lastRecord).Seconds(); dt > 0 {
			if m.fps == 0 {
				m.fps = 1 / dt
			} else {
				m.fps = 0.9*m.fps + 0.1/dt
			}
		}
	}
	m.lastRecord = now

	m.framesProcessed++
	if !res.Annotated() {
		m.inferenceErrors++
	}
	m.trackedObjects = len(res.Tracks)
	for _, r := range res.Regions {
		m.severities[r.Severity.String()]++
	}
	m.latest = ev

	for _, c := range ev.Crossings {
		m.totalCrossings++
		m.history = append([]Crossing{c}, m.history...)
	}
	if len(m.history) > m.historySize {
		m.history = m.history[:m.historySize]
	}
}

// Snapshot returns the current status.
func (m *Monitor) Snapshot() StatusEvent {
	var ss StreamStats
	if m.stream != nil {
		ss = toStreamStats(m.stream.Stats())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sev := make(map[string]int, len(m.severities))
	for k, v := range m.severities {
		sev[k] = v
	}
	history := make([]Crossing, len(m.history))
	copy(history, m.history)

	return StatusEvent{
		Monitor: MonitorStats{
			FramesProcessed: m.framesProcessed,
			CurrentFPS:      m.fps,
			InferenceErrors: m.inferenceErrors,
			TrackedObjects:  m.trackedObjects,
			TotalCrossings:  m.totalCrossings,
			Severities:      sev,
			UptimeSeconds:   time.Since(m.startTime).Seconds(),
		},
		Stream:          ss,
		LatestResult:    m.latest,
		CrossingHistory: history,
		Timestamp:       unixSeconds(time.Now()),
	}
}

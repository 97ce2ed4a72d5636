package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/pipeline"
)

// hub fans values out to subscribers. Slow subscribers miss values rather
// than blocking the sender.
type hub[T any] struct {
	name    string
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[int]chan T
	nextID  int
	closed  bool
}

func newHub[T any](name string, m *metrics.Metrics) *hub[T] {
	return &hub[T]{name: name, metrics: m, clients: make(map[int]chan T)}
}

// Subscribe adds a client. The channel is closed on Unsubscribe or when the
// hub shuts down.
func (h *hub[T]) Subscribe() (int, <-chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan T, 2) // Buffer 2 values to avoid blocking
	if h.closed {
		close(ch)
		return id, ch
	}
	h.clients[id] = ch
	h.metrics.ActiveClients.Add(1)
	h.metrics.TotalClients.Add(1)

	logger.Debug(h.name, "Client #%d subscribed (total clients: %d)", id, len(h.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (h *hub[T]) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
		h.metrics.ActiveClients.Add(^uint64(0))
		logger.Debug(h.name, "Client #%d unsubscribed (remaining clients: %d)", id, len(h.clients))
	}
}

func (h *hub[T]) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast sends v to every client and returns how many were skipped.
func (h *hub[T]) broadcast(v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	skipped := 0
	for _, ch := range h.clients {
		select {
		case ch <- v:
		default:
			skipped++
		}
	}
	return skipped
}

// shutdown closes every client channel and rejects new subscribers.
func (h *hub[T]) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
		h.metrics.ActiveClients.Add(^uint64(0))
	}
}

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // google.protobuf.Struct, base64 encoded for SSE
}

// serializeEvent encodes v as JSON and as a protobuf Struct of the same shape.
func serializeEvent(v any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	var st structpb.Struct
	if err := protojson.Unmarshal(jsonData, &st); err != nil {
		return nil, fmt.Errorf("protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(&st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// ResultBroadcaster is the pipeline sink of the web monitor. It keeps only the
// newest unprocessed result, renders it once, and fans the annotated JPEG and
// the serialized event out to subscribers.
type ResultBroadcaster struct {
	monitor *Monitor
	metrics *metrics.Metrics
	opts    overlay.Options

	frames *hub[[]byte]
	events *hub[*SerializedEvent]

	mu      sync.Mutex
	pending *pipeline.Result
	notify  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	stopped bool
	started bool
}

// NewResultBroadcaster creates a broadcaster. m may be nil.
func NewResultBroadcaster(monitor *Monitor, opts overlay.Options, m *metrics.Metrics) *ResultBroadcaster {
	if m == nil {
		m = metrics.New()
	}
	return &ResultBroadcaster{
		monitor: monitor,
		metrics: m,
		opts:    opts,
		frames:  newHub[[]byte]("FrameBroadcaster", m),
		events:  newHub[*SerializedEvent]("ResultBroadcaster", m),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Publish implements pipeline.Sink. It never blocks; an unprocessed older
// result is replaced.
func (rb *ResultBroadcaster) Publish(res *pipeline.Result) {
	rb.mu.Lock()
	if rb.pending != nil {
		rb.metrics.FramesDropped.Add(1)
	}
	rb.pending = res
	rb.mu.Unlock()

	select {
	case rb.notify <- struct{}{}:
	default:
	}
}

// SubscribeFrames adds an MJPEG client.
func (rb *ResultBroadcaster) SubscribeFrames() (int, <-chan []byte) { return rb.frames.Subscribe() }

// UnsubscribeFrames removes an MJPEG client.
func (rb *ResultBroadcaster) UnsubscribeFrames(id int) { rb.frames.Unsubscribe(id) }

// SubscribeEvents adds an event client (SSE or WebSocket).
func (rb *ResultBroadcaster) SubscribeEvents() (int, <-chan *SerializedEvent) {
	return rb.events.Subscribe()
}

// UnsubscribeEvents removes an event client.
func (rb *ResultBroadcaster) UnsubscribeEvents(id int) { rb.events.Unsubscribe(id) }

// Start begins the render and broadcast loop.
func (rb *ResultBroadcaster) Start() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.started || rb.stopped {
		return
	}
	rb.started = true
	go rb.run()
}

// Stop halts the loop and disconnects all clients.
func (rb *ResultBroadcaster) Stop() {
	rb.mu.Lock()
	if rb.stopped {
		rb.mu.Unlock()
		return
	}
	rb.stopped = true
	started := rb.started
	close(rb.stop)
	rb.mu.Unlock()

	if started {
		<-rb.done
	}
	rb.frames.shutdown()
	rb.events.shutdown()
}

func (rb *ResultBroadcaster) run() {
	defer close(rb.done)
	logger.Info("ResultBroadcaster", "Starting result broadcaster...")

	for {
		select {
		case <-rb.stop:
			return
		case <-rb.notify:
		}

		rb.mu.Lock()
		res := rb.pending
		rb.pending = nil
		rb.mu.Unlock()

		if res != nil {
			rb.process(res)
		}
	}
}

func (rb *ResultBroadcaster) process(res *pipeline.Result) {
	ev := newResultEvent(res)
	if rb.monitor != nil {
		rb.monitor.Record(res, ev)
	}

	if rb.events.count() > 0 {
		event, err := serializeEvent(ev)
		if err != nil {
			logger.Error("ResultBroadcaster", "Serialize error: %v", err)
		} else {
			rb.events.broadcast(event)
		}
	}

	// Rendering is the expensive part; skip it when nobody is watching.
	if rb.frames.count() == 0 {
		return
	}
	data, err := overlay.RenderJPEG(res, rb.opts)
	if err != nil {
		logger.Error("FrameBroadcaster", "Render error: %v", err)
		return
	}
	if data == nil {
		return
	}
	if skipped := rb.frames.broadcast(data); skipped > 0 {
		rb.metrics.FramesDropped.Add(uint64(skipped))
	}
}

// StatusBroadcaster pushes monitor snapshots to SSE clients at a fixed interval.
type StatusBroadcaster struct {
	monitor  *Monitor
	interval time.Duration
	events   *hub[*SerializedEvent]

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
}

// NewStatusBroadcaster creates a broadcaster for status events.
func NewStatusBroadcaster(monitor *Monitor, interval time.Duration, m *metrics.Metrics) *StatusBroadcaster {
	if interval <= 0 {
		interval = DefaultConfig().StatusInterval
	}
	if m == nil {
		m = metrics.New()
	}
	return &StatusBroadcaster{
		monitor:  monitor,
		interval: interval,
		events:   newHub[*SerializedEvent]("StatusBroadcaster", m),
		stop:     make(chan struct{}),
	}
}

// Subscribe adds a new client.
func (sb *StatusBroadcaster) Subscribe() (int, <-chan *SerializedEvent) { return sb.events.Subscribe() }

// Unsubscribe removes a client.
func (sb *StatusBroadcaster) Unsubscribe(id int) { sb.events.Unsubscribe(id) }

// Start begins the status event loop.
func (sb *StatusBroadcaster) Start() {
	go sb.run()
}

// Stop halts the broadcaster and disconnects all clients.
func (sb *StatusBroadcaster) Stop() {
	sb.mu.Lock()
	if !sb.stopped {
		close(sb.stop)
		sb.stopped = true
	}
	sb.mu.Unlock()
	sb.events.shutdown()
}

// Current serializes the current status.
func (sb *StatusBroadcaster) Current() (*SerializedEvent, error) {
	return serializeEvent(sb.monitor.Snapshot())
}

func (sb *StatusBroadcaster) run() {
	logger.Info("StatusBroadcaster", "Starting status event broadcaster (interval=%v)...", sb.interval)
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
			if sb.events.count() == 0 {
				continue
			}
			event, err := sb.Current()
			if err != nil {
				logger.Error("StatusBroadcaster", "Serialize error: %v", err)
				continue
			}
			sb.events.broadcast(event)
		}
	}
}

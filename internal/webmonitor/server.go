package webmonitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/deviation"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/zone"
)

const (
	maxZoneBody    = 1 << 20
	wsWriteTimeout = 10 * time.Second
)

// Deps are the components the server exposes.
type Deps struct {
	Tracker    *zone.Tracker
	References *deviation.Store
	Results    *ResultBroadcaster
	Monitor    *Monitor
	Metrics    *metrics.Metrics
}

// Server serves the viewer, zone control and result streams.
type Server struct {
	cfg      Config
	tracker  *zone.Tracker
	refs     *deviation.Store
	monitor  *Monitor
	metrics  *metrics.Metrics
	results  *ResultBroadcaster
	status   *StatusBroadcaster
	upgrader websocket.Upgrader
}

// NewServer returns a configured server and starts its broadcasters.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultConfig().StatusInterval
	}
	if deps.Tracker == nil {
		deps.Tracker = zone.NewTracker()
	}
	if deps.References == nil {
		deps.References = deviation.NewStore("", "")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Monitor == nil {
		deps.Monitor = NewMonitor(nil, cfg.HistorySize)
	}
	if deps.Results == nil {
		deps.Results = NewResultBroadcaster(deps.Monitor, cfg.overlayOptions(), deps.Metrics)
	}

	s := &Server{
		cfg:     cfg,
		tracker: deps.Tracker,
		refs:    deps.References,
		monitor: deps.Monitor,
		metrics: deps.Metrics,
		results: deps.Results,
		status:  NewStatusBroadcaster(deps.Monitor, cfg.StatusInterval, deps.Metrics),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	s.results.Start()
	s.status.Start()
	return s
}

// Results returns the pipeline sink feeding this server.
func (s *Server) Results() *ResultBroadcaster {
	return s.results
}

// Close stops the broadcasters and disconnects streaming clients.
func (s *Server) Close() {
	s.status.Stop()
	s.results.Stop()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/init", s.handleIndex)
	mux.HandleFunc("/video_feed", s.handleStream)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/set_zone", s.handleZone)
	mux.HandleFunc("/api/counts", s.handleCounts)
	mux.HandleFunc("/api/counts/reset", s.handleCountsReset)
	mux.HandleFunc("/labels/info", s.handleLabelsInfo)
	mux.HandleFunc("/labels/reload", s.handleLabelsReload)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/results/stream", s.handleResultsStream)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/init" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.results.SubscribeFrames()
	defer s.results.UnsubscribeFrames(id)
	streamMJPEGFromChannel(r.Context(), w, frameCh, s.idleMessage)
}

func (s *Server) idleMessage() string {
	if s.monitor.stream == nil {
		return "Waiting for frames"
	}
	st := s.monitor.stream.Stats()
	if st.LastError != "" && st.State != "connected" {
		return fmt.Sprintf("Stream %s: %s", st.State, st.LastError)
	}
	return fmt.Sprintf("Waiting for frames (stream %s)", st.State)
}

func (s *Server) handleZone(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]any{"points": zonePoints(s.tracker.Zone())})

	case http.MethodPost:
		var req ZoneRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxZoneBody)).Decode(&req); err != nil {
			writeJSONWithStatus(w, map[string]any{"error": "Invalid zone data"}, http.StatusBadRequest)
			return
		}
		if err := s.tracker.SetZone(req.polygon()); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, zone.ErrInvalidGeometry) {
				status = http.StatusBadRequest
			}
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
			return
		}
		writeJSON(w, map[string]any{"ok": true})

	case http.MethodDelete:
		s.tracker.ClearZone()
		writeJSON(w, map[string]any{"ok": true})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func zonePoints(poly geometry.Polygon) [][2]float64 {
	out := make([][2]float64, len(poly))
	for i, p := range poly {
		out[i] = [2]float64{p.X, p.Y}
	}
	return out
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts := s.tracker.SnapshotCounts()
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, map[string]any{
		"counts":   counts,
		"total":    total,
		"zone_set": s.tracker.Zone() != nil,
	})
}

func (s *Server) handleCountsReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.tracker.ResetCounts()
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleLabelsInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.refs.Info())
}

func (s *Server) handleLabelsReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, err := s.refs.Reload()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{
			"status":  "error",
			"message": err.Error(),
		}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Reloaded %d masks", n),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.monitor.Snapshot())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	initial, err := s.status.Current()
	if err != nil {
		logger.Error("StatusBroadcaster", "Serialize error: %v", err)
	}
	streamEventsFromChannel(r.Context(), w, eventCh, wantsProtobuf(r), initial)
}

func (s *Server) handleResultsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.results.SubscribeEvents()
	defer s.results.UnsubscribeEvents(id)
	streamEventsFromChannel(r.Context(), w, eventCh, wantsProtobuf(r), nil)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") ||
		slices.Contains(s.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

// handleWebSocket pushes result events as JSON text messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket", "Upgrade error: %v", err)
		return
	}
	defer conn.Close()

	id, eventCh := s.results.SubscribeEvents()
	defer s.results.UnsubscribeEvents(id)
	logger.Debug("WebSocket", "Viewer connected from %s", r.RemoteAddr)

	// Inbound messages are ignored; reading surfaces close frames and errors.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("WebSocket", "Viewer disconnected with error: %v", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(keepaliveEvery)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case event, ok := <-eventCh:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, event.JSONData); err != nil {
				logger.Debug("WebSocket", "Write error: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.monitor.Snapshot()
	writeJSON(w, map[string]any{
		"status":           "ok",
		"stream_state":     st.Stream.State,
		"frames_processed": st.Monitor.FramesProcessed,
		"timestamp":        st.Timestamp,
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}

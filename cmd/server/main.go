package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/deviation"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/stream"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/webmonitor"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/zone"
)

// Server runs the frame pipeline and the web monitor
type Server struct {
	cfg        config.Config
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	metrics    *metrics.Metrics
	source     *stream.Source
	driver     *pipeline.Driver
	web        *webmonitor.Server
	httpServer *http.Server
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init(level, os.Stderr, cfg.LogColor)

	logger.Info("Main", "Zone monitor starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// NewServer wires the stream, detector, tracker and reference store into a pipeline
func NewServer(cfg config.Config) (*Server, error) {
	m := metrics.New()

	opener, err := capture.New(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture: %w", err)
	}
	source := stream.NewSource(opener, cfg.Policy, stream.WithMetrics(m), stream.WithName(cfg.Source.URL))

	var detector detect.Detector = detect.NopDetector{}
	if cfg.Detector.URL != "" {
		detector = detect.NewHTTPDetector(cfg.Detector, nil)
	} else {
		logger.Warn("Main", "No detector configured, frames pass through unannotated")
	}

	tracker := zone.NewTracker(zone.WithMaxIdleFrames(cfg.Tracker.MaxIdleFrames))
	if poly := cfg.ZonePolygon(); poly != nil {
		if err := tracker.SetZone(poly); err != nil {
			return nil, fmt.Errorf("failed to set initial zone: %w", err)
		}
	}

	refs := deviation.NewStore(cfg.Labels.Dir, cfg.Labels.DataYAML)
	if n, err := refs.Reload(); err != nil {
		logger.Warn("Main", "Reference regions not loaded: %v", err)
	} else {
		logger.Info("Main", "Loaded %d reference regions from %s", n, cfg.Labels.Dir)
	}

	classifier, err := deviation.NewClassifier(cfg.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier: %w", err)
	}

	monitor := webmonitor.NewMonitor(source, cfg.Web.HistorySize)
	web := webmonitor.NewServer(cfg.Web, webmonitor.Deps{
		Tracker:    tracker,
		References: refs,
		Monitor:    monitor,
		Metrics:    m,
	})

	driver, err := pipeline.New(pipeline.Deps{
		Source:     source,
		Detector:   detector,
		Tracker:    tracker,
		References: refs,
		Classifier: classifier,
		Sink:       web.Results(),
		Metrics:    m,
	}, cfg.Pipeline)
	if err != nil {
		web.Close()
		_ = source.Close()
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		metrics: m,
		source:  source,
		driver:  driver,
		web:     web,
		httpServer: &http.Server{
			Addr:     cfg.Web.Addr,
			Handler:  web.Handler(),
			ErrorLog: logger.StdLogger("HTTP", logger.WARN),
		},
	}, nil
}

// Start starts all goroutines
func (s *Server) Start() error {
	logger.Info("Main", "Starting server...")
	logger.Info("Main", "  Source: %s", s.cfg.Source.URL)
	logger.Info("Main", "  HTTP server: %s", s.cfg.Web.Addr)
	logger.Info("Main", "  Session: %s", s.driver.SessionID())

	if s.cfg.PprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", s.cfg.PprofAddr)
			if err := http.ListenAndServe(s.cfg.PprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	if s.cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", s.cfg.MetricsAddr)
			if err := s.metrics.StartServer(s.cfg.MetricsAddr); err != nil {
				logger.Warn("Main", "Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Main", "HTTP server error: %v", err)
			s.cancel()
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.driver.Run(s.ctx); err != nil {
			logger.Error("Main", "Pipeline stopped: %v", err)
		}
	}()

	return nil
}

// Shutdown stops the pipeline, disconnects viewers and closes the HTTP server
func (s *Server) Shutdown() error {
	s.cancel()
	s.wg.Wait()

	st := s.driver.Stats()
	ss := s.source.Stats()
	logger.Info("Main", "Processed %d frames (%d inference errors), %d reconnects", st.FramesProcessed, st.InferenceErrors, ss.Reconnects)

	// Streaming handlers return once their channels close.
	s.web.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

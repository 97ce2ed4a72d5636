package webmonitor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/overlay"
)

const (
	blankFrameAfter = 5 * time.Second
	keepaliveEvery  = 30 * time.Second

	idleWidth  = 640
	idleHeight = 480
)

// idleJPEG renders the placeholder shown while no annotated frame arrives.
func idleJPEG(message string) ([]byte, error) {
	return overlay.EncodeJPEG(overlay.Placeholder(idleWidth, idleHeight, message), 75)
}

// wantsProtobuf reports whether the Accept header asks for protobuf events.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

// streamMJPEGFromChannel writes annotated frames as multipart JPEG parts.
// After blankFrameAfter without a frame, a placeholder carrying idle() is sent.
func streamMJPEGFromChannel(ctx context.Context, w http.ResponseWriter, frameCh <-chan []byte, idle func() string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	timer := time.NewTimer(0) // first part goes out immediately
	defer timer.Stop()

	var part bytes.Buffer
	for {
		var jpegData []byte
		select {
		case <-ctx.Done():
			return
		case data, ok := <-frameCh:
			if !ok {
				return
			}
			jpegData = data
		case <-timer.C:
			data, err := idleJPEG(idle())
			if err != nil {
				logger.Error("MJPEG", "Placeholder render failed: %v", err)
				return
			}
			jpegData = data
		}
		timer.Reset(blankFrameAfter)

		part.Reset()
		fmt.Fprintf(&part, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData))
		part.Write(jpegData)
		part.WriteString("\r\n")
		if _, err := w.Write(part.Bytes()); err != nil {
			logger.Debug("MJPEG", "Client disconnected: %v", err)
			return
		}
		flusher.Flush()
	}
}

// streamEventsFromChannel streams pre-serialized events to an SSE client.
// initial, when non-nil, is sent before the first channel event.
func streamEventsFromChannel(ctx context.Context, w http.ResponseWriter, eventCh <-chan *SerializedEvent, useProtobuf bool, initial *SerializedEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}

	send := func(event *SerializedEvent) error {
		data := event.JSONData
		if useProtobuf {
			data = event.ProtobufData
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if initial != nil {
		if err := send(initial); err != nil {
			logger.Debug("SSE", "Client disconnected during event write: %v", err)
			return
		}
	} else {
		// Commit headers so clients see the stream open.
		flusher.Flush()
	}

	keepalive := time.NewTicker(keepaliveEvery)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if err := send(event); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}

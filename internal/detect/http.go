package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"golang.org/x/image/draw"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/pkg/types"
)

// maskThreshold binarizes 0..255 mask probabilities at 0.5.
const maskThreshold = 127

// HTTPConfig configures an HTTPDetector.
type HTTPConfig struct {
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	JPEGQuality int           `yaml:"jpeg_quality"`
}

// HTTPDetector posts JPEG frames to an inference service and decodes its JSON reply.
type HTTPDetector struct {
	url     string
	quality int
	client  *http.Client
}

// NewHTTPDetector creates a detector for cfg. A nil client gets cfg.Timeout.
func NewHTTPDetector(cfg HTTPConfig, client *http.Client) *HTTPDetector {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	quality := cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &HTTPDetector{url: cfg.URL, quality: quality, client: client}
}

type wireResponse struct {
	Detections []wireDetection `json:"detections"`
}

type wireDetection struct {
	TrackID    *int         `json:"track_id"`
	Class      string       `json:"class"`
	ClassID    int          `json:"class_id"`
	Confidence float64      `json:"confidence"`
	Box        []float64    `json:"box"`     // x1, y1, x2, y2 in pixels
	Polygon    [][2]float64 `json:"polygon"` // normalized
	Mask       *wireMask    `json:"mask"`
}

type wireMask struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   []byte `json:"data"` // base64, one byte per pixel, row-major
}

// Detect sends frame to the inference service. Every failure wraps ErrInferenceFailure.
func (d *HTTPDetector) Detect(ctx context.Context, frame *types.Frame) ([]Detection, error) {
	if frame == nil || frame.Image == nil {
		return nil, fmt.Errorf("%w: empty frame", ErrInferenceFailure)
	}

	var body bytes.Buffer
	if err := jpeg.Encode(&body, frame.Image, &jpeg.Options{Quality: d.quality}); err != nil {
		return nil, fmt.Errorf("%w: encode frame: %w", ErrInferenceFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, &body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInferenceFailure, err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInferenceFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %s: %s", ErrInferenceFailure, resp.Status, bytes.TrimSpace(msg))
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrInferenceFailure, err)
	}

	w, h := frame.Width(), frame.Height()
	dets := make([]Detection, 0, len(wire.Detections))
	for i, wd := range wire.Detections {
		det, err := wd.toDetection(w, h)
		if err != nil {
			return nil, fmt.Errorf("%w: detection %d: %w", ErrInferenceFailure, i, err)
		}
		dets = append(dets, det)
	}
	return dets, nil
}

func (wd wireDetection) toDetection(w, h int) (Detection, error) {
	det := Detection{
		Class:      wd.Class,
		ClassID:    wd.ClassID,
		Confidence: wd.Confidence,
	}
	if det.Class == "" {
		det.Class = ClassName(wd.ClassID)
	}
	if wd.TrackID != nil {
		det.TrackID = *wd.TrackID
		det.Tracked = true
	}

	if len(wd.Box) > 0 {
		if len(wd.Box) != 4 {
			return det, fmt.Errorf("box needs 4 values, got %d", len(wd.Box))
		}
		det.Box = &geometry.Box{X1: wd.Box[0], Y1: wd.Box[1], X2: wd.Box[2], Y2: wd.Box[3]}
	}

	switch {
	case wd.Mask != nil:
		m, err := wd.Mask.scaled(w, h)
		if err != nil {
			return det, err
		}
		det.Mask = m
	case len(wd.Polygon) >= 3:
		poly := make(geometry.Polygon, len(wd.Polygon))
		for i, p := range wd.Polygon {
			poly[i] = geometry.Point{X: p[0], Y: p[1]}
		}
		det.Mask = geometry.Rasterize(geometry.Denormalize(poly, w, h), w, h)
	}

	if det.Box == nil && det.Mask == nil {
		return det, fmt.Errorf("neither box nor mask")
	}
	return det, nil
}

// scaled resizes the probability mask to the frame and thresholds it.
func (m *wireMask) scaled(w, h int) (*geometry.Mask, error) {
	if m.Width <= 0 || m.Height <= 0 || len(m.Data) != m.Width*m.Height {
		return nil, fmt.Errorf("mask %dx%d with %d bytes", m.Width, m.Height, len(m.Data))
	}
	src := &image.Gray{Pix: m.Data, Stride: m.Width, Rect: image.Rect(0, 0, m.Width, m.Height)}
	if m.Width == w && m.Height == h {
		return geometry.MaskFromGray(src, maskThreshold), nil
	}
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return geometry.MaskFromGray(dst, maskThreshold), nil
}

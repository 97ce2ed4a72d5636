package detect

import (
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/pkg/types"
)

func testFrame(w, h int) *types.Frame {
	return &types.Frame{Image: image.NewRGBA(image.Rect(0, 0, w, h)), Seq: 1, Timestamp: time.Now()}
}

func serve(t *testing.T, handler http.HandlerFunc) *HTTPDetector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPDetector(HTTPConfig{URL: srv.URL, Timeout: time.Second}, nil)
}

func TestHTTPDetectorDecodesDetections(t *testing.T) {
	var gotSize image.Point
	det := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		img, err := jpeg.Decode(r.Body)
		if assert.NoError(t, err) {
			gotSize = img.Bounds().Size()
		}

		mask := make([]byte, 8*6)
		for i := range mask {
			if i%8 < 4 {
				mask[i] = 255
			}
		}
		resp := map[string]any{
			"detections": []map[string]any{
				{"track_id": 7, "class": "person", "class_id": 0, "confidence": 0.91, "box": []float64{1, 1, 5, 5}},
				{"class_id": 3, "confidence": 0.5, "polygon": [][2]float64{{0, 0}, {0.5, 0}, {0.5, 0.5}, {0, 0.5}}},
				{"class": "car", "class_id": 2, "confidence": 0.7, "mask": map[string]any{"width": 8, "height": 6, "data": mask}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	dets, err := det.Detect(context.Background(), testFrame(8, 6))
	require.NoError(t, err)
	require.Len(t, dets, 3)
	assert.Equal(t, image.Pt(8, 6), gotSize)

	person := dets[0]
	assert.True(t, person.Tracked)
	assert.Equal(t, 7, person.TrackID)
	assert.Equal(t, "person", person.Class)
	require.NotNil(t, person.Box)
	assert.Equal(t, 3.0, person.Box.Center().X)
	assert.Nil(t, person.Mask)

	poly := dets[1]
	assert.False(t, poly.Tracked)
	assert.Equal(t, "Class_3", poly.Class)
	require.NotNil(t, poly.Mask)
	// [0,4]x[0,3] inclusive
	assert.Equal(t, 5*4, poly.Mask.Count())

	car := dets[2]
	require.NotNil(t, car.Mask)
	assert.Equal(t, 4*6, car.Mask.Count())
	assert.True(t, car.Mask.At(0, 0))
	assert.False(t, car.Mask.At(7, 5))

	regions := Regions(dets)
	require.Len(t, regions, 2)
	assert.Equal(t, "car", regions[1].Class)
}

func TestHTTPDetectorScalesMasks(t *testing.T) {
	det := serve(t, func(w http.ResponseWriter, r *http.Request) {
		full := []byte{255, 255, 255, 255}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"class": "x", "mask": map[string]any{"width": 2, "height": 2, "data": full}},
			},
		})
	})

	dets, err := det.Detect(context.Background(), testFrame(16, 10))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, 16, dets[0].Mask.Width)
	assert.Equal(t, 10, dets[0].Mask.Height)
	assert.Equal(t, 160, dets[0].Mask.Count())
}

func TestHTTPDetectorFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
		}, "model not loaded"},
		{"json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{not json"))
		}, "decode response"},
		{"box", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"detections":[{"class":"a","box":[1,2,3]}]}`))
		}, "box needs 4 values"},
		{"mask", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"detections":[{"class":"a","mask":{"width":4,"height":4,"data":"AAAA"}}]}`))
		}, "mask 4x4"},
		{"empty", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"detections":[{"class":"a"}]}`))
		}, "neither box nor mask"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := serve(t, tt.handler)
			_, err := det.Detect(context.Background(), testFrame(4, 4))
			require.ErrorIs(t, err, ErrInferenceFailure)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestHTTPDetectorHonoursContext(t *testing.T) {
	release := make(chan struct{})
	det := serve(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := det.Detect(ctx, testFrame(4, 4))
	require.ErrorIs(t, err, ErrInferenceFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNopDetector(t *testing.T) {
	dets, err := NopDetector{}.Detect(context.Background(), testFrame(2, 2))
	assert.NoError(t, err)
	assert.Empty(t, dets)
}

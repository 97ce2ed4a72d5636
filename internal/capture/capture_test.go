package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJPEG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func mjpegServer(t *testing.T, frames [][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mw := multipart.NewWriter(w)
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
		for _, f := range frames {
			part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"image/jpeg"}})
			if err != nil {
				return
			}
			_, _ = part.Write(f)
			w.(http.Flusher).Flush()
		}
		_ = mw.Close()
	}))
}

func TestMJPEGReadsParts(t *testing.T) {
	srv := mjpegServer(t, [][]byte{
		testJPEG(t, 32, 24, color.RGBA{255, 0, 0, 255}),
		testJPEG(t, 32, 24, color.RGBA{0, 0, 255, 255}),
	})
	defer srv.Close()

	opener, err := New(Config{URL: srv.URL})
	require.NoError(t, err)
	conn, err := opener.Open(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	f1, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 32, f1.Width())
	assert.Equal(t, 24, f1.Height())
	r, _, b, _ := f1.Image.At(16, 12).RGBA()
	assert.Greater(t, r, b)

	f2, err := conn.Read(ctx)
	require.NoError(t, err)
	r, _, b, _ = f2.Image.At(16, 12).RGBA()
	assert.Greater(t, b, r)

	_, err = conn.Read(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestMJPEGSnapshotEndpoint(t *testing.T) {
	body := testJPEG(t, 8, 8, color.RGBA{0, 255, 0, 255})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	conn, err := NewMJPEGOpener(srv.URL, 0, srv.Client()).Open(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		f, err := conn.Read(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 8, f.Width())
	}
	assert.Equal(t, int32(3), hits.Load())
}

func TestMJPEGRejectsBadResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusServiceUnavailable)
		}, "unexpected status"},
		{"content type", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html>")
		}, "unsupported content type"},
		{"boundary", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "multipart/x-mixed-replace")
		}, "without boundary"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			_, err := NewMJPEGOpener(srv.URL, 0, nil).Open(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMJPEGOversizedPart(t *testing.T) {
	srv := mjpegServer(t, [][]byte{testJPEG(t, 64, 64, color.RGBA{1, 2, 3, 255})})
	defer srv.Close()

	conn, err := NewMJPEGOpener(srv.URL, 16, nil).Open(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Read(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestMJPEGOpenHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := NewMJPEGOpener(srv.URL, 0, nil).Open(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, Kinds(), "mjpeg")
	assert.Equal(t, "mjpeg", kindForURL("http://cam.local/video"))
	assert.Equal(t, "gocv", kindForURL("rtsp://cam.local/live"))
	assert.Equal(t, "gocv", kindForURL("0"))

	_, err := New(Config{Kind: "carrier-pigeon", URL: "x"})
	assert.ErrorContains(t, err, "unknown source kind")
	_, err = New(Config{})
	assert.Error(t, err)
}

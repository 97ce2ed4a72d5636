//go:build gocv

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/stream"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/pkg/types"
)

func init() {
	Register("gocv", func(cfg Config) (stream.Opener, error) {
		return &VideoCaptureOpener{Source: cfg.URL}, nil
	})
}

// VideoCaptureOpener opens an OpenCV VideoCapture (RTSP, HLS, files or a
// device index). OpenCV calls are not cancellable; the stream.Source bounds
// them with its open and read timeouts.
type VideoCaptureOpener struct {
	Source string
}

func (o *VideoCaptureOpener) Open(ctx context.Context) (stream.Conn, error) {
	vc, err := gocv.OpenVideoCapture(o.Source)
	if err != nil {
		return nil, fmt.Errorf("gocv: open %s: %w", o.Source, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("gocv: %s did not open", o.Source)
	}
	if err := ctx.Err(); err != nil {
		vc.Close()
		return nil, err
	}
	// Keep only the newest frame so a slow pipeline does not read stale video.
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	return &videoCaptureConn{vc: vc, mat: gocv.NewMat()}, nil
}

// videoCaptureConn defers the release of OpenCV handles to the reader when
// Close arrives during a Read.
type videoCaptureConn struct {
	mu      sync.Mutex
	vc      *gocv.VideoCapture
	mat     gocv.Mat
	reading bool
	closed  bool
}

func (c *videoCaptureConn) Read(ctx context.Context) (*types.Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("gocv: capture closed")
	}
	c.reading = true
	c.mu.Unlock()

	ok := c.vc.Read(&c.mat)
	var (
		frame *types.Frame
		err   error
	)
	switch {
	case !ok:
		err = errors.New("gocv: read failed")
	case c.mat.Empty():
		err = errors.New("gocv: empty frame")
	default:
		img, convErr := c.mat.ToImage()
		if convErr != nil {
			err = fmt.Errorf("gocv: convert frame: %w", convErr)
		} else {
			frame = types.NewFrame(img, 0, time.Now())
		}
	}

	c.mu.Lock()
	c.reading = false
	if c.closed {
		c.release()
	}
	c.mu.Unlock()
	return frame, err
}

func (c *videoCaptureConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if !c.reading {
		return c.release()
	}
	return nil
}

func (c *videoCaptureConn) release() error {
	err := c.vc.Close()
	c.mat.Close()
	return err
}

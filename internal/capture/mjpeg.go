package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/stream"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/pkg/types"
)

const defaultMaxPartSize = 8 << 20

func init() {
	Register("mjpeg", func(cfg Config) (stream.Opener, error) {
		return NewMJPEGOpener(cfg.URL, cfg.MaxPartSize, nil), nil
	})
}

// MJPEGOpener connects to an HTTP multipart/x-mixed-replace stream.
// A plain image/jpeg endpoint is also accepted and re-fetched on every read.
type MJPEGOpener struct {
	url         string
	maxPartSize int64
	client      *http.Client
}

// NewMJPEGOpener creates an opener for url. A nil client uses a client
// without an overall timeout, since the response body is a long-lived stream.
func NewMJPEGOpener(url string, maxPartSize int64, client *http.Client) *MJPEGOpener {
	if client == nil {
		client = &http.Client{}
	}
	if maxPartSize <= 0 {
		maxPartSize = defaultMaxPartSize
	}
	return &MJPEGOpener{url: url, maxPartSize: maxPartSize, client: client}
}

// Open issues the request and waits for the response headers. ctx bounds
// only the handshake; the connection lives until Close.
func (o *MJPEGOpener) Open(ctx context.Context) (stream.Conn, error) {
	connCtx, cancel := context.WithCancel(context.Background())
	resp, err := o.get(ctx, connCtx, cancel)
	if err != nil {
		cancel()
		return nil, err
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("mjpeg: bad content type: %w", err)
	}

	c := &mjpegConn{opener: o, ctx: connCtx, cancel: cancel}
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := strings.TrimPrefix(params["boundary"], "--")
		if boundary == "" {
			resp.Body.Close()
			cancel()
			return nil, errors.New("mjpeg: multipart response without boundary")
		}
		c.body = resp.Body
		c.parts = multipart.NewReader(resp.Body, boundary)
	case mediaType == "image/jpeg":
		c.snapshot = resp.Body
	default:
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("mjpeg: unsupported content type %q", mediaType)
	}
	return c, nil
}

// get performs a GET bound to connCtx. If ctx ends before the response
// headers arrive, abort is called and the request fails.
func (o *MJPEGOpener) get(ctx, connCtx context.Context, abort context.CancelFunc) (*http.Response, error) {
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, o.url, nil)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, abort)
	resp, err := o.client.Do(req)
	if !stop() {
		// ctx ended while waiting for headers
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("mjpeg: connect %s: %w", o.url, context.Cause(ctx))
	}
	if err != nil {
		return nil, fmt.Errorf("mjpeg: connect %s: %w", o.url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("mjpeg: connect %s: unexpected status %s", o.url, resp.Status)
	}
	return resp, nil
}

type mjpegConn struct {
	opener *MJPEGOpener
	ctx    context.Context
	cancel context.CancelFunc

	// multipart mode; set once in Open
	body  io.ReadCloser
	parts *multipart.Reader

	// snapshot mode; the pending response body, owned by Read
	snapshot io.ReadCloser
}

// Read returns the next JPEG part as a frame. Cancelling ctx tears the
// connection down, since a multipart read cannot be resumed midway.
func (c *mjpegConn) Read(ctx context.Context) (*types.Frame, error) {
	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()

	data, err := c.next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("mjpeg: decode: %w", err)
	}
	return types.NewFrame(img, 0, time.Now()), nil
}

func (c *mjpegConn) next(ctx context.Context) ([]byte, error) {
	if c.parts == nil {
		body := c.snapshot
		c.snapshot = nil
		if body == nil {
			resp, err := c.opener.get(ctx, c.ctx, c.cancel)
			if err != nil {
				return nil, err
			}
			body = resp.Body
		}
		defer body.Close()
		return readLimited(body, c.opener.maxPartSize)
	}

	for {
		part, err := c.parts.NextPart()
		if err != nil {
			return nil, err
		}
		ct := part.Header.Get("Content-Type")
		if ct != "" && !strings.HasPrefix(ct, "image/jpeg") {
			continue
		}
		return readLimited(part, c.opener.maxPartSize)
	}
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("mjpeg: part exceeds %d bytes", limit)
	}
	if len(data) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return data, nil
}

// Close cancels the connection context, which also aborts any in-flight
// snapshot request.
func (c *mjpegConn) Close() error {
	c.cancel()
	if c.body != nil {
		return c.body.Close()
	}
	return nil
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/pkg/types"
)

// State is the connection state of a Source.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed // an open attempt just failed and a backoff is pending
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Conn is an open frame provider.
// Read should honour ctx; io.EOF is treated like any other read failure.
type Conn interface {
	Read(ctx context.Context) (*types.Frame, error)
	Close() error
}

// Opener opens a new Conn to the underlying video source.
type Opener interface {
	Open(ctx context.Context) (Conn, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context) (Conn, error)

func (f OpenerFunc) Open(ctx context.Context) (Conn, error) { return f(ctx) }

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a Source.
type Option func(*Source)

// WithSleep replaces the backoff sleeper, mainly for tests.
func WithSleep(sleep SleepFunc) Option {
	return func(s *Source) { s.sleep = sleep }
}

// WithMetrics reports stream counters to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Source) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithName sets the name used in log lines.
func WithName(name string) Option {
	return func(s *Source) { s.name = name }
}

// Stats is a point-in-time view of a Source.
type Stats struct {
	State          string    `json:"state"`
	Frames         uint64    `json:"frames"`
	ReadFailures   uint64    `json:"read_failures"`
	OpenFailures   uint64    `json:"open_failures"`
	Reconnects     uint64    `json:"reconnects"`
	LastError      string    `json:"last_error,omitempty"`
	ConnectedSince time.Time `json:"connected_since,omitempty"`
}

// Source turns an unreliable Opener into a stream of frames.
//
// NextFrame must be called from a single goroutine. Close and the read-only
// accessors are safe to call concurrently with it.
type Source struct {
	opener  Opener
	policy  Policy
	sleep   SleepFunc
	metrics *metrics.Metrics
	name    string
	log     logger.Module

	state atomic.Int32
	seq   atomic.Uint64

	// owned by the NextFrame goroutine
	retries      int
	readFailures int

	mu             sync.Mutex
	conn           *guardedConn
	lastErr        error
	connectedSince time.Time
	closed         atomic.Bool // written under mu

	life     context.Context
	shutdown context.CancelFunc

	frames     atomic.Uint64
	readErrs   atomic.Uint64
	openErrs   atomic.Uint64
	reconnects atomic.Uint64
}

// NewSource creates a Source in the Disconnected state. Nothing is opened
// until the first NextFrame call.
func NewSource(opener Opener, policy Policy, opts ...Option) *Source {
	life, shutdown := context.WithCancel(context.Background())
	s := &Source{
		opener:   opener,
		policy:   policy,
		sleep:    sleepCtx,
		name:     "stream",
		log:      logger.For("Stream"),
		life:     life,
		shutdown: shutdown,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	s.metrics.StreamState.Store(uint64(Disconnected))
	return s
}

// State returns the current connection state.
func (s *Source) State() State {
	return State(s.state.Load())
}

// Stats returns counters and the last error.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		State:          s.State().String(),
		Frames:         s.frames.Load(),
		ReadFailures:   s.readErrs.Load(),
		OpenFailures:   s.openErrs.Load(),
		Reconnects:     s.reconnects.Load(),
		ConnectedSince: s.connectedSince,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// setState records st unless the source is closed, which pins Disconnected.
func (s *Source) setState(st State) {
	for {
		if st != Disconnected && s.closed.Load() {
			return
		}
		cur := s.state.Load()
		if s.state.CompareAndSwap(cur, int32(st)) {
			if State(cur) != st {
				s.log.Debug("%s: state %s -> %s", s.name, State(cur), st)
			}
			s.metrics.StreamState.Store(uint64(st))
			return
		}
	}
}

func (s *Source) isClosed() bool {
	return s.closed.Load()
}

func (s *Source) recordErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// NextFrame performs one acquisition step and never blocks indefinitely.
//
// It returns a frame, an error matching ErrNoFrame (transient, also matching
// ErrConnectionFailure or ErrReadFailure), or an error matching ErrClosed.
func (s *Source) NextFrame(ctx context.Context) (*types.Frame, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.life, cancel)
	defer stop()

	if s.isClosed() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = s.connect(ctx)
		if err != nil {
			return nil, err
		}
	}

	return s.read(ctx, conn)
}

func (s *Source) connect(ctx context.Context) (*guardedConn, error) {
	s.setState(Connecting)

	raw, err := s.open(ctx)
	if err != nil {
		if s.isClosed() {
			return nil, ErrClosed
		}
		s.openErrs.Add(1)
		s.metrics.ConnectErrors.Add(1)
		s.recordErr(err)
		s.setState(Failed)

		s.retries++
		delay := s.policy.RetryDelay
		if s.retries >= s.policy.MaxRetries {
			s.log.Warn("%s: %d consecutive open failures, backing off %v", s.name, s.retries, s.policy.EscalationDelay)
			delay = s.policy.EscalationDelay
			s.retries = 0
		} else {
			s.log.Warn("%s: open failed (attempt %d): %v", s.name, s.retries, err)
		}

		werr := s.sleep(ctx, delay)
		if s.isClosed() {
			return nil, ErrClosed
		}
		s.setState(Connecting)
		if werr != nil {
			return nil, fmt.Errorf("%w: %w: %w", ErrNoFrame, ErrConnectionFailure, werr)
		}
		return nil, fmt.Errorf("%w: %w: %w", ErrNoFrame, ErrConnectionFailure, err)
	}

	conn := newGuardedConn(raw)

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		conn.close()
		return nil, ErrClosed
	}
	s.conn = conn
	s.connectedSince = time.Now()
	s.mu.Unlock()

	s.retries = 0
	s.readFailures = 0
	s.setState(Connected)
	s.log.Info("%s: connected", s.name)
	return conn, nil
}

// open runs the Opener bounded by OpenTimeout. A connection that arrives
// after the deadline is closed on arrival.
func (s *Source) open(ctx context.Context) (Conn, error) {
	openCtx, cancel := context.WithTimeout(ctx, s.policy.OpenTimeout)
	defer cancel()

	type result struct {
		conn Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := s.opener.Open(openCtx)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if r.conn != nil {
				_ = r.conn.Close()
			}
			return nil, r.err
		}
		if r.conn == nil {
			return nil, errors.New("opener returned no connection")
		}
		return r.conn, nil
	case <-openCtx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("open: %w", openCtx.Err())
	}
}

func (s *Source) read(ctx context.Context, conn *guardedConn) (*types.Frame, error) {
	frame, err := conn.read(ctx, s.policy.ReadTimeout)
	if s.isClosed() {
		return nil, ErrClosed
	}
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoFrame, ctx.Err())
	}
	if err == nil && frame == nil {
		err = errors.New("empty frame")
	}
	if err == nil {
		s.readFailures = 0
		frame.Seq = s.seq.Add(1)
		if frame.Timestamp.IsZero() {
			frame.Timestamp = time.Now()
		}
		s.frames.Add(1)
		s.metrics.FramesRead.Add(1)
		return frame, nil
	}

	s.readFailures++
	s.readErrs.Add(1)
	s.metrics.ReadErrors.Add(1)
	s.recordErr(err)

	if s.readFailures >= s.policy.ReadFailureThreshold {
		s.log.Warn("%s: %d consecutive read failures, reconnecting: %v", s.name, s.readFailures, err)
		s.teardown(conn)
		s.readFailures = 0
		s.reconnects.Add(1)
		s.metrics.Reconnects.Add(1)
		s.setState(Connecting)
		return nil, fmt.Errorf("%w: %w: %w", ErrNoFrame, ErrReadFailure, err)
	}

	s.log.Debug("%s: read failed (%d/%d): %v", s.name, s.readFailures, s.policy.ReadFailureThreshold, err)
	_ = s.sleep(ctx, s.policy.ReadFailureDelay)
	if s.isClosed() {
		return nil, ErrClosed
	}
	return nil, fmt.Errorf("%w: %w: %w", ErrNoFrame, ErrReadFailure, err)
}

func (s *Source) teardown(conn *guardedConn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.connectedSince = time.Time{}
	}
	s.mu.Unlock()
	conn.close()
}

// Close releases the connection and moves the source to Disconnected.
// It is terminal, idempotent and safe to call concurrently with NextFrame.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil
	}
	s.closed.Store(true)
	conn := s.conn
	s.conn = nil
	s.connectedSince = time.Time{}
	s.mu.Unlock()

	s.shutdown()
	s.setState(Disconnected)

	var err error
	if conn != nil {
		err = conn.close()
	}
	s.log.Info("%s: closed", s.name)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

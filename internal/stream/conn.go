package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/pkg/types"
)

type readResult struct {
	frame *types.Frame
	err   error
}

// guardedConn wraps a Conn so reads are bounded and Close runs exactly once.
//
// A read that outlives its deadline keeps running in the background; the next
// read call collects its result instead of issuing a concurrent Read.
type guardedConn struct {
	conn   Conn
	ctx    context.Context
	cancel context.CancelFunc

	pending chan readResult // non-nil while a Read is in flight

	closeOnce sync.Once
	closeErr  error
}

func newGuardedConn(c Conn) *guardedConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &guardedConn{conn: c, ctx: ctx, cancel: cancel}
}

func (g *guardedConn) read(ctx context.Context, timeout time.Duration) (*types.Frame, error) {
	if g.pending == nil {
		ch := make(chan readResult, 1)
		g.pending = ch
		go func() {
			f, err := g.conn.Read(g.ctx)
			ch <- readResult{f, err}
		}()
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case r := <-g.pending:
		g.pending = nil
		return r.frame, r.err
	case <-t.C:
		return nil, fmt.Errorf("read timed out after %v", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *guardedConn) close() error {
	g.closeOnce.Do(func() {
		g.cancel()
		g.closeErr = g.conn.Close()
	})
	return g.closeErr
}

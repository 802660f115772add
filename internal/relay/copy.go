package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/netkit/internal/metrics"
)

var buffers = NewBufferPool(32 * 1024)

type closeWriter interface {
	CloseWrite() error
}

// CopyBidirectional copies between left and right until both directions
// reach EOF, one fails, or ctx is canceled, then closes both. EOF in one
// direction is passed on as a half-close where the destination supports
// it. Bytes are counted as "up" (left to right) and "down".
func CopyBidirectional(ctx context.Context, left, right net.Conn, ioTimeout time.Duration, m *metrics.Metrics) error {
	if ioTimeout > 0 {
		dl := time.Now().Add(ioTimeout)
		_ = left.SetDeadline(dl)
		_ = right.SetDeadline(dl)
	}

	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	var done sync.WaitGroup
	done.Add(2)
	g.Go(func() error {
		defer done.Done()
		return copyHalf(right, left, "up", m)
	})
	g.Go(func() error {
		defer done.Done()
		return copyHalf(left, right, "down", m)
	})

	// If the context is canceled, ensure we close both sides to unblock Copy.
	copied := make(chan struct{})
	go func() {
		done.Wait()
		close(copied)
	}()
	g.Go(func() error {
		select {
		case <-gctx.Done():
			closeBoth()
		case <-copied:
		}
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func copyHalf(dst, src net.Conn, direction string, m *metrics.Metrics) error {
	buf := buffers.Get()
	defer buffers.Put(buf)

	n, err := io.CopyBuffer(dst, src, *buf)
	m.BytesRelayed(direction, n)
	if err != nil {
		return err
	}
	if cw, ok := dst.(closeWriter); ok {
		return ignoreClosed(cw.CloseWrite())
	}
	return nil
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

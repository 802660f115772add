package socket

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type countingOps struct {
	preCloses atomic.Int32
	closes    atomic.Int32
}

func (c *countingOps) preClose(int) { c.preCloses.Add(1) }

func (c *countingOps) closeFD(int) error {
	c.closes.Add(1)
	return nil
}

func newTestHandle() (*Handle, *countingOps, *atomic.Int32) {
	ops := &countingOps{}
	var notified atomic.Int32
	return newHandle(7, ops, func() { notified.Add(1) }), ops, &notified
}

func TestHandleCloseIdle(t *testing.T) {
	t.Parallel()

	h, ops, notified := newTestHandle()
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if ops.preCloses.Load() != 1 || ops.closes.Load() != 1 {
		t.Fatalf("preCloses=%d closes=%d want 1 1", ops.preCloses.Load(), ops.closes.Load())
	}
	if notified.Load() != 1 {
		t.Fatalf("onClose ran %d times", notified.Load())
	}
	if !h.Closing() {
		t.Fatal("expected Closing after Close")
	}
	if fd := h.Acquire(); fd != -1 {
		t.Fatalf("Acquire after close returned %d", fd)
	}
	h.Release()

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if ops.closes.Load() != 1 {
		t.Fatalf("second Close freed again: closes=%d", ops.closes.Load())
	}
}

func TestHandleCloseDeferredToLastRelease(t *testing.T) {
	t.Parallel()

	h, ops, _ := newTestHandle()
	if fd := h.Acquire(); fd != 7 {
		t.Fatalf("Acquire=%d want 7", fd)
	}
	if fd := h.Acquire(); fd != 7 {
		t.Fatalf("Acquire=%d want 7", fd)
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if ops.preCloses.Load() != 1 {
		t.Fatalf("preCloses=%d want 1", ops.preCloses.Load())
	}
	if ops.closes.Load() != 0 {
		t.Fatal("descriptor freed while in use")
	}

	h.Release()
	if ops.closes.Load() != 0 {
		t.Fatal("descriptor freed while still in use")
	}
	h.Release()
	if ops.closes.Load() != 1 {
		t.Fatalf("closes=%d want 1 after last release", ops.closes.Load())
	}

	// A close request while one is pending changes nothing.
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if ops.preCloses.Load() != 1 || ops.closes.Load() != 1 {
		t.Fatalf("preCloses=%d closes=%d", ops.preCloses.Load(), ops.closes.Load())
	}
}

func TestHandleConcurrentUseAndClose(t *testing.T) {
	t.Parallel()

	for range 50 {
		h, ops, notified := newTestHandle()

		var wg sync.WaitGroup
		start := make(chan struct{})
		for range 2 {
			wg.Go(func() {
				<-start
				for range 100 {
					h.Acquire()
					h.Release()
				}
			})
		}
		wg.Go(func() {
			<-start
			if err := h.Close(); err != nil {
				t.Error(err)
			}
		})
		close(start)
		wg.Wait()

		if got := ops.closes.Load(); got != 1 {
			t.Fatalf("closes=%d want 1", got)
		}
		if got := notified.Load(); got != 1 {
			t.Fatalf("onClose ran %d times", got)
		}
	}
}

func TestHandleDetach(t *testing.T) {
	t.Parallel()

	h, ops, _ := newTestHandle()

	h.Acquire()
	if _, err := h.Detach(); !errors.Is(err, errHandleBusy) {
		t.Fatalf("Detach while in use: %v", err)
	}
	h.Release()

	fd, err := h.Detach()
	if err != nil {
		t.Fatal(err)
	}
	if fd != 7 {
		t.Fatalf("Detach=%d want 7", fd)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if ops.closes.Load() != 0 || ops.preCloses.Load() != 0 {
		t.Fatal("detached descriptor was closed")
	}
	if _, err := h.Detach(); !errors.Is(err, errHandleClosed) {
		t.Fatalf("second Detach: %v", err)
	}
}

func TestResetStateMovesForward(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestHandle()
	if h.ResetState() != NotReset {
		t.Fatalf("initial state %v", h.ResetState())
	}
	h.MarkResetPending()
	if h.ResetState() != ResetPending {
		t.Fatalf("state %v want %v", h.ResetState(), ResetPending)
	}
	h.MarkReset()
	h.MarkResetPending()
	if h.ResetState() != Reset {
		t.Fatalf("state %v want %v", h.ResetState(), Reset)
	}
	h.clearReset()
	if h.ResetState() != NotReset {
		t.Fatalf("state %v after clear", h.ResetState())
	}
}

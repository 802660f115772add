package socket

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// ResetState tracks a connection reset reported by the kernel. It only
// moves forward, except that a new connection starts over at NotReset.
type ResetState int32

const (
	NotReset ResetState = iota
	// ResetPending means a reset was seen but buffered data may still be
	// readable.
	ResetPending
	Reset
)

func (s ResetState) String() string {
	switch s {
	case NotReset:
		return "not reset"
	case ResetPending:
		return "reset pending"
	case Reset:
		return "reset"
	default:
		return "unknown"
	}
}

// fdOps performs the two phases of closing a descriptor.
type fdOps interface {
	// preClose stops all traffic so blocked callers fail promptly, but
	// leaves the descriptor number allocated.
	preClose(fd int)
	closeFD(fd int) error
}

type unixOps struct{}

func (unixOps) preClose(fd int) { _ = unix.Shutdown(fd, unix.SHUT_RDWR) }

func (unixOps) closeFD(fd int) error { return unix.Close(fd) }

var errHandleBusy = errors.New("descriptor in use")

// Handle owns a descriptor. Operations bracket their use of it with
// Acquire and Release; Close frees it at once if nothing holds it, and
// otherwise leaves the last Release to free it.
type Handle struct {
	ops     fdOps
	onClose func()

	mu           sync.Mutex
	fd           int // -1 once freed or detached
	useCount     int
	closePending bool

	resetMu sync.Mutex
	reset   ResetState
}

// NewHandle takes ownership of fd. onClose, if non-nil, runs once after
// the descriptor is freed.
func NewHandle(fd int, onClose func()) *Handle {
	return newHandle(fd, unixOps{}, onClose)
}

func newHandle(fd int, ops fdOps, onClose func()) *Handle {
	return &Handle{ops: ops, onClose: onClose, fd: fd}
}

// Acquire registers a use of the descriptor and returns it. The result is
// -1 if the descriptor has already been freed. Every Acquire must be
// paired with a Release.
func (h *Handle) Acquire() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.useCount++
	return h.fd
}

// Release ends a use started by Acquire. If a Close is waiting on this use
// the descriptor is freed now.
func (h *Handle) Release() {
	h.mu.Lock()
	h.useCount--
	if h.useCount != -1 {
		h.mu.Unlock()
		return
	}
	fd := h.fd
	h.fd = -1
	h.mu.Unlock()
	h.free(fd)
}

// Close requests that the descriptor be freed. It returns immediately: if
// an operation holds the descriptor, traffic is shut down so that the
// operation fails, and the descriptor is freed when it releases. Closing
// twice is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	fd := h.fd
	if fd < 0 || h.closePending {
		h.mu.Unlock()
		return nil
	}
	h.closePending = true
	if h.useCount == 0 {
		h.fd = -1
		h.mu.Unlock()
		h.ops.preClose(fd)
		return h.free(fd)
	}
	// The decrement stands in for this close; whoever brings the count to
	// -1 frees the descriptor.
	h.useCount--
	h.mu.Unlock()
	h.ops.preClose(fd)
	return nil
}

func (h *Handle) free(fd int) error {
	if fd < 0 {
		return nil
	}
	err := h.ops.closeFD(fd)
	if h.onClose != nil {
		h.onClose()
	}
	return err
}

// Closing reports whether Close has been called.
func (h *Handle) Closing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closePending || h.fd < 0
}

// Detach gives up ownership of the descriptor without closing it and
// returns it. It fails if the descriptor is in use or being closed.
func (h *Handle) Detach() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closePending || h.fd < 0 {
		return -1, errHandleClosed
	}
	if h.useCount != 0 {
		return -1, errHandleBusy
	}
	fd := h.fd
	h.fd = -1
	h.closePending = true
	return fd, nil
}

func (h *Handle) ResetState() ResetState {
	h.resetMu.Lock()
	defer h.resetMu.Unlock()
	return h.reset
}

// MarkResetPending records a first reset. It has no effect once a reset
// is already pending or final.
func (h *Handle) MarkResetPending() {
	h.resetMu.Lock()
	if h.reset == NotReset {
		h.reset = ResetPending
	}
	h.resetMu.Unlock()
}

// MarkReset records that the connection is definitely reset.
func (h *Handle) MarkReset() {
	h.resetMu.Lock()
	h.reset = Reset
	h.resetMu.Unlock()
}

// clearReset starts reset tracking over for a new connection.
func (h *Handle) clearReset() {
	h.resetMu.Lock()
	h.reset = NotReset
	h.resetMu.Unlock()
}

var errHandleClosed = errors.New("descriptor closed")

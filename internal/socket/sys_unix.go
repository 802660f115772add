//go:build linux || darwin

package socket

import (
	"errors"
	"net"
	"net/netip"
	"strconv"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/die-net/netkit/internal/neterr"
)

// openSocket creates a non-blocking, close-on-exec socket. It prefers a
// dual-stack IPv6 socket and falls back to IPv4 where IPv6 is missing.
func openSocket(typ int) (fd, family int, err error) {
	fd, err = unix.Socket(unix.AF_INET6, typ, 0)
	if err == nil {
		if err = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			_ = unix.Close(fd)
		}
	}
	family = unix.AF_INET6
	if err != nil {
		if !errors.Is(err, unix.EAFNOSUPPORT) && !errors.Is(err, unix.EPROTONOSUPPORT) && !errors.Is(err, unix.ENOPROTOOPT) {
			return -1, 0, err
		}
		if fd, err = unix.Socket(unix.AF_INET, typ, 0); err != nil {
			return -1, 0, err
		}
		family = unix.AF_INET
	}
	if err := prepareFD(fd); err != nil {
		_ = unix.Close(fd)
		return -1, 0, err
	}
	return fd, family, nil
}

func prepareFD(fd int) error {
	unix.CloseOnExec(fd)
	return unix.SetNonblock(fd, true)
}

func toSockaddr(family int, ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr()
	port := int(ap.Port())
	if family == unix.AF_INET6 {
		if !addr.IsValid() {
			addr = netip.IPv6Unspecified()
		}
		sa := &unix.SockaddrInet6{Port: port, Addr: addr.As16()}
		if zone := addr.Zone(); zone != "" {
			if ifi, err := net.InterfaceByName(zone); err == nil {
				sa.ZoneId = uint32(ifi.Index)
			} else if n, err := strconv.Atoi(zone); err == nil {
				sa.ZoneId = uint32(n)
			}
		}
		return sa, nil
	}
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return nil, &net.AddrError{Err: "IPv6 address on an IPv4-only socket", Addr: addr.String()}
	}
	return &unix.SockaddrInet4{Port: port, Addr: addr.As4()}, nil
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr)
		if addr.Is4In6() {
			addr = addr.Unmap()
		} else if sa.ZoneId != 0 {
			zone := strconv.Itoa(int(sa.ZoneId))
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				zone = ifi.Name
			}
			addr = addr.WithZone(zone)
		}
		return netip.AddrPortFrom(addr, uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

// pollSlice bounds each poll so a blocked caller notices a concurrent
// Close even where shutdown does not wake poll.
const pollSlice = 100 * time.Millisecond

// waitFD waits until fd is ready for events, the deadline passes
// (neterr.ErrTimeout) or h starts closing (neterr.ErrClosed).
func waitFD(h *Handle, fd int, events int16, deadline time.Time) error {
	for {
		if h.Closing() {
			return neterr.ErrClosed
		}
		slice := pollSlice
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return neterr.ErrTimeout
			}
			slice = min(slice, left)
		}
		ms := int((slice + time.Millisecond - 1) / time.Millisecond)
		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(fds, ms)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n > 0 {
			if h.Closing() {
				return neterr.ErrClosed
			}
			return nil
		}
	}
}

// disconnectFD dissolves a datagram association by connecting to an
// AF_UNSPEC address. Some BSDs report EAFNOSUPPORT after disconnecting.
func disconnectFD(fd int) error {
	var sa unix.RawSockaddrInet6
	sa.Family = unix.AF_UNSPEC
	_, _, errno := unix.Syscall(unix.SYS_CONNECT, uintptr(fd), uintptr(unsafe.Pointer(&sa)), unsafe.Sizeof(sa))
	if errno != 0 && errno != unix.EAFNOSUPPORT {
		return errno
	}
	return nil
}

// restorePort re-binds fd to port if disconnecting released it. Linux
// unhashes a datagram socket whose port was assigned by the kernel.
func restorePort(fd, family int, port uint16) error {
	if port == 0 {
		return nil
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return err
	}
	cur := fromSockaddr(sa)
	if cur.Port() != 0 {
		return nil
	}
	rsa, err := toSockaddr(family, netip.AddrPortFrom(cur.Addr(), port))
	if err != nil {
		return err
	}
	return unix.Bind(fd, rsa)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

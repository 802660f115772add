package socket

import "golang.org/x/sys/unix"

// ioctlInq reports the bytes queued for reading on a socket.
const ioctlInq = unix.SIOCINQ

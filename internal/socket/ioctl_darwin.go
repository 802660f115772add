package socket

// ioctlInq is FIONREAD (_IOR('f', 127, int)), which x/sys/unix does not
// export for darwin.
const ioctlInq = 0x4004667f

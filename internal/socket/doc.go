// Package socket implements blocking TCP and UDP sockets over raw
// descriptors.
//
// A Handle owns one descriptor and reference-counts the operations using
// it, so a Close from one goroutine never frees the descriptor under a
// Read blocked in another. The protocol machinery lives behind the
// Transport interface: Plain talks to the kernel, and decorators (such as
// a SOCKS tunnel) wrap another Transport. StreamSocket, ListenerSocket and
// DatagramEndpoint add the lifecycle state and option validation on top.
//
// Every blocking call waits in bounded poll slices and re-checks whether
// the handle is being closed, so closing a socket wakes its blocked
// readers, writers and acceptors on every platform within a fraction of a
// second. On Linux the shutdown performed by Close usually wakes them at
// once.
package socket

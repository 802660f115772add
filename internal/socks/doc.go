// Package socks routes stream sockets through SOCKS proxies.
//
// Tunnel is a socket.Transport decorator: a StreamSocket or ListenerSocket
// built on it consults a proxy.Selector, connects to the chosen proxy with
// an inner transport and negotiates SOCKS version 5 (RFC 1928, with RFC
// 1929 username/password authentication), falling back to version 4 when
// the proxy doesn't answer as a version 5 server. CONNECT carries client
// sockets; BIND carries listeners, which accept exactly one connection.
//
// Server is a SOCKS 4 and 5 relay supporting CONNECT and BIND.
//
// The version 5 wire format is encoded and decoded with
// github.com/txthinking/socks5; version 4 is small enough to frame here.
package socks

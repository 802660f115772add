// Package stack wires the socket, resolver, proxy and SOCKS layers into one
// explicitly configured networking stack.
//
// A Stack replaces process-wide socket factories: everything a socket needs
// (the resolver, the proxy selector, credentials, default options, logging
// and metrics) comes from its Config, so two stacks in one process can be
// configured differently.
//
//	st := stack.New(stack.Config{Selector: sel, ConnectTimeout: 10 * time.Second})
//	conn, err := st.Dial(ctx, "example.com:80")
package stack

// Package proxy describes the proxies a socket may be routed through and
// how they are chosen.
//
// A Selector returns an ordered list of candidate proxies for a target,
// which callers try in turn, reporting each connection failure back with
// ConnectFailed before moving on to the next candidate. Static is a
// Selector over a fixed list that demotes recently failed proxies.
package proxy

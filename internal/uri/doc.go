// Package uri parses, builds and manipulates URI references as defined by
// RFC 2396 (with the RFC 2732 IPv6 literal extension).
//
// Parsing is a single left-to-right scan driven by character-class masks.
// A parsed *URI is immutable; Normalize, Resolve and Relativize return new
// values. Components are kept in their raw (percent-escaped) form and the
// accessors without a Raw prefix decode them.
//
// The grammar is relaxed in a few places that real-world URIs depend on:
//   - an empty authority is accepted before a non-empty path, query or
//     fragment, so "file:///etc/hosts" parses
//   - an empty relative path is accepted, so a bare "#frag" is a valid
//     reference
//   - a single-label host may start with a digit ("scheme://123")
//   - visible non-ASCII characters are accepted unescaped in user info,
//     path, query, fragment and registry authorities; ASCIIString encodes
//     them as UTF-8 octets
package uri

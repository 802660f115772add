package uri

import (
	"strconv"
	"strings"
)

// optString is a component that may be absent, which is distinct from
// present and empty ("http://h/?" has an empty query, "http://h/" none).
type optString struct {
	s  string
	ok bool
}

var none optString

func some(s string) optString { return optString{s: s, ok: true} }

// URI is an immutable URI reference. Use Parse or one of the New functions
// to create one.
type URI struct {
	scheme    optString
	fragment  optString
	authority optString // registry or server
	userInfo  optString // server only
	host      optString // server only; IPv6 literals keep their brackets
	port      int       // -1 when undefined
	path      optString // undefined for opaque URIs
	query     optString

	ssp optString // raw scheme-specific part, when known up front
	str string    // string form
}

// Parse parses s as a URI reference. If the authority cannot be parsed as
// server-based it is kept as a registry-based authority.
func Parse(s string) (*URI, error) {
	u := &URI{port: -1}
	p := parser{input: s, u: u}
	if err := p.parse(false); err != nil {
		return nil, err
	}
	u.str = s
	return u, nil
}

// MustParse is like Parse but panics on error. It is meant for constants.
func MustParse(s string) *URI {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ParseServerAuthority reparses u requiring a server-based authority. It
// returns u itself when no reparse is needed, and an error describing why
// the authority is not host[:port] otherwise.
func (u *URI) ParseServerAuthority() (*URI, error) {
	if u.host.ok || !u.authority.ok {
		return u, nil
	}
	v := &URI{port: -1}
	p := parser{input: u.String(), u: v}
	if err := p.parse(true); err != nil {
		return nil, err
	}
	v.str = p.input
	return v, nil
}

// NewHierarchical builds a server-based URI from unescaped components,
// quoting each as needed. Empty strings leave a component undefined and a
// negative port leaves the port undefined. A non-empty path of an absolute
// URI must begin with "/".
func NewHierarchical(scheme, userInfo, host string, port int, path, query, fragment string) (*URI, error) {
	s := buildString(scheme, "", "", userInfo, host, port, path, query, fragment)
	if err := checkPath(s, scheme, path); err != nil {
		return nil, err
	}
	u := &URI{port: -1}
	p := parser{input: s, u: u}
	if err := p.parse(true); err != nil {
		return nil, err
	}
	u.str = s
	return u, nil
}

// NewWithAuthority builds a URI from unescaped components with a
// free-form authority, which may be server-based or registry-based.
func NewWithAuthority(scheme, authority, path, query, fragment string) (*URI, error) {
	s := buildString(scheme, "", authority, "", "", -1, path, query, fragment)
	if err := checkPath(s, scheme, path); err != nil {
		return nil, err
	}
	u := &URI{port: -1}
	p := parser{input: s, u: u}
	if err := p.parse(false); err != nil {
		return nil, err
	}
	u.str = s
	return u, nil
}

// NewOpaque builds a URI from a scheme, an unescaped scheme-specific part
// and an optional fragment.
func NewOpaque(scheme, ssp, fragment string) (*URI, error) {
	s := buildString(scheme, ssp, "", "", "", -1, "", "", fragment)
	u := &URI{port: -1}
	p := parser{input: s, u: u}
	if err := p.parse(false); err != nil {
		return nil, err
	}
	u.str = s
	return u, nil
}

func checkPath(s, scheme, path string) error {
	if scheme != "" && path != "" && path[0] != '/' {
		return &SyntaxError{Input: s, Reason: "Relative path in absolute URI", Index: -1}
	}
	return nil
}

// Scheme returns the scheme, or "" if the URI is relative.
func (u *URI) Scheme() string { return u.scheme.s }

// IsAbsolute reports whether the URI has a scheme.
func (u *URI) IsAbsolute() bool { return u.scheme.ok }

// IsOpaque reports whether the URI is absolute with a scheme-specific part
// that does not begin with "/".
func (u *URI) IsOpaque() bool { return !u.path.ok }

func (u *URI) RawSchemeSpecificPart() string {
	if u.ssp.ok {
		return u.ssp.s
	}
	var b strings.Builder
	u.appendSchemeSpecificPart(&b)
	return b.String()
}

func (u *URI) SchemeSpecificPart() string { return Decode(u.RawSchemeSpecificPart()) }

func (u *URI) RawAuthority() string { return u.authority.s }
func (u *URI) Authority() string    { return Decode(u.authority.s) }
func (u *URI) RawUserInfo() string  { return u.userInfo.s }
func (u *URI) UserInfo() string     { return Decode(u.userInfo.s) }

// Host returns the host of a server-based authority. IPv6 literals are
// returned without their brackets.
func (u *URI) Host() string {
	h := u.host.s
	if len(h) > 1 && h[0] == '[' && h[len(h)-1] == ']' {
		return h[1 : len(h)-1]
	}
	return h
}

// Port returns the port, or -1 if none was given.
func (u *URI) Port() int { return u.port }

func (u *URI) RawPath() string     { return u.path.s }
func (u *URI) Path() string        { return Decode(u.path.s) }
func (u *URI) RawQuery() string    { return u.query.s }
func (u *URI) Query() string       { return Decode(u.query.s) }
func (u *URI) RawFragment() string { return u.fragment.s }
func (u *URI) Fragment() string    { return Decode(u.fragment.s) }

// HasAuthority, HasQuery and HasFragment distinguish an empty component
// from an absent one.
func (u *URI) HasAuthority() bool { return u.authority.ok }
func (u *URI) HasQuery() bool     { return u.query.ok }
func (u *URI) HasFragment() bool  { return u.fragment.ok }

// String returns the URI as originally parsed or, for a URI computed by
// Normalize, Resolve or Relativize, rebuilt from its raw components.
func (u *URI) String() string { return u.str }

// ASCIIString returns the string form with every non-ASCII character
// encoded as percent-escaped UTF-8 octets of its NFC form.
func (u *URI) ASCIIString() string { return Encode(u.str) }

// finish sets the string form of a URI assembled from components.
func (u *URI) finish() *URI {
	u.str = u.defineString()
	return u
}

func (u *URI) defineString() string {
	var b strings.Builder
	if u.scheme.ok {
		b.WriteString(u.scheme.s)
		b.WriteByte(':')
	}
	if u.IsOpaque() {
		b.WriteString(u.ssp.s)
	} else {
		u.appendSchemeSpecificPart(&b)
	}
	if u.fragment.ok {
		b.WriteByte('#')
		b.WriteString(u.fragment.s)
	}
	return b.String()
}

func (u *URI) appendSchemeSpecificPart(b *strings.Builder) {
	if u.IsOpaque() {
		b.WriteString(u.ssp.s)
		return
	}
	switch {
	case u.host.ok:
		b.WriteString("//")
		if u.userInfo.ok {
			b.WriteString(u.userInfo.s)
			b.WriteByte('@')
		}
		b.WriteString(bracketHost(u.host.s))
		if u.port != -1 {
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(u.port))
		}
	case u.authority.ok:
		b.WriteString("//")
		b.WriteString(u.authority.s)
	}
	b.WriteString(u.path.s)
	if u.query.ok {
		b.WriteByte('?')
		b.WriteString(u.query.s)
	}
}

func bracketHost(h string) string {
	if strings.IndexByte(h, ':') >= 0 && !strings.HasPrefix(h, "[") {
		return "[" + h + "]"
	}
	return h
}

// buildString assembles a URI string from unescaped components, quoting
// each with the class legal in its position.
func buildString(scheme, opaque, authority, userInfo, host string, port int, path, query, fragment string) string {
	var b strings.Builder
	if scheme != "" {
		b.WriteString(scheme)
		b.WriteByte(':')
	}
	if opaque != "" {
		if strings.HasPrefix(opaque, "//[") {
			// A bracketed IPv6 literal cannot be quoted.
			end := strings.IndexByte(opaque, ']')
			if end > 2 {
				b.WriteString(opaque[:end+1])
				opaque = opaque[end+1:]
			}
		}
		b.WriteString(Quote(opaque, URIC))
	} else {
		appendAuthority(&b, authority, userInfo, host, port)
		b.WriteString(Quote(path, PathChars))
		if query != "" {
			b.WriteByte('?')
			b.WriteString(Quote(query, URIC))
		}
	}
	if fragment != "" {
		b.WriteByte('#')
		b.WriteString(Quote(fragment, URIC))
	}
	return b.String()
}

func appendAuthority(b *strings.Builder, authority, userInfo, host string, port int) {
	if host != "" {
		b.WriteString("//")
		if userInfo != "" {
			b.WriteString(Quote(userInfo, UserInfoChars))
			b.WriteByte('@')
		}
		b.WriteString(bracketHost(host))
		if port >= 0 {
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(port))
		}
		return
	}
	if authority == "" {
		return
	}
	b.WriteString("//")
	if strings.HasPrefix(authority, "[") {
		// Copy the IPv6 literal verbatim and quote only what follows it.
		end := strings.IndexByte(authority, ']')
		if end != -1 && strings.IndexByte(authority, ':') != -1 {
			b.WriteString(authority[:end+1])
			b.WriteString(Quote(authority[end+1:], AuthorityChars))
			return
		}
	}
	b.WriteString(Quote(authority, AuthorityChars))
}

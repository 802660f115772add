package uri

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// parser fills in the components of u from u's input string. Every scan
// helper takes a half-open [start, end) window and returns the index just
// past what it consumed, so "returned <= start" means nothing matched.
type parser struct {
	input string
	u     *URI

	requireServerAuthority bool
	ipv6ByteCount          int
}

func (p *parser) fail(reason string, index int) error {
	return &SyntaxError{Input: p.input, Reason: reason, Index: index}
}

func (p *parser) failExpecting(expected string, index int) error {
	return p.fail("Expected "+expected, index)
}

func (p *parser) at(start, end int, c byte) bool {
	return start < end && p.input[start] == c
}

func (p *parser) atString(start, end int, s string) bool {
	return end-start >= len(s) && p.input[start:start+len(s)] == s
}

func (p *parser) scanChar(start, end int, c byte) int {
	if p.at(start, end, c) {
		return start + 1
	}
	return start
}

// scanUntil scans forward to the first byte in stop, returning its index.
// It returns -1 if a byte in errs comes first, and end if neither occurs.
func (p *parser) scanUntil(start, end int, errs, stop string) int {
	for i := start; i < end; i++ {
		c := p.input[i]
		if strings.IndexByte(errs, c) >= 0 {
			return -1
		}
		if strings.IndexByte(stop, c) >= 0 {
			return i
		}
	}
	return end
}

// scanEscape consumes one %XX escape or one visible non-ASCII character at
// start, returning start unchanged if there is neither.
func (p *parser) scanEscape(start, end int) (int, error) {
	c := p.input[start]
	if c == '%' {
		if start+3 <= end && hexDigit.has(p.input[start+1]) && hexDigit.has(p.input[start+2]) {
			return start + 3, nil
		}
		return start, p.fail("Malformed escape pair", start)
	}
	if c >= utf8.RuneSelf {
		r, size := utf8.DecodeRuneInString(p.input[start:end])
		if isOther(r) {
			return start + size, nil
		}
	}
	return start, nil
}

func (p *parser) scan(start, end int, m mask) (int, error) {
	i := start
	for i < end {
		c := p.input[i]
		if m.has(c) {
			i++
			continue
		}
		if !m.allowsEscapes() {
			break
		}
		q, err := p.scanEscape(i, end)
		if err != nil {
			return i, err
		}
		if q <= i {
			break
		}
		i = q
	}
	return i, nil
}

// scanPlain is scan for masks that never allow escapes and so cannot fail.
func (p *parser) scanPlain(start, end int, m mask) int {
	i := start
	for i < end && m.has(p.input[i]) {
		i++
	}
	return i
}

func (p *parser) checkChars(start, end int, m mask, what string) error {
	q, err := p.scan(start, end, m)
	if err != nil {
		return err
	}
	if q < end {
		return p.fail("Illegal character in "+what, q)
	}
	return nil
}

func (p *parser) checkChar(i int, m mask, what string) error {
	return p.checkChars(i, i+1, m, what)
}

// parse is the top-level production:
//
//	[scheme ":"] (hierarchical-part | opaque-part) ["#" fragment]
func (p *parser) parse(requireServerAuthority bool) error {
	p.requireServerAuthority = requireServerAuthority
	n := len(p.input)
	u := p.u

	var err error
	i := p.scanUntil(0, n, "/?#", ":")
	if i >= 0 && p.at(i, n, ':') {
		if i == 0 {
			return p.failExpecting("scheme name", 0)
		}
		if err := p.checkChar(0, alpha, "scheme name"); err != nil {
			return err
		}
		if err := p.checkChars(1, i, schemeMask, "scheme name"); err != nil {
			return err
		}
		u.scheme = some(p.input[:i])
		i++
		sspStart := i
		if p.at(i, n, '/') {
			if i, err = p.parseHierarchical(i, n); err != nil {
				return err
			}
		} else {
			q := p.scanUntil(i, n, "", "#")
			if q <= i {
				return p.failExpecting("scheme-specific part", i)
			}
			if err := p.checkChars(i, q, uric, "opaque part"); err != nil {
				return err
			}
			i = q
		}
		u.ssp = some(p.input[sspStart:i])
	} else {
		if i, err = p.parseHierarchical(0, n); err != nil {
			return err
		}
		u.ssp = some(p.input[:i])
	}

	if p.at(i, n, '#') {
		if err := p.checkChars(i+1, n, uric, "fragment"); err != nil {
			return err
		}
		u.fragment = some(p.input[i+1:])
		i = n
	}
	if i < n {
		return p.fail("end of URI", i)
	}
	return nil
}

// parseHierarchical handles ["//" authority] path ["?" query].
func (p *parser) parseHierarchical(start, n int) (int, error) {
	u := p.u
	i := start
	if p.at(i, n, '/') && p.at(i+1, n, '/') {
		i += 2
		q := p.scanUntil(i, n, "", "/?#")
		switch {
		case q > i:
			var err error
			if i, err = p.parseAuthority(i, q); err != nil {
				return i, err
			}
		case q < n:
			// Empty authority, e.g. "file:///path".
		default:
			return i, p.failExpecting("authority", i)
		}
	}

	q := p.scanUntil(i, n, "", "?#")
	if err := p.checkChars(i, q, pathMask, "path"); err != nil {
		return i, err
	}
	u.path = some(p.input[i:q])
	i = q

	if p.at(i, n, '?') {
		i++
		q := p.scanUntil(i, n, "", "#")
		if err := p.checkChars(i, q, uric, "query"); err != nil {
			return i, err
		}
		u.query = some(p.input[i:q])
		i = q
	}
	return i, nil
}

// parseAuthority tries a server-based authority first and falls back to a
// registry-based one unless a server authority is required.
func (p *parser) parseAuthority(start, n int) (int, error) {
	u := p.u

	m := serverMask
	if strings.IndexByte(p.input[start:n], '[') >= 0 {
		// IPv6 scope ids introduce a bare '%'.
		m = serverPercent
	}
	q, err := p.scan(start, n, m)
	if err != nil {
		return start, err
	}
	serverChars := q == n

	q, err = p.scan(start, n, regNameMask)
	if err != nil {
		return start, err
	}
	regChars := q == n

	if regChars && !serverChars {
		u.authority = some(p.input[start:n])
		return n, nil
	}

	q = start
	var serverErr error
	if serverChars {
		q, err = p.parseServer(start, n)
		if err == nil && q < n {
			err = p.failExpecting("end of authority", q)
		}
		if err == nil {
			u.authority = some(p.input[start:n])
		} else {
			u.userInfo, u.host, u.port = none, none, -1
			if p.requireServerAuthority {
				return start, err
			}
			serverErr = err
			q = start
		}
	}

	if q < n {
		switch {
		case regChars:
			u.authority = some(p.input[start:n])
		case serverErr != nil:
			return start, serverErr
		default:
			return start, p.fail("Illegal character in authority", q)
		}
	}
	return n, nil
}

// parseServer handles [userinfo "@"] host [":" port].
func (p *parser) parseServer(start, n int) (int, error) {
	u := p.u
	i := start

	q := p.scanUntil(i, n, "/?#", "@")
	if q >= i && p.at(q, n, '@') {
		if err := p.checkChars(i, q, userInfoMask, "user info"); err != nil {
			return i, err
		}
		u.userInfo = some(p.input[i:q])
		i = q + 1
	}

	switch {
	case p.at(i, n, '['):
		i++
		q := p.scanUntil(i, n, "/?#", "]")
		if q <= i || !p.at(q, n, ']') {
			if q < 0 {
				q = i
			}
			return q, p.failExpecting("closing bracket for IPv6 address", q)
		}
		r := p.scanUntil(i, q, "", "%")
		if r > i {
			if _, err := p.parseIPv6Reference(i, r); err != nil {
				return i, err
			}
			if r+1 == q {
				return r, p.fail("scope id expected", r)
			}
			if err := p.checkChars(r+1, q, scopeIDMask, "scope id"); err != nil {
				return r, err
			}
		} else {
			return i, p.failExpecting("IPv6 address", i)
		}
		u.host = some(p.input[i-1 : q+1])
		i = q + 1
	default:
		q := p.parseIPv4Address(i, n)
		if q <= i {
			var err error
			if q, err = p.parseHostname(i, n); err != nil {
				return i, err
			}
		}
		i = q
	}

	if p.at(i, n, ':') {
		i++
		q := p.scanPlain(i, n, digit)
		if q > i {
			port, err := strconv.ParseInt(p.input[i:q], 10, 32)
			if err != nil {
				return i, p.fail("Malformed port number", i)
			}
			u.port = int(port)
			i = q
		}
	}
	if i < n {
		return i, p.failExpecting("port number", i)
	}
	return i, nil
}

// scanByte consumes one decimal octet of at most three digits.
func (p *parser) scanByte(start, n int) int {
	q := p.scanPlain(start, n, digit)
	if q <= start {
		return q
	}
	if q-start > 3 {
		return start
	}
	if v, _ := strconv.Atoi(p.input[start:q]); v > 255 {
		return start
	}
	return q
}

// scanIPv4Address consumes a dotted quad. With strict set the quad must fill
// the whole window. A window that doesn't look like an address returns -1
// and no error; one that looks like an address but isn't is an error.
func (p *parser) scanIPv4Address(start, n int, strict bool) (int, error) {
	i := start
	m := p.scanPlain(i, n, digit.or(dot))
	if m <= i || (strict && m != n) {
		return -1, nil
	}
	q := i
	for octet := 0; octet < 4; octet++ {
		if octet > 0 {
			if q = p.scanChar(i, m, '.'); q <= i {
				return -1, p.fail("Malformed IPv4 address", q)
			}
			i = q
		}
		if q = p.scanByte(i, m); q <= i {
			return -1, p.fail("Malformed IPv4 address", q)
		}
		i = q
	}
	if q < m {
		return -1, p.fail("Malformed IPv4 address", q)
	}
	return q, nil
}

func (p *parser) takeIPv4Address(start, n int, expected string) (int, error) {
	q, err := p.scanIPv4Address(start, n, true)
	if err != nil {
		return start, err
	}
	if q <= start {
		return start, p.failExpecting(expected, start)
	}
	return q, nil
}

// parseIPv4Address returns -1 rather than an error so the caller can retry
// the window as a hostname.
func (p *parser) parseIPv4Address(start, n int) int {
	q, err := p.scanIPv4Address(start, n, false)
	if err != nil {
		return -1
	}
	if q > start && q < n && p.input[q] != ':' {
		return -1
	}
	if q > start {
		p.u.host = some(p.input[start:q])
	}
	return q
}

// parseHostname handles domainlabel *("." domainlabel) ["."]. The rightmost
// label of a multi-label name must start with a letter.
func (p *parser) parseHostname(start, n int) (int, error) {
	i := start
	last := -1
	for {
		q := p.scanPlain(i, n, alphanum)
		if q <= i {
			break
		}
		last = i
		i = q
		if q = p.scanPlain(i, n, alphanum.or(dash)); q > i {
			if p.input[q-1] == '-' {
				return q - 1, p.fail("Illegal character in hostname", q-1)
			}
			i = q
		}
		if q = p.scanChar(i, n, '.'); q <= i {
			break
		}
		i = q
		if i >= n {
			break
		}
	}
	if i < n && !p.at(i, n, ':') {
		return i, p.fail("Illegal character in hostname", i)
	}
	if last < 0 {
		return start, p.failExpecting("hostname", start)
	}
	if last > start && !alpha.has(p.input[last]) {
		return last, p.fail("Illegal character in hostname", last)
	}
	p.u.host = some(p.input[start:i])
	return i, nil
}

// parseIPv6Reference checks an RFC 2373 address between the brackets,
// counting the bytes it represents.
func (p *parser) parseIPv6Reference(start, n int) (int, error) {
	p.ipv6ByteCount = 0
	compressed := false

	q, err := p.scanHexSeq(start, n)
	if err != nil {
		return start, err
	}
	i := start
	switch {
	case q > i:
		i = q
		if p.atString(i, n, "::") {
			compressed = true
			if i, err = p.scanHexPost(i+2, n); err != nil {
				return i, err
			}
		} else if p.at(i, n, ':') {
			if i, err = p.takeIPv4Address(i+1, n, "IPv4 address"); err != nil {
				return i, err
			}
			p.ipv6ByteCount += 4
		}
	case p.atString(i, n, "::"):
		compressed = true
		if i, err = p.scanHexPost(i+2, n); err != nil {
			return i, err
		}
	}

	if i < n {
		return i, p.fail("Malformed IPv6 address", start)
	}
	if p.ipv6ByteCount > 16 {
		return i, p.fail("IPv6 address too long", start)
	}
	if !compressed && p.ipv6ByteCount < 16 {
		return i, p.fail("IPv6 address too short", start)
	}
	if compressed && p.ipv6ByteCount == 16 {
		return i, p.fail("Malformed IPv6 address", start)
	}
	return i, nil
}

func (p *parser) scanHexPost(start, n int) (int, error) {
	if start == n {
		return start, nil
	}
	q, err := p.scanHexSeq(start, n)
	if err != nil {
		return start, err
	}
	if q > start {
		i := q
		if p.at(i, n, ':') {
			if i, err = p.takeIPv4Address(i+1, n, "hex digits or IPv4 address"); err != nil {
				return i, err
			}
			p.ipv6ByteCount += 4
		}
		return i, nil
	}
	q, err = p.takeIPv4Address(start, n, "hex digits or IPv4 address")
	if err != nil {
		return start, err
	}
	p.ipv6ByteCount += 4
	return q, nil
}

// scanHexSeq consumes hex4 *(":" hex4), stopping before a "::" or before a
// trailing embedded IPv4 address.
func (p *parser) scanHexSeq(start, n int) (int, error) {
	q := p.scanPlain(start, n, hexDigit)
	if q <= start {
		return -1, nil
	}
	if p.at(q, n, '.') {
		return -1, nil
	}
	if q > start+4 {
		return start, p.fail("IPv6 hexadecimal digit sequence too long", start)
	}
	p.ipv6ByteCount += 2
	i := q
	for i < n {
		if !p.at(i, n, ':') || p.at(i+1, n, ':') {
			break
		}
		i++
		q = p.scanPlain(i, n, hexDigit)
		if q <= i {
			return i, p.failExpecting("digits for an IPv6 address", i)
		}
		if p.at(q, n, '.') {
			i--
			break
		}
		if q > i+4 {
			return i, p.fail("IPv6 hexadecimal digit sequence too long", i)
		}
		p.ipv6ByteCount += 2
		i = q
	}
	return i, nil
}

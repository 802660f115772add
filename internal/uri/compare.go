package uri

import (
	"cmp"
	"strings"
)

// Equal reports whether u and v are the same URI. Schemes and hosts are
// compared case-insensitively, as are the hex digits of percent escapes;
// everything else is compared exactly.
func (u *URI) Equal(v *URI) bool {
	if u == v {
		return true
	}
	if u.IsOpaque() != v.IsOpaque() {
		return false
	}
	if compareIgnoringCase(u.scheme, v.scheme) != 0 {
		return false
	}
	if !equalOpt(u.fragment, v.fragment) {
		return false
	}
	if u.IsOpaque() {
		return equalOpt(u.ssp, v.ssp)
	}
	if !equalOpt(u.path, v.path) || !equalOpt(u.query, v.query) {
		return false
	}
	switch {
	case !u.authority.ok && !v.authority.ok:
		return true
	case u.host.ok:
		return equalOpt(u.userInfo, v.userInfo) &&
			compareIgnoringCase(u.host, v.host) == 0 &&
			u.port == v.port
	default:
		return !v.host.ok && equalOpt(u.authority, v.authority)
	}
}

// Compare orders URIs: by scheme ignoring case, then opaque after
// hierarchical, then component by component. It returns -1, 0 or +1 and is
// consistent with Equal.
func (u *URI) Compare(v *URI) int {
	if c := compareIgnoringCase(u.scheme, v.scheme); c != 0 {
		return c
	}
	switch {
	case u.IsOpaque() && v.IsOpaque():
		if c := compareOpt(u.ssp, v.ssp); c != 0 {
			return c
		}
		return compareOpt(u.fragment, v.fragment)
	case u.IsOpaque():
		return +1
	case v.IsOpaque():
		return -1
	}

	if u.host.ok && v.host.ok {
		if c := compareOpt(u.userInfo, v.userInfo); c != 0 {
			return c
		}
		if c := compareIgnoringCase(u.host, v.host); c != 0 {
			return c
		}
		if c := cmp.Compare(u.port, v.port); c != 0 {
			return c
		}
	} else if c := compareOpt(u.authority, v.authority); c != 0 {
		return c
	}
	if c := compareOpt(u.path, v.path); c != 0 {
		return c
	}
	if c := compareOpt(u.query, v.query); c != 0 {
		return c
	}
	return compareOpt(u.fragment, v.fragment)
}

// Hash returns a hash code consistent with Equal.
func (u *URI) Hash() uint32 {
	h := hashIgnoringCase(0, u.scheme)
	h = hashOpt(h, u.fragment)
	if u.IsOpaque() {
		return hashOpt(h, u.ssp)
	}
	h = hashOpt(h, u.path)
	h = hashOpt(h, u.query)
	if u.host.ok {
		h = hashOpt(h, u.userInfo)
		h = hashIgnoringCase(h, u.host)
		h += 1949 * uint32(int32(u.port))
	} else {
		h = hashOpt(h, u.authority)
	}
	return h
}

// Absent components sort before present ones.
func presence(a, b optString) (int, bool) {
	switch {
	case a.ok && b.ok:
		return 0, false
	case a.ok:
		return +1, true
	case b.ok:
		return -1, true
	default:
		return 0, true
	}
}

func equalOpt(a, b optString) bool {
	if c, done := presence(a, b); done {
		return c == 0
	}
	return equalEscaped(a.s, b.s)
}

func compareOpt(a, b optString) int {
	if c, done := presence(a, b); done {
		return c
	}
	if a.s == b.s {
		return 0
	}
	return strings.Compare(lowerEscapes(a.s), lowerEscapes(b.s))
}

func compareIgnoringCase(a, b optString) int {
	if c, done := presence(a, b); done {
		return c
	}
	s, t := a.s, b.s
	for i := 0; i < len(s) && i < len(t); i++ {
		if c := cmp.Compare(toLower(s[i]), toLower(t[i])); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(s), len(t))
}

// equalEscaped compares s and t exactly except for the case of the hex
// digits in percent escapes.
func equalEscaped(s, t string) bool {
	if len(s) != len(t) {
		return false
	}
	if strings.IndexByte(s, '%') < 0 {
		return s == t
	}
	for i := 0; i < len(s); i++ {
		c, d := s[i], t[i]
		if c != '%' {
			if c != d {
				return false
			}
			continue
		}
		if d != '%' {
			return false
		}
		for k := 0; k < 2 && i+1 < len(s); k++ {
			i++
			if toLower(s[i]) != toLower(t[i]) {
				return false
			}
		}
	}
	return true
}

func lowerEscapes(s string) string {
	if strings.IndexByte(s, '%') < 0 {
		return s
	}
	b := []byte(s)
	for i := 0; i < len(b); i++ {
		if b[i] == '%' {
			for k := 1; k <= 2 && i+k < len(b); k++ {
				b[i+k] = toLower(b[i+k])
			}
			i += 2
		}
	}
	return string(b)
}

func hashOpt(h uint32, s optString) uint32 {
	if !s.ok {
		return h
	}
	var n uint32
	for i := 0; i < len(s.s); i++ {
		c := s.s[i]
		n = 31*n + uint32(c)
		if c == '%' {
			for k := 1; k <= 2 && i+k < len(s.s); k++ {
				n = 31*n + uint32(toUpper(s.s[i+k]))
			}
			i += 2
		}
	}
	return h*127 + n
}

func hashIgnoringCase(h uint32, s optString) uint32 {
	if !s.ok {
		return h
	}
	for i := 0; i < len(s.s); i++ {
		h = 31*h + uint32(toLower(s.s[i]))
	}
	return h
}

func toLower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

func toUpper(c byte) byte {
	if 'a' <= c && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}

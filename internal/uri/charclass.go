package uri

import (
	"unicode"
	"unicode/utf8"
)

// mask is a 128-bit set of ASCII characters. Bit 0 of lo (NUL, which is
// never legal) doubles as the flag meaning "%XX escapes and visible
// non-ASCII characters are also allowed".
type mask struct {
	lo, hi uint64
}

func (m mask) or(o mask) mask { return mask{lo: m.lo | o.lo, hi: m.hi | o.hi} }

func (m mask) has(c byte) bool {
	switch {
	case c == 0:
		return false
	case c < 64:
		return m.lo&(1<<c) != 0
	case c < 128:
		return m.hi&(1<<(c-64)) != 0
	default:
		return false
	}
}

func (m mask) allowsEscapes() bool { return m.lo&escaped.lo != 0 }

func charsMask(chars string) mask {
	var m mask
	for i := 0; i < len(chars); i++ {
		c := chars[i]
		if c < 64 {
			m.lo |= 1 << c
		} else if c < 128 {
			m.hi |= 1 << (c - 64)
		}
	}
	return m
}

func rangeMask(first, last byte) mask {
	var m mask
	for c := first; c <= last; c++ {
		m = m.or(charsMask(string(rune(c))))
	}
	return m
}

var (
	digit    = rangeMask('0', '9')
	alpha    = rangeMask('A', 'Z').or(rangeMask('a', 'z'))
	alphanum = alpha.or(digit)
	hexDigit = digit.or(rangeMask('A', 'F')).or(rangeMask('a', 'f'))

	mark       = charsMask("-_.!~*'()")
	unreserved = alphanum.or(mark)
	reserved   = charsMask(";/?:@&=+$,[]")
	escaped    = mask{lo: 1}

	uric     = reserved.or(unreserved).or(escaped)
	pchar    = unreserved.or(escaped).or(charsMask(":@&=+$,"))
	pathMask = pchar.or(charsMask(";/"))
	dash     = charsMask("-")
	dot      = charsMask(".")

	userInfoMask  = unreserved.or(escaped).or(charsMask(";:&=+$,"))
	regNameMask   = unreserved.or(escaped).or(charsMask("$,;:@&=+"))
	serverMask    = userInfoMask.or(alphanum).or(dash).or(charsMask(".:@[]"))
	serverPercent = serverMask.or(charsMask("%"))
	schemeMask    = alpha.or(digit).or(charsMask("+-."))
	scopeIDMask   = alphanum.or(charsMask("_."))
)

// CharClass is a set of characters that may appear unescaped in some URI
// component. It selects what Quote leaves alone.
type CharClass struct {
	m mask
}

var (
	// URIC is the class of characters legal in a query, fragment or opaque
	// scheme-specific part.
	URIC = CharClass{uric}
	// PathChars is the class of characters legal in a path.
	PathChars = CharClass{pathMask}
	// UserInfoChars is the class of characters legal in user information.
	UserInfoChars = CharClass{userInfoMask}
	// AuthorityChars is the class of characters legal in a server-based or
	// registry-based authority.
	AuthorityChars = CharClass{regNameMask.or(serverMask)}
	// Unreserved is the RFC 2396 unreserved class: alphanumerics and marks.
	Unreserved = CharClass{unreserved}
)

// isOther reports whether r is a visible non-ASCII character, which the
// parser accepts unescaped wherever escapes are accepted.
func isOther(r rune) bool {
	return r > 128 && r != utf8.RuneError && !unicode.Is(unicode.Z, r) && !unicode.IsControl(r)
}

// needsEncoding reports whether the non-ASCII rune r must be percent-encoded
// even by Quote, which otherwise leaves non-ASCII characters alone.
func needsEncoding(r rune) bool {
	return unicode.Is(unicode.Z, r) || unicode.IsControl(r)
}

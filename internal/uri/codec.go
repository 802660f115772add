package uri

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const upperHex = "0123456789ABCDEF"

func appendEscape(b *strings.Builder, c byte) {
	b.WriteByte('%')
	b.WriteByte(upperHex[c>>4])
	b.WriteByte(upperHex[c&0x0f])
}

func appendEncoded(b *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		appendEscape(b, s[i])
	}
}

// Quote escapes every ASCII character of s outside class as %XX. Non-ASCII
// spaces and control characters are encoded as escaped UTF-8 octets when
// class admits escapes; other non-ASCII characters are left alone.
func Quote(s string, class CharClass) string {
	return quote(s, class.m, false)
}

// QuoteASCII is like Quote but also encodes every non-ASCII character, so
// the result is pure ASCII.
func QuoteASCII(s string, class CharClass) string {
	return quote(s, class.m, true)
}

func quote(s string, m mask, allNonASCII bool) string {
	if !needsQuoting(s, m, allNonASCII) {
		return s
	}
	allowNonASCII := m.allowsEscapes()
	var b strings.Builder
	b.Grow(len(s) + len(s)/2)
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			if m.has(c) {
				b.WriteByte(c)
			} else {
				appendEscape(&b, c)
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case allNonASCII, allowNonASCII && (r == utf8.RuneError || needsEncoding(r)):
			appendEncoded(&b, s[i:i+size])
		default:
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	return b.String()
}

func needsQuoting(s string, m mask, allNonASCII bool) bool {
	for _, r := range s {
		if r < utf8.RuneSelf {
			if !m.has(byte(r)) {
				return true
			}
			continue
		}
		if allNonASCII || r == utf8.RuneError || needsEncoding(r) {
			return true
		}
	}
	return false
}

// Encode converts s to NFC and percent-encodes every octet of its UTF-8
// form that is not ASCII. ASCII input is returned unchanged.
func Encode(s string) string {
	i := 0
	for i < len(s) && s[i] < utf8.RuneSelf {
		i++
	}
	if i == len(s) {
		return s
	}
	ns := norm.NFC.String(s)
	var b strings.Builder
	b.Grow(len(ns) * 2)
	for i := 0; i < len(ns); i++ {
		if c := ns[i]; c >= utf8.RuneSelf {
			appendEscape(&b, c)
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Decode replaces each run of %XX escapes in s with the UTF-8 text it
// encodes, substituting U+FFFD for malformed sequences. A '%' inside square
// brackets introduces an IPv6 scope id and is left alone, as is any '%'
// not followed by two hex digits.
func Decode(s string) string {
	if strings.IndexByte(s, '%') < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	var run []byte
	inBrackets := false
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '[':
			inBrackets = true
		case c == ']' && inBrackets:
			inBrackets = false
		}
		if c != '%' || inBrackets || !isEscape(s, i) {
			b.WriteByte(c)
			i++
			continue
		}
		run = run[:0]
		for i < len(s) && s[i] == '%' && isEscape(s, i) {
			run = append(run, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 3
		}
		for len(run) > 0 {
			r, size := utf8.DecodeRune(run)
			b.WriteRune(r)
			run = run[size:]
		}
	}
	return b.String()
}

func isEscape(s string, i int) bool {
	return i+2 < len(s) && hexDigit.has(s[i+1]) && hexDigit.has(s[i+2])
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

package uri

import "strings"

// Normalize removes "." segments, resolves ".." segments against the
// segments before them and collapses redundant slashes. Leading ".."
// segments of a relative path are kept. Opaque URIs and URIs whose path is
// already normal are returned unchanged.
func (u *URI) Normalize() *URI {
	if u.IsOpaque() || u.path.s == "" {
		return u
	}
	np := normalizePath(u.path.s)
	if np == u.path.s {
		return u
	}
	v := &URI{
		scheme:    u.scheme,
		fragment:  u.fragment,
		authority: u.authority,
		userInfo:  u.userInfo,
		host:      u.host,
		port:      u.port,
		path:      some(np),
		query:     u.query,
	}
	return v.finish()
}

// Resolve resolves ref against u following RFC 2396 section 5.2. An
// opaque or absolute ref is returned as is; so is ref when u is opaque.
func (u *URI) Resolve(ref *URI) *URI {
	if ref.IsOpaque() || u.IsOpaque() {
		return ref
	}

	// A lone fragment refers to the current document.
	if !ref.scheme.ok && !ref.authority.ok && ref.path.s == "" && ref.fragment.ok && !ref.query.ok {
		if u.fragment.ok && ref.fragment.s == u.fragment.s {
			return u
		}
		v := &URI{
			scheme:    u.scheme,
			authority: u.authority,
			userInfo:  u.userInfo,
			host:      u.host,
			port:      u.port,
			path:      u.path,
			query:     u.query,
			fragment:  ref.fragment,
		}
		return v.finish()
	}

	if ref.scheme.ok {
		return ref
	}

	v := &URI{
		scheme:   u.scheme,
		query:    ref.query,
		fragment: ref.fragment,
	}
	if !ref.authority.ok {
		v.authority, v.userInfo, v.host, v.port = u.authority, u.userInfo, u.host, u.port
		if strings.HasPrefix(ref.path.s, "/") {
			v.path = ref.path
		} else {
			v.path = some(resolvePath(u.path.s, ref.path.s, u.IsAbsolute()))
		}
	} else {
		v.authority, v.userInfo, v.host, v.port = ref.authority, ref.userInfo, ref.host, ref.port
		v.path = ref.path
	}
	return v.finish()
}

// ResolveString parses ref and resolves it against u.
func (u *URI) ResolveString(ref string) (*URI, error) {
	r, err := Parse(ref)
	if err != nil {
		return nil, err
	}
	return u.Resolve(r), nil
}

// Relativize returns a relative reference r to ref from u. If u and ref
// differ in scheme or authority, or u's path is not a prefix of ref's, ref
// is returned unchanged.
//
// u.Resolve(r) equals ref only when u's path ends in "/" (or equals ref's).
// Relativizing http://a/b/c against http://a/b yields "c", which resolves
// against that base to http://a/c.
func (u *URI) Relativize(ref *URI) *URI {
	if ref.IsOpaque() || u.IsOpaque() {
		return ref
	}
	if compareIgnoringCase(u.scheme, ref.scheme) != 0 || !equalOpt(u.authority, ref.authority) {
		return ref
	}

	bp := normalizePath(u.path.s)
	cp := normalizePath(ref.path.s)
	if bp != cp {
		if !strings.HasSuffix(bp, "/") {
			bp += "/"
		}
		if !strings.HasPrefix(cp, bp) {
			return ref
		}
	}

	rel := cp[len(bp):]
	if seg, _, _ := strings.Cut(rel, "/"); strings.IndexByte(seg, ':') >= 0 {
		rel = "./" + rel
	}
	v := &URI{
		port:     -1,
		path:     some(rel),
		query:    ref.query,
		fragment: ref.fragment,
	}
	return v.finish()
}

func resolvePath(base, child string, absolute bool) string {
	i := strings.LastIndexByte(base, '/')
	var path string
	switch {
	case child == "":
		if i >= 0 {
			path = base[:i+1]
		}
	case i >= 0 || !absolute:
		path = base[:i+1] + child
	default:
		path = "/" + child
	}
	return normalizePath(path)
}

// segment is one path segment. trailing records whether a slash followed it
// in the input; dropped segments are skipped when the path is rejoined.
type segment struct {
	text     string
	trailing bool
	dropped  bool
}

func normalizePath(ps string) string {
	if !needsNormalization(ps) {
		return ps
	}
	absolute := strings.HasPrefix(ps, "/")
	segs := splitSegments(ps)
	removeDots(segs)
	segs = maybeAddLeadingDot(absolute, segs)
	return joinSegments(absolute, segs)
}

// needsNormalization reports whether ps has a "." or ".." segment or a run
// of more than one slash.
func needsNormalization(ps string) bool {
	i, n := 0, len(ps)
	for i < n && ps[i] == '/' {
		i++
	}
	if i > 1 {
		return true
	}
	for i < n {
		j := strings.IndexByte(ps[i:], '/')
		end := n
		if j >= 0 {
			end = i + j
		}
		if seg := ps[i:end]; seg == "." || seg == ".." {
			return true
		}
		if end == n {
			break
		}
		i = end + 1
		if i < n && ps[i] == '/' {
			return true
		}
	}
	return false
}

func splitSegments(ps string) []segment {
	var segs []segment
	i, n := 0, len(ps)
	for i < n {
		for i < n && ps[i] == '/' {
			i++
		}
		if i >= n {
			break
		}
		end := strings.IndexByte(ps[i:], '/')
		if end < 0 {
			segs = append(segs, segment{text: ps[i:]})
			break
		}
		segs = append(segs, segment{text: ps[i : i+end], trailing: true})
		i += end
	}
	return segs
}

// removeDots drops "." segments and each ".." together with the nearest
// live segment before it, unless that segment is itself "..".
func removeDots(segs []segment) {
	for i := range segs {
		switch segs[i].text {
		case ".":
			segs[i].dropped = true
		case "..":
			j := i - 1
			for j >= 0 && segs[j].dropped {
				j--
			}
			if j >= 0 && segs[j].text != ".." {
				segs[i].dropped = true
				segs[j].dropped = true
			}
		}
	}
}

// maybeAddLeadingDot prefixes "./" to a relative path whose first surviving
// segment contains a colon and used to follow other segments, so that the
// result isn't read back as "scheme:rest".
func maybeAddLeadingDot(absolute bool, segs []segment) []segment {
	if absolute {
		return segs
	}
	first := -1
	for i := range segs {
		if !segs[i].dropped {
			first = i
			break
		}
	}
	if first <= 0 || strings.IndexByte(segs[first].text, ':') < 0 {
		return segs
	}
	return append([]segment{{text: ".", trailing: true}}, segs...)
}

func joinSegments(absolute bool, segs []segment) string {
	var b strings.Builder
	if absolute {
		b.WriteByte('/')
	}
	for _, s := range segs {
		if s.dropped {
			continue
		}
		b.WriteString(s.text)
		if s.trailing {
			b.WriteByte('/')
		}
	}
	return b.String()
}

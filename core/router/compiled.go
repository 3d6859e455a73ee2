package router

import (
	"fmt"
	"net/url"
	"strings"
)

type segmentKind uint8

const (
	segLiteral segmentKind = iota
	segCapture
	segWildcard
)

type segment struct {
	kind  segmentKind
	value string // literal text, or the parameter name
}

// compile turns a pattern such as /users/:id/files/*path into a segment
// list. Captures and wildcards need a name, names are unique, and a
// wildcard may only come last.
func compile(pattern string) ([]segment, error) {
	if pattern == "" || pattern[0] != '/' {
		return nil, fmt.Errorf("router: pattern %q must begin with '/'", pattern)
	}

	parts := splitPath(pattern)
	segs := make([]segment, 0, len(parts))
	seen := make(map[string]bool)

	for i, part := range parts {
		switch {
		case strings.HasPrefix(part, ":"), strings.HasPrefix(part, "*"):
			name := part[1:]
			if name == "" {
				return nil, fmt.Errorf("router: pattern %q has an unnamed parameter", pattern)
			}
			if seen[name] {
				return nil, fmt.Errorf("router: pattern %q repeats parameter %q", pattern, name)
			}
			seen[name] = true

			kind := segCapture
			if part[0] == '*' {
				if i != len(parts)-1 {
					return nil, fmt.Errorf("router: wildcard in %q must be the last segment", pattern)
				}
				kind = segWildcard
			}
			segs = append(segs, segment{kind: kind, value: name})
		default:
			segs = append(segs, segment{kind: segLiteral, value: part})
		}
	}
	return segs, nil
}

// splitPath splits an absolute path into segments. "/" has none; a
// trailing slash yields a final empty segment.
func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// decodeSegments percent-decodes each raw segment on its own, so an
// encoded slash stays inside its segment. Undecodable segments are kept
// raw.
func decodeSegments(path string) []string {
	parts := splitPath(path)
	for i, p := range parts {
		if strings.IndexByte(p, '%') < 0 {
			continue
		}
		if d, err := url.PathUnescape(p); err == nil {
			parts[i] = d
		}
	}
	return parts
}

// match reports whether parts fit segs, filling params on success. The
// parameter map is only allocated for a match that captures.
func match(segs []segment, parts []string) (map[string]string, bool) {
	n := len(segs)
	wildcard := n > 0 && segs[n-1].kind == segWildcard
	if wildcard {
		if len(parts) < n-1 {
			return nil, false
		}
	} else if len(parts) != n {
		return nil, false
	}

	for i, s := range segs {
		switch s.kind {
		case segLiteral:
			if parts[i] != s.value {
				return nil, false
			}
		case segCapture:
			if parts[i] == "" {
				return nil, false
			}
		}
	}

	var params map[string]string
	for i, s := range segs {
		switch s.kind {
		case segCapture:
			if params == nil {
				params = make(map[string]string, n)
			}
			params[s.value] = parts[i]
		case segWildcard:
			if params == nil {
				params = make(map[string]string, n)
			}
			params[s.value] = strings.Join(parts[i:], "/")
		}
	}
	return params, true
}

package objectstore

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"unicode/utf8"
)

// Delimiter separates path segments.
const Delimiter = "/"

// Path is a normalized object key: a sequence of non-empty segments.
// A Path is immutable. The zero value is the root, which has no segments
// and is used wherever "no prefix" is meant.
type Path struct {
	parts []string
}

// Parse normalizes a raw key. It splits on "/", percent-decodes each segment
// and drops empty segments, so "a//b/" parses to the same path as "a/b".
// Segments "." and "..", invalid escapes and segments that do not decode to
// valid UTF-8 yield ErrInvalidPath.
func Parse(raw string) (Path, error) {
	var parts []string
	for _, seg := range strings.Split(raw, Delimiter) {
		if seg == "" {
			continue
		}
		decoded, err := decodeSegment(seg)
		if err != nil {
			return Path{}, fmt.Errorf("%w: %q: %v", ErrInvalidPath, raw, err)
		}
		parts = append(parts, decoded)
	}
	return Path{parts: parts}, nil
}

// ParseSegments parses every element with Parse and joins the results.
func ParseSegments(raw ...string) (Path, error) {
	var p Path
	for _, r := range raw {
		next, err := Parse(r)
		if err != nil {
			return Path{}, err
		}
		p = p.Join(next)
	}
	return p, nil
}

// MustParse is like Parse but panics on error.
func MustParse(raw string) Path {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// FromParts builds a path from segments that are already decoded, such as
// file names read from a directory. Each part must be non-empty valid UTF-8
// other than "." and "..".
func FromParts(parts ...string) (Path, error) {
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		switch {
		case part == "", part == ".", part == "..":
			return Path{}, fmt.Errorf("%w: segment %q", ErrInvalidPath, part)
		case !utf8.ValidString(part):
			return Path{}, fmt.Errorf("%w: segment is not valid UTF-8", ErrInvalidPath)
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return Path{}, nil
	}
	return Path{parts: out}, nil
}

// Child returns a new path with part appended as a single segment.
// The part is percent-decoded first; if the result is empty, "." or ".."
// or contains "/", Child fails with ErrInvalidPath.
func (p Path) Child(part string) (Path, error) {
	decoded, err := decodeSegment(part)
	if err != nil {
		return Path{}, fmt.Errorf("%w: child %q: %v", ErrInvalidPath, part, err)
	}
	if decoded == "" {
		return Path{}, fmt.Errorf("%w: child segment is empty", ErrInvalidPath)
	}
	if strings.Contains(decoded, Delimiter) {
		return Path{}, fmt.Errorf("%w: child %q contains a delimiter", ErrInvalidPath, part)
	}
	return Path{parts: append(slices.Clip(p.parts), decoded)}, nil
}

// Parts returns a copy of the decoded segments.
func (p Path) Parts() []string {
	return slices.Clone(p.parts)
}

// Len returns the number of segments.
func (p Path) Len() int {
	return len(p.parts)
}

// IsRoot reports whether p has no segments.
func (p Path) IsRoot() bool {
	return len(p.parts) == 0
}

// String returns the wire form of the path: segments joined with "/",
// each re-encoded so that Parse(p.String()) equals p.
func (p Path) String() string {
	if len(p.parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, part := range p.parts {
		if i > 0 {
			sb.WriteString(Delimiter)
		}
		encodeSegment(&sb, part)
	}
	return sb.String()
}

// Key returns a string that uniquely identifies p, suitable as a map key.
func (p Path) Key() string {
	return p.String()
}

// Equal reports whether p and o have the same segments.
func (p Path) Equal(o Path) bool {
	return slices.Equal(p.parts, o.parts)
}

// Compare orders paths segment by segment.
func (p Path) Compare(o Path) int {
	return slices.Compare(p.parts, o.parts)
}

// HasPrefix reports whether prefix is a segment-wise prefix of p.
// "foo/bar" has prefix "foo" but not "fo".
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix.parts) > len(p.parts) {
		return false
	}
	return slices.Equal(p.parts[:len(prefix.parts)], prefix.parts)
}

// TrimPrefix returns p without the leading prefix segments.
// It reports false if prefix is not a prefix of p.
func (p Path) TrimPrefix(prefix Path) (Path, bool) {
	if !p.HasPrefix(prefix) {
		return p, false
	}
	return Path{parts: slices.Clone(p.parts[len(prefix.parts):])}, true
}

// Join appends the segments of o to p.
func (p Path) Join(o Path) Path {
	if len(o.parts) == 0 {
		return p
	}
	if len(p.parts) == 0 {
		return o
	}
	parts := make([]string, 0, len(p.parts)+len(o.parts))
	parts = append(parts, p.parts...)
	return Path{parts: append(parts, o.parts...)}
}

// Parent returns p without its last segment. The parent of the root is the root.
func (p Path) Parent() Path {
	if len(p.parts) <= 1 {
		return Path{}
	}
	return Path{parts: slices.Clone(p.parts[:len(p.parts)-1])}
}

// Filename returns the last segment, or "" for the root.
func (p Path) Filename() string {
	if len(p.parts) == 0 {
		return ""
	}
	return p.parts[len(p.parts)-1]
}

// Extension returns the part of the filename after the final dot, or "".
func (p Path) Extension() string {
	name := p.Filename()
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return ""
	}
	return name[i+1:]
}

func decodeSegment(seg string) (string, error) {
	decoded, err := url.PathUnescape(seg)
	if err != nil {
		return "", err
	}
	if decoded == "." || decoded == ".." {
		return "", fmt.Errorf("relative segment %q", decoded)
	}
	if !utf8.ValidString(decoded) {
		return "", fmt.Errorf("segment is not valid UTF-8")
	}
	return decoded, nil
}

const upperhex = "0123456789ABCDEF"

func encodeSegment(sb *strings.Builder, seg string) {
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if c == '%' || c == '/' || c < 0x20 || c == 0x7f {
			sb.WriteByte('%')
			sb.WriteByte(upperhex[c>>4])
			sb.WriteByte(upperhex[c&15])
			continue
		}
		sb.WriteByte(c)
	}
}

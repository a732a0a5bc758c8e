// Package filter selects the objects a tree transfer works on.
//
// Filters include or exclude objects by key pattern, size and age, in the
// manner of rclone's filtering flags:
//
//	f := filter.New(
//	    filter.Include("*.parquet"),
//	    filter.Exclude("_tmp/**"),
//	    filter.MaxSize(100 * filter.MB),
//	)
//
//	if f.Match(meta) {
//	    // object passes the filter
//	}
//
// A pattern without a slash is matched against the last path segment.
// A pattern with a slash is matched segment by segment against the whole
// relative key, where "**" stands for any number of segments.
package filter

import (
	"bufio"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/grokify/objectstore"
)

// Common size constants for MinSize, MaxSize and bandwidth limits.
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
	TB = 1024 * GB
)

// Filter decides whether an object takes part in a transfer.
// A nil Filter matches everything.
type Filter struct {
	rules []rule
}

type ruleType int

const (
	ruleInclude ruleType = iota
	ruleExclude
	ruleMinSize
	ruleMaxSize
	ruleMinAge
	ruleMaxAge
)

type rule struct {
	ruleType ruleType
	pattern  string
	size     int64
	duration time.Duration
}

// Option configures a Filter.
type Option func(*Filter)

// New creates a new Filter with the given options.
func New(opts ...Option) *Filter {
	f := &Filter{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Include adds an include pattern. When any include pattern exists, an
// object must match at least one of them.
func Include(pattern string) Option {
	return func(f *Filter) {
		f.rules = append(f.rules, rule{ruleType: ruleInclude, pattern: pattern})
	}
}

// Exclude adds an exclude pattern. Exclusion wins over inclusion.
func Exclude(pattern string) Option {
	return func(f *Filter) {
		f.rules = append(f.rules, rule{ruleType: ruleExclude, pattern: pattern})
	}
}

// MinSize excludes objects smaller than size bytes.
func MinSize(size int64) Option {
	return func(f *Filter) {
		f.rules = append(f.rules, rule{ruleType: ruleMinSize, size: size})
	}
}

// MaxSize excludes objects larger than size bytes.
func MaxSize(size int64) Option {
	return func(f *Filter) {
		f.rules = append(f.rules, rule{ruleType: ruleMaxSize, size: size})
	}
}

// MinAge excludes objects modified less than d ago.
func MinAge(d time.Duration) Option {
	return func(f *Filter) {
		f.rules = append(f.rules, rule{ruleType: ruleMinAge, duration: d})
	}
}

// MaxAge excludes objects modified more than d ago.
func MaxAge(d time.Duration) Option {
	return func(f *Filter) {
		f.rules = append(f.rules, rule{ruleType: ruleMaxAge, duration: d})
	}
}

// Parse reads filter rules, one per line. Lines starting with "+ " are
// includes, lines starting with "- " are excludes, any other pattern is
// an exclude. Empty lines and lines starting with # are ignored.
//
//	# tables only
//	+ tables/**
//	- *.tmp
func Parse(r io.Reader) (Option, error) {
	var opts []Option
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
		case strings.HasPrefix(line, "+ "):
			opts = append(opts, Include(strings.TrimSpace(line[2:])))
		case strings.HasPrefix(line, "- "):
			opts = append(opts, Exclude(strings.TrimSpace(line[2:])))
		default:
			opts = append(opts, Exclude(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return func(f *Filter) {
		for _, opt := range opts {
			opt(f)
		}
	}, nil
}

// FromFile loads filter rules from a file in the format read by Parse.
func FromFile(name string) (Option, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	return Parse(file)
}

// Match reports whether the object passes the filter. meta.Location is
// matched as given, so callers pass locations relative to the transfer root.
func (f *Filter) Match(meta objectstore.ObjectMeta) bool {
	if f.IsEmpty() {
		return true
	}

	hasIncludes, included := false, false
	for _, r := range f.rules {
		if r.ruleType == ruleInclude {
			hasIncludes = true
			if matchPattern(r.pattern, meta.Location) {
				included = true
				break
			}
		}
	}
	if hasIncludes && !included {
		return false
	}

	for _, r := range f.rules {
		switch r.ruleType {
		case ruleExclude:
			if matchPattern(r.pattern, meta.Location) {
				return false
			}
		case ruleMinSize:
			if meta.Size < r.size {
				return false
			}
		case ruleMaxSize:
			if meta.Size > r.size {
				return false
			}
		case ruleMinAge:
			if time.Since(meta.LastModified) < r.duration {
				return false
			}
		case ruleMaxAge:
			if time.Since(meta.LastModified) > r.duration {
				return false
			}
		}
	}
	return true
}

// MatchPath matches by key only; size and age rules see a zero value.
func (f *Filter) MatchPath(p objectstore.Path) bool {
	return f.Match(objectstore.ObjectMeta{Location: p, LastModified: time.Now()})
}

// IsEmpty returns true if the filter has no rules.
func (f *Filter) IsEmpty() bool {
	return f == nil || len(f.rules) == 0
}

func matchPattern(pattern string, p objectstore.Path) bool {
	parts := p.Parts()
	if !strings.Contains(pattern, "/") {
		if len(parts) == 0 {
			return false
		}
		ok, _ := path.Match(pattern, parts[len(parts)-1])
		return ok
	}
	return matchSegments(strings.Split(strings.Trim(pattern, "/"), "/"), parts)
}

func matchSegments(pattern, parts []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			for i := len(parts); i >= 0; i-- {
				if matchSegments(pattern[1:], parts[i:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 {
			return false
		}
		if ok, _ := path.Match(pattern[0], parts[0]); !ok {
			return false
		}
		pattern, parts = pattern[1:], parts[1:]
	}
	return len(parts) == 0
}

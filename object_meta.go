package objectstore

import (
	"slices"
	"time"
)

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	// Location is the object's path relative to the engine root.
	Location Path

	// Size is the content length in bytes.
	Size int64

	// LastModified is the time the service last recorded a write.
	LastModified time.Time
}

// ListResult is the result of a single-level listing.
type ListResult struct {
	// Objects directly under the prefix.
	Objects []ObjectMeta

	// CommonPrefixes are the distinct one-segment-deeper prefixes.
	CommonPrefixes []Path
}

// SortObjects sorts objects by location.
func SortObjects(objects []ObjectMeta) {
	slices.SortFunc(objects, func(a, b ObjectMeta) int {
		return a.Location.Compare(b.Location)
	})
}

// SortPaths sorts paths segment-wise.
func SortPaths(paths []Path) {
	slices.SortFunc(paths, Path.Compare)
}

// GroupByDelimiter builds a single-level listing of prefix from a recursive
// listing. Objects directly under prefix are returned as objects; deeper
// objects contribute their first segment below prefix as a common prefix.
func GroupByDelimiter(prefix Path, objects []ObjectMeta) ListResult {
	var result ListResult
	seen := make(map[string]bool)
	depth := prefix.Len()
	for _, obj := range objects {
		if !obj.Location.HasPrefix(prefix) || obj.Location.Len() <= depth {
			continue
		}
		if obj.Location.Len() == depth+1 {
			result.Objects = append(result.Objects, obj)
			continue
		}
		common := Path{parts: slices.Clone(obj.Location.parts[:depth+1])}
		if !seen[common.Key()] {
			seen[common.Key()] = true
			result.CommonPrefixes = append(result.CommonPrefixes, common)
		}
	}
	SortObjects(result.Objects)
	SortPaths(result.CommonPrefixes)
	return result
}

// ClampRange resolves a range request against an object of the given size.
// It returns the half-open byte interval to read, or ErrInvalidRange if start
// lies past the end or either argument is negative. A start equal to size
// yields an empty interval.
func ClampRange(size, start, length int64) (int64, int64, error) {
	if start < 0 || length < 0 || start > size {
		return 0, 0, ErrInvalidRange
	}
	end := size
	if length < size-start {
		end = start + length
	}
	return start, end, nil
}

package sources

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFieldMissing reports a projection path that does not resolve.
var ErrFieldMissing = errors.New("field missing")

// Lookup resolves a dotted path against a decoded JSON value. A segment
// ending in "[]" maps the rest of the path over an array, so
// "artists[].id" yields the id of every artist.
func Lookup(value any, path string) (any, error) {
	if path == "" || path == "." {
		return value, nil
	}
	return lookupSegments(value, strings.Split(path, "."))
}

func lookupSegments(value any, segments []string) (any, error) {
	if len(segments) == 0 {
		return value, nil
	}
	seg := segments[0]
	mapOver := strings.HasSuffix(seg, "[]")
	key := strings.TrimSuffix(seg, "[]")

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an object", ErrFieldMissing, key)
	}
	next, ok := obj[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFieldMissing, key)
	}
	if !mapOver {
		return lookupSegments(next, segments[1:])
	}

	arr, ok := next.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an array", ErrFieldMissing, key)
	}
	out := make([]any, 0, len(arr))
	for i, elem := range arr {
		v, err := lookupSegments(elem, segments[1:])
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

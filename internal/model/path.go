package model

import "strings"

// GetPath resolves a dotted field path ("document.credentialSubject.amount")
// against nested maps and slices. Numeric segments index into slices. Returns
// nil when any segment is missing.
func GetPath(v interface{}, path string) interface{} {
	if path == "" {
		return v
	}
	current := v
	for _, segment := range strings.Split(path, ".") {
		switch t := current.(type) {
		case map[string]interface{}:
			var ok bool
			current, ok = t[segment]
			if !ok {
				return nil
			}
		case []interface{}:
			idx := sliceIndex(segment)
			if idx < 0 || idx >= len(t) {
				return nil
			}
			current = t[idx]
		default:
			return nil
		}
	}
	return current
}

func sliceIndex(segment string) int {
	idx := 0
	for _, r := range segment {
		if r < '0' || r > '9' {
			return -1
		}
		idx = idx*10 + int(r-'0')
	}
	if segment == "" {
		return -1
	}
	return idx
}

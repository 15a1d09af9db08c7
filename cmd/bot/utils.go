package main

import "strings"

// shortID reduces a trade ID to its leading uuid group for log lines; IDs
// without a separator fall back to plain truncation.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

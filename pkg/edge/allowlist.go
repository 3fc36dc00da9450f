package edge

import "strings"

// AllowedPrefixes are the upstream paths the proxy will forward.
var AllowedPrefixes = []string{
	"/ping",
	"/coins/markets",
	"/coins/",
	"/simple/price",
	"/global",
	"/search/trending",
	"/search",
}

// IsAllowed reports whether path is a plain segment path starting with one
// of AllowedPrefixes.
func IsAllowed(path string) bool {
	if !isPlainPath(path) {
		return false
	}
	for _, p := range AllowedPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// isPlainPath rejects anything that could leave the allowed prefix once the
// upstream resolves it: dot segments, escapes, query or fragment markers,
// backslashes and control characters.
func isPlainPath(path string) bool {
	if strings.ContainsAny(path, "?#%\\") {
		return false
	}
	for _, r := range path {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

package store

import (
	"fmt"
	"strings"
)

// LobbiesRoot is the top-level node holding every lobby subtree.
const LobbiesRoot = "lobbies"

// Join concatenates path segments, skipping empty ones.
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// Split breaks a path into segments. The empty path addresses the root.
func Split(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, nil
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" || s == "." || s == ".." || strings.ContainsAny(s, "#$[]") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// LobbyPath addresses a lobby root or one of its children.
func LobbyPath(code string, children ...string) string {
	return Join(append([]string{LobbiesRoot, code}, children...)...)
}

// related reports whether a write at b is visible to a listener at a.
func related(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package locks

import (
	"strings"
)

// Normalize canonicalizes a storage path for lock keying. It is a pure
// function: lowercase, backslashes to forward slashes, runs of separators
// collapsed, trailing separator trimmed (the bare root "/" survives). Drive
// letter casing folds with the rest of the path. Two spellings that differ
// only by these transformations collide on the same lock row.
func Normalize(path string) string {
	p := strings.ToLower(strings.TrimSpace(path))
	p = strings.ReplaceAll(p, "\\", "/")

	var sb strings.Builder
	sb.Grow(len(p))
	prevSep := false
	for _, r := range p {
		if r == '/' {
			if prevSep {
				continue
			}
			prevSep = true
		} else {
			prevSep = false
		}
		sb.WriteRune(r)
	}
	p = sb.String()

	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

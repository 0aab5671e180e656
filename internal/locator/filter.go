package locator

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultExcludes are directory names never searched for entry documents.
var DefaultExcludes = []string{
	"__MACOSX",
	".git",
	"node_modules",
}

// ExcludedDir reports whether a directory name matches any default
// exclusion. This is used during traversal to skip entire subtrees.
func ExcludedDir(name string) bool {
	for _, excl := range DefaultExcludes {
		if strings.EqualFold(name, excl) {
			return true
		}
	}
	return false
}

// MatchesAny reports whether relPath matches any of the given glob
// patterns. Patterns support ** and are tried against both the full
// slash-separated path and its base name.
func MatchesAny(relPath string, patterns []string) bool {
	base := path.Base(relPath)
	for _, pattern := range patterns {
		if matched, err := doublestar.Match(pattern, relPath); err == nil && matched {
			return true
		}
		if matched, err := doublestar.Match(pattern, base); err == nil && matched {
			return true
		}
	}
	return false
}

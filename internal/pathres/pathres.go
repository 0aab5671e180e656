// Package pathres resolves references found inside bundle documents to
// logical paths. Every rewriter goes through Resolve so that a reference
// means the same file whether it appears in markup, a stylesheet or a
// script.
//
// A logical path is slash separated, relative to the version root and
// never has a leading slash.
package pathres

import (
	"net/url"
	"path"
	"strings"
)

// Kind classifies a reference.
type Kind int

const (
	// Logical references name a file inside the version bundle.
	Logical Kind = iota
	// External references carry a scheme and are never rewritten.
	External
	// Rewritten references already point at a content handle.
	Rewritten
	// Invalid references are empty, fragment-only or escape the bundle root.
	Invalid
)

func (k Kind) String() string {
	switch k {
	case Logical:
		return "logical"
	case External:
		return "external"
	case Rewritten:
		return "rewritten"
	default:
		return "invalid"
	}
}

// Resolution is the outcome of resolving one reference.
type Resolution struct {
	Kind Kind
	// Path is the logical path for Logical references and the untouched
	// reference otherwise.
	Path string
}

// DefaultSchemes are the prefixes that mark a reference as external.
var DefaultSchemes = []string{
	"http:", "https:", "ws:", "wss:", "blob:", "data:",
	"mailto:", "javascript:", "about:", "//",
}

// Resolver resolves references with a configurable scheme list and
// handle prefix. The zero value uses DefaultSchemes and recognizes no
// handle prefix.
type Resolver struct {
	Schemes      []string
	HandlePrefix string
}

// Resolve resolves ref against baseDir using the default Resolver.
func Resolve(ref, baseDir string) Resolution {
	return Resolver{}.Resolve(ref, baseDir)
}

// Resolve applies, in order: handle and external-scheme detection,
// "./" stripping, root-relative handling of a leading "/", and joining
// with baseDir. Query strings and fragments do not take part in lookup.
func (r Resolver) Resolve(ref, baseDir string) Resolution {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return Resolution{Kind: Invalid, Path: ref}
	}
	if r.HandlePrefix != "" && strings.HasPrefix(ref, r.HandlePrefix) {
		return Resolution{Kind: Rewritten, Path: ref}
	}
	if r.isExternal(ref) {
		return Resolution{Kind: External, Path: ref}
	}

	p := stripQuery(ref)
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	p = strings.TrimPrefix(p, "./")

	var joined string
	switch {
	case strings.HasPrefix(p, "/"):
		joined = strings.TrimLeft(p, "/")
	case baseDir != "":
		joined = baseDir + "/" + p
	default:
		joined = p
	}

	cleaned := path.Clean(joined)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") {
		return Resolution{Kind: Invalid, Path: ref}
	}
	return Resolution{Kind: Logical, Path: cleaned}
}

func (r Resolver) isExternal(ref string) bool {
	schemes := r.Schemes
	if schemes == nil {
		schemes = DefaultSchemes
	}
	lower := strings.ToLower(ref)
	for _, s := range schemes {
		if strings.HasPrefix(lower, s) {
			return true
		}
	}
	return false
}

// stripQuery drops any "?query" or "#fragment" suffix.
func stripQuery(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		return ref[:i]
	}
	return ref
}

// Dir returns the directory component of a logical path, or "" for a
// path at the version root.
func Dir(p string) string {
	d := path.Dir(p)
	if d == "." || d == "/" {
		return ""
	}
	return d
}

// Ext returns the lower-cased extension of the path part of ref,
// ignoring any query string or fragment.
func Ext(ref string) string {
	return strings.ToLower(path.Ext(stripQuery(ref)))
}

// Join joins a logical directory and a name.
func Join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// Package locator finds the entry documents of a version bundle.
//
// At each directory level a file named index<ext> is authoritative; when
// it is absent every file with the entry extension counts. Documents of
// a directory come before those of its subdirectories, and
// subdirectories are searched depth-first in lexical order.
package locator

import (
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strings"
)

// Locator searches a file tree for entry documents.
type Locator struct {
	ext     string
	exclude []string
	logger  *slog.Logger
}

// New returns a Locator for documents ending in ext (for example
// ".html"). Paths matching any exclude glob are skipped. A nil logger
// discards output.
func New(ext string, exclude []string, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Locator{ext: ext, exclude: exclude, logger: logger}
}

// Extension returns the entry document extension.
func (l *Locator) Extension() string { return l.ext }

// FindEntryDocuments returns every entry document under root, as paths
// relative to root. The result is empty when the tree has none.
func (l *Locator) FindEntryDocuments(fsys fs.FS, root string) []string {
	var found []string
	l.walk(fsys, root, "", false, &found)
	return found
}

// FindFirstEntryDocument returns the first entry document under root in
// discovery order.
func (l *Locator) FindFirstEntryDocument(fsys fs.FS, root string) (string, bool) {
	var found []string
	l.walk(fsys, root, "", true, &found)
	if len(found) == 0 {
		return "", false
	}
	return found[0], true
}

// walk appends the documents of rel and its subdirectories to found. It
// returns true when first is set and a document has been found.
func (l *Locator) walk(fsys fs.FS, root, rel string, first bool, found *[]string) bool {
	dir := path.Join(root, rel)
	if dir == "" {
		dir = "."
	}

	// fs.ReadDir returns entries sorted by name.
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		l.logger.Warn("skipping unreadable directory", "dir", dir, "error", err)
		return false
	}

	index := "index" + l.ext
	var docs []string
	for _, e := range entries {
		if !e.IsDir() && e.Name() == index {
			docs = []string{join(rel, e.Name())}
			break
		}
		if !e.IsDir() && strings.EqualFold(path.Ext(e.Name()), l.ext) {
			docs = append(docs, join(rel, e.Name()))
		}
	}
	for _, d := range docs {
		if !MatchesAny(d, l.exclude) {
			*found = append(*found, d)
		}
	}
	if first && len(*found) > 0 {
		return true
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := join(rel, e.Name())
		if ExcludedDir(e.Name()) || MatchesAny(sub, l.exclude) {
			l.logger.Debug("excluded directory", "dir", sub)
			continue
		}
		if l.walk(fsys, root, sub, first, found) {
			return true
		}
	}
	return false
}

func join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

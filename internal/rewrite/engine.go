// Package rewrite turns an extracted client tree into self-contained
// documents. Every reference a document, stylesheet or script makes to
// another file of the tree is replaced with the URL of a handle for
// that file's (rewritten) content.
package rewrite

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ziadkadry99/bundlevault/internal/handles"
	"github.com/ziadkadry99/bundlevault/internal/pathres"
)

// Options configures an Engine.
type Options struct {
	// Categories are the markup passes, run in order.
	Categories []Category
	// SpecialDirs are directories next to an entry document whose files
	// are materialized up front, since the client enumerates them at
	// runtime instead of referencing them by name.
	SpecialDirs []string
	// PackagedExtensions mark packaged data literals in scripts.
	PackagedExtensions []string
	// OptionsGlobal is the global the options literal is assigned to.
	OptionsGlobal string
	// OptionsFields are the path fields of the options literal.
	OptionsFields []string
	// Schemes are the external reference prefixes.
	Schemes []string
	// Concurrency bounds special directory materialization.
	Concurrency int
}

// DefaultOptions returns the options for stock Eaglercraft clients.
func DefaultOptions() Options {
	return Options{
		Categories:         DefaultCategories,
		SpecialDirs:        []string{"lang", "packs", "assets"},
		PackagedExtensions: []string{".epk", ".epw"},
		OptionsGlobal:      "eaglercraftXOpts",
		OptionsFields:      DefaultOptionsFields,
		Schemes:            pathres.DefaultSchemes,
		Concurrency:        4,
	}
}

// Engine rewrites documents against a handle cache. It holds no
// per-session state and may serve many sessions concurrently.
type Engine struct {
	opts     Options
	logger   *slog.Logger
	packaged *regexp.Regexp
	options  *regexp.Regexp
	fields   map[string]*regexp.Regexp
}

// New creates an Engine.
func New(opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	e := &Engine{
		opts:     opts,
		logger:   logger,
		packaged: packagedLiteral(opts.PackagedExtensions),
		fields:   make(map[string]*regexp.Regexp),
	}
	if opts.OptionsGlobal != "" {
		e.options = optionsLiteral(opts.OptionsGlobal)
	}
	for _, f := range opts.OptionsFields {
		e.fields[f] = optionsField(f)
	}
	return e
}

func (e *Engine) resolver(c *handles.Cache) pathres.Resolver {
	return pathres.Resolver{Schemes: e.opts.Schemes, HandlePrefix: c.Prefix()}
}

// Bind installs the stylesheet and script passes as transforms of c, so
// every stylesheet or script handle it creates carries rewritten content.
func (e *Engine) Bind(c *handles.Cache) {
	css := func(ctx context.Context, p string, data []byte) []byte {
		return []byte(e.RewriteStylesheet(ctx, c, string(data), pathres.Dir(p)))
	}
	js := func(ctx context.Context, p string, data []byte) []byte {
		return []byte(e.RewriteScript(ctx, c, string(data), pathres.Dir(p)))
	}
	c.SetTransform(".css", css)
	c.SetTransform(".js", js)
	c.SetTransform(".mjs", js)
}

// RewriteDocument returns the rewritten text of the entry document at
// docPath. Only an unreadable document is an error; unresolvable
// references inside it are logged and left as they were.
func (e *Engine) RewriteDocument(ctx context.Context, c *handles.Cache, docPath string) (string, error) {
	data, err := fs.ReadFile(c.Source(), docPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", handles.ErrAssetUnreadable, docPath, err)
	}
	base := pathres.Dir(docPath)

	if err := e.MaterializeSpecialDirs(ctx, c, base); err != nil {
		return "", err
	}

	text := string(data)
	for _, cat := range e.opts.Categories {
		text = e.RewriteMarkup(ctx, c, text, base, cat)
	}
	text = e.RewriteInline(ctx, c, text, base)
	text = e.RewriteOptions(ctx, c, text, base)
	return text, ctx.Err()
}

// Process rewrites the entry document at docPath and registers the
// result as a handle owned by c.
func (e *Engine) Process(ctx context.Context, c *handles.Cache, docPath string) (*handles.Handle, error) {
	text, err := e.RewriteDocument(ctx, c, docPath)
	if err != nil {
		return nil, err
	}
	h := c.Create(docPath, handles.MIMEType(docPath), []byte(text))
	e.logger.Info("rewrote document", "path", docPath, "handle", h.ID, "handles", c.Len())
	return h, nil
}

// MaterializeSpecialDirs creates a handle for every file below the
// special directories of baseDir. Unreadable files are logged and
// skipped.
func (e *Engine) MaterializeSpecialDirs(ctx context.Context, c *handles.Cache, baseDir string) error {
	var files []string
	for _, dir := range e.opts.SpecialDirs {
		root := pathres.Join(baseDir, dir)
		info, err := fs.Stat(c.Source(), root)
		if err != nil || !info.IsDir() {
			continue
		}
		err = fs.WalkDir(c.Source(), root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				e.logger.Warn("skipping unreadable special directory entry", "path", p, "error", err)
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.IsDir() {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if len(files) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, p := range files {
		p := p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := c.GetOrCreate(gctx, p); err != nil {
				e.logger.Warn("skipping special directory file", "path", p, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.logger.Debug("materialized special directories", "base", baseDir, "files", len(files),
		"dirs", strings.Join(e.opts.SpecialDirs, ","))
	return nil
}

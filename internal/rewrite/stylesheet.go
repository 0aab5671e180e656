package rewrite

import (
	"context"
	"regexp"

	"github.com/ziadkadry99/bundlevault/internal/handles"
	"github.com/ziadkadry99/bundlevault/internal/pathres"
)

var (
	cssURLDouble    = regexp.MustCompile(`(?i)url\(\s*"([^"]+)"\s*\)`)
	cssURLSingle    = regexp.MustCompile(`(?i)url\(\s*'([^']+)'\s*\)`)
	cssURLBare      = regexp.MustCompile(`(?i)url\(\s*([^)'"\s]+)\s*\)`)
	cssImportDouble = regexp.MustCompile(`(?i)@import\s+"([^"]+)"`)
	cssImportSingle = regexp.MustCompile(`(?i)@import\s+'([^']+)'`)
)

// RewriteStylesheet replaces every url(...) and @import reference of a
// stylesheet located in baseDir with a quoted handle URL.
func (e *Engine) RewriteStylesheet(ctx context.Context, c *handles.Cache, css, baseDir string) string {
	return e.rewriteCSS(ctx, c, css, baseDir, `"`)
}

// rewriteCSS emits url(<q>H<q>). Style attributes pass an empty quote so
// the result can sit inside the attribute's own quotes.
func (e *Engine) rewriteCSS(ctx context.Context, c *handles.Cache, css, baseDir, quote string) string {
	res := e.resolver(c)

	sub := func(ref string) (string, bool) {
		r := res.Resolve(ref, baseDir)
		if r.Kind != pathres.Logical {
			return "", false
		}
		h, err := c.GetOrCreate(ctx, r.Path)
		if err != nil {
			e.logger.Warn("leaving stylesheet reference unrewritten",
				"ref", ref, "path", r.Path, "error", err)
			return "", false
		}
		return h.URL, true
	}

	for _, re := range []*regexp.Regexp{cssURLDouble, cssURLSingle, cssURLBare} {
		css = replaceFunc(re, css, func(m []string) string {
			u, ok := sub(m[1])
			if !ok {
				return m[0]
			}
			return "url(" + quote + u + quote + ")"
		})
	}

	importQuote := quote
	if importQuote == "" {
		importQuote = `'`
	}
	for _, re := range []*regexp.Regexp{cssImportDouble, cssImportSingle} {
		css = replaceFunc(re, css, func(m []string) string {
			u, ok := sub(m[1])
			if !ok {
				return m[0]
			}
			return "@import " + importQuote + u + importQuote
		})
	}
	return css
}

// replaceFunc is ReplaceAllStringFunc with access to submatches.
func replaceFunc(re *regexp.Regexp, s string, fn func(m []string) string) string {
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return fn(re.FindStringSubmatch(match))
	})
}

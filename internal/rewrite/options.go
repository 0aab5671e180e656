package rewrite

import (
	"context"
	"encoding/json"
	"io/fs"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/ziadkadry99/bundlevault/internal/handles"
	"github.com/ziadkadry99/bundlevault/internal/pathres"
)

// DefaultOptionsFields are the options keys that may name a packaged
// data file.
var DefaultOptionsFields = []string{"assetsURI", "langURI"}

func optionsLiteral(global string) *regexp.Regexp {
	return regexp.MustCompile(`(?:window\.|\b(?:var|let|const)\s+)` + regexp.QuoteMeta(global) + `\s*=\s*(\{[^}]*\})`)
}

func optionsField(name string) *regexp.Regexp {
	return regexp.MustCompile(`(["']?\b` + regexp.QuoteMeta(name) + `\b["']?\s*:\s*)(["'])([^"']*)(["'])`)
}

// RewriteOptions rewrites the path fields of the client options literal
// assigned in a markup document located in baseDir. A field is rewritten
// only when it names a single regular file; directories were already
// materialized with the special directories.
func (e *Engine) RewriteOptions(ctx context.Context, c *handles.Cache, text, baseDir string) string {
	if e.options == nil {
		return text
	}
	res := e.resolver(c)
	return replaceFunc(e.options, text, func(m []string) string {
		literal := m[1]
		values := e.optionsValues(literal)
		if len(values) == 0 {
			e.logger.Debug("options literal has no path fields", "global", e.opts.OptionsGlobal)
			return m[0]
		}

		rewritten := literal
		for _, field := range e.opts.OptionsFields {
			ref, ok := values[field]
			if !ok || ref == "" || strings.HasSuffix(ref, "/") {
				continue
			}
			r := res.Resolve(ref, baseDir)
			if r.Kind != pathres.Logical {
				continue
			}
			info, err := fs.Stat(c.Source(), r.Path)
			if err != nil {
				e.logger.Warn("options field names a missing file", "field", field, "ref", ref, "error", err)
				continue
			}
			if info.IsDir() {
				continue
			}
			h, err := c.GetOrCreate(ctx, r.Path)
			if err != nil {
				e.logger.Warn("leaving options field unrewritten", "field", field, "ref", ref, "error", err)
				continue
			}
			rewritten = replaceFunc(e.fields[field], rewritten, func(f []string) string {
				if f[3] != ref || f[2] != f[4] {
					return f[0]
				}
				return f[1] + f[2] + h.URL + f[4]
			})
		}
		return strings.Replace(m[0], literal, rewritten, 1)
	})
}

// optionsValues extracts the string values of the known fields. The
// literal is first read as JSON with comments; object literals written
// as plain script fall back to per-field patterns.
func (e *Engine) optionsValues(literal string) map[string]string {
	values := make(map[string]string)

	var obj map[string]any
	if err := json.Unmarshal(jsonc.ToJSON([]byte(literal)), &obj); err == nil {
		for _, field := range e.opts.OptionsFields {
			if s, ok := obj[field].(string); ok {
				values[field] = s
			}
		}
		return values
	}

	e.logger.Debug("options literal is not JSON; matching fields by pattern")
	for _, field := range e.opts.OptionsFields {
		if f := e.fields[field].FindStringSubmatch(literal); f != nil && f[2] == f[4] {
			values[field] = f[3]
		}
	}
	return values
}

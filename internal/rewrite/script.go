package rewrite

import (
	"context"
	"regexp"
	"strings"

	"github.com/ziadkadry99/bundlevault/internal/handles"
	"github.com/ziadkadry99/bundlevault/internal/pathres"
)

const quoteClass = "['\"`]"

// wasmBuffered stands in for WebAssembly.instantiateStreaming. It takes
// the same arguments and resolves the same way, but reads the response
// into a buffer first, so it works whatever MIME type the response has
// and needs no await.
const wasmBuffered = `((p, ...a) => p.then(r => r.arrayBuffer()).then(b => WebAssembly.instantiate(b, ...a)))`

var (
	// WebAssembly.instantiateStreaming(fetch('x.wasm')) up to and including
	// fetch's closing paren.
	wasmStreaming = regexp.MustCompile(
		`WebAssembly\.instantiateStreaming\s*\(\s*fetch\s*\(\s*(` + quoteClass + `)([^'"` + "`" + `]+)(` + quoteClass + `)\s*\)`)
	wasmCompileFetch = regexp.MustCompile(
		`WebAssembly\.compile(?:Streaming)?\s*\(\s*(?:await\s+)?fetch\s*\(\s*(` + quoteClass + `)([^'"` + "`" + `]+)(` + quoteClass + `)`)
	wasmFetch = regexp.MustCompile(
		`fetch\s*\(\s*(` + quoteClass + `)([^'"` + "`" + `]+\.wasm)(` + quoteClass + `)`)
)

// packagedLiteral matches a quoted string literal ending in one of exts.
func packagedLiteral(exts []string) *regexp.Regexp {
	alts := make([]string, 0, len(exts))
	for _, ext := range exts {
		alts = append(alts, regexp.QuoteMeta(strings.TrimPrefix(ext, ".")))
	}
	if len(alts) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)(` + quoteClass + `)([^'"` + "`" + `\s]+\.(?:` + strings.Join(alts, "|") + `))(` + quoteClass + `)`)
}

// RewriteScript rewrites the WebAssembly loading idioms and packaged
// data literals of a script located in baseDir. Everything else in the
// script is left alone.
func (e *Engine) RewriteScript(ctx context.Context, c *handles.Cache, js, baseDir string) string {
	res := e.resolver(c)

	sub := func(ref string) (string, bool) {
		r := res.Resolve(ref, baseDir)
		if r.Kind != pathres.Logical {
			return "", false
		}
		h, err := c.GetOrCreate(ctx, r.Path)
		if err != nil {
			e.logger.Warn("leaving script reference unrewritten",
				"ref", ref, "path", r.Path, "error", err)
			return "", false
		}
		return h.URL, true
	}

	// Streaming instantiation needs a served MIME type the handle may not
	// carry. The call keeps its arguments and only the callee changes.
	js = replaceFunc(wasmStreaming, js, func(m []string) string {
		if m[1] != m[3] {
			return m[0]
		}
		u, ok := sub(m[2])
		if !ok {
			return m[0]
		}
		return wasmBuffered + `(fetch(` + m[1] + u + m[3] + `)`
	})

	for _, re := range []*regexp.Regexp{wasmCompileFetch, wasmFetch} {
		js = replaceFunc(re, js, func(m []string) string {
			if m[1] != m[3] {
				return m[0]
			}
			u, ok := sub(m[2])
			if !ok {
				return m[0]
			}
			return m[0][:len(m[0])-len(m[2])-len(m[3])] + u + m[3]
		})
	}

	if e.packaged != nil {
		js = replaceFunc(e.packaged, js, func(m []string) string {
			if m[1] != m[3] {
				return m[0]
			}
			u, ok := sub(m[2])
			if !ok {
				return m[0]
			}
			return m[1] + u + m[3]
		})
	}
	return js
}

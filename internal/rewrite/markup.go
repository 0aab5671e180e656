package rewrite

import (
	"context"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/net/html"

	"github.com/ziadkadry99/bundlevault/internal/handles"
	"github.com/ziadkadry99/bundlevault/internal/pathres"
)

// Category is one class of markup reference: an attribute whose value
// ends in one of a set of extensions.
type Category struct {
	Name       string
	Attr       string
	Extensions []string
}

// DefaultCategories are the markup passes in the order they run.
var DefaultCategories = []Category{
	{Name: "styles", Attr: "href", Extensions: []string{".css"}},
	{Name: "scripts", Attr: "src", Extensions: []string{".js", ".mjs"}},
	{Name: "images", Attr: "src", Extensions: []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp"}},
	{Name: "audio", Attr: "src", Extensions: []string{".mp3", ".ogg", ".wav"}},
	{Name: "links", Attr: "href", Extensions: []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".json"}},
	{Name: "wasm", Attr: "src", Extensions: []string{".wasm"}},
	{Name: "manifest", Attr: "href", Extensions: []string{".webmanifest"}},
}

func (cat Category) matches(ref string) bool {
	return slices.Contains(cat.Extensions, pathres.Ext(ref))
}

// tokenFunc maps the raw text of one token to its replacement.
type tokenFunc func(tt html.TokenType, raw string, z *html.Tokenizer) string

// scanTokens runs fn over every token of text and joins the results.
// Tokens fn leaves alone are copied byte for byte, so a document without
// matches comes back unchanged.
func scanTokens(text string, fn tokenFunc) string {
	z := html.NewTokenizer(strings.NewReader(text))
	var b strings.Builder
	b.Grow(len(text))
	consumed := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		// Raw must be copied before TagName or TagAttr, which lower-case
		// and unescape in place.
		raw := string(z.Raw())
		consumed += len(raw)
		b.WriteString(fn(tt, raw, z))
	}
	if consumed < len(text) {
		b.WriteString(text[consumed:])
	}
	return b.String()
}

// RewriteMarkup runs one category pass over a markup document located
// in baseDir.
func (e *Engine) RewriteMarkup(ctx context.Context, c *handles.Cache, text, baseDir string, cat Category) string {
	res := e.resolver(c)
	return scanTokens(text, func(tt html.TokenType, raw string, z *html.Tokenizer) string {
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			return raw
		}
		_, hasAttr := z.TagName()
		for hasAttr {
			var key, val []byte
			key, val, hasAttr = z.TagAttr()
			if string(key) != cat.Attr || !cat.matches(string(val)) {
				continue
			}
			ref := string(val)
			r := res.Resolve(ref, baseDir)
			if r.Kind != pathres.Logical {
				continue
			}
			h, err := c.GetOrCreate(ctx, r.Path)
			if err != nil {
				e.logger.Warn("leaving markup reference unrewritten",
					"pass", cat.Name, "ref", ref, "path", r.Path, "error", err)
				continue
			}
			if replaced, ok := replaceAttr(raw, cat.Attr, ref, h.URL); ok {
				raw = replaced
			} else {
				e.logger.Warn("attribute value not found verbatim in tag",
					"pass", cat.Name, "ref", ref)
			}
		}
		return raw
	})
}

// replaceAttr swaps the value of attribute key in a raw start tag. The
// tokenizer hands out unescaped values, so the escaped spelling is
// tried as well.
func replaceAttr(raw, key, oldVal, newVal string) (string, bool) {
	candidates := []string{oldVal}
	if esc := html.EscapeString(oldVal); esc != oldVal {
		candidates = append(candidates, esc)
	}
	for _, v := range candidates {
		q := regexp.QuoteMeta(v)
		k := regexp.QuoteMeta(key)

		quoted := regexp.MustCompile(`(?i)(\s` + k + `\s*=\s*)(?:"` + q + `"|'` + q + `')`)
		if loc := quoted.FindStringSubmatchIndex(raw); loc != nil {
			return raw[:loc[3]] + `"` + newVal + `"` + raw[loc[1]:], true
		}

		bare := regexp.MustCompile(`(?i)(\s` + k + `\s*=\s*)` + q + `(\s|/?>)`)
		if loc := bare.FindStringSubmatchIndex(raw); loc != nil {
			return raw[:loc[3]] + `"` + newVal + `"` + raw[loc[4]:], true
		}
	}
	return raw, false
}

var attrEscaper = strings.NewReplacer("&", "&amp;", `"`, "&#34;")

// RewriteInline rewrites <style> blocks, style attributes and inline
// <script> blocks of a markup document located in baseDir.
func (e *Engine) RewriteInline(ctx context.Context, c *handles.Cache, text, baseDir string) string {
	var rawText string
	return scanTokens(text, func(tt html.TokenType, raw string, z *html.Tokenizer) string {
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			rawText = ""
			if tt == html.StartTagToken {
				switch string(name) {
				case "style", "script":
					rawText = string(name)
				}
			}
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if string(key) != "style" {
					continue
				}
				// The value is written back double quoted, so the handle
				// goes in bare.
				style := string(val)
				rewritten := e.rewriteCSS(ctx, c, style, baseDir, "")
				if rewritten == style {
					break
				}
				if replaced, ok := replaceAttr(raw, "style", style, attrEscaper.Replace(rewritten)); ok {
					raw = replaced
				} else {
					e.logger.Warn("attribute value not found verbatim in tag", "pass", "inline", "attr", "style")
				}
				break
			}
			return raw
		case html.TextToken:
			kind := rawText
			rawText = ""
			switch kind {
			case "style":
				return e.rewriteCSS(ctx, c, raw, baseDir, `"`)
			case "script":
				return e.RewriteScript(ctx, c, raw, baseDir)
			}
			return raw
		default:
			rawText = ""
			return raw
		}
	})
}

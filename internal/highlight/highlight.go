// Package highlight provides per-extension syntax highlighting backed by chroma.
package highlight

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// DefaultStyle is used when no style is named.
const DefaultStyle = "github"

// Span is a highlighted byte range of the source text.
type Span struct {
	Start int              `json:"start"`
	End   int              `json:"end"`
	Type  chroma.TokenType `json:"-"`
	Class string           `json:"class"`
}

// builtin maps extensions to lexers for the languages the browser highlights.
var builtin = map[string]string{
	"py":   "python",
	"lua":  "lua",
	"xml":  "xml",
	"html": "html",
	"htm":  "html",
}

// Lexer returns the lexer for an extension (no dot, any case), or nil.
func Lexer(ext string) chroma.Lexer {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" {
		return nil
	}
	switch ext {
	case "usd", "usda", "usdc", "usdz":
		return USD
	}
	if name, ok := builtin[ext]; ok {
		return lexers.Get(name)
	}
	return lexers.Match("file." + ext)
}

// Spans returns ordered, non-overlapping highlighted ranges of text. Plain
// text and names are not reported. Unknown extensions yield no spans.
func Spans(ext, text string) ([]Span, error) {
	lexer := Lexer(ext)
	if lexer == nil {
		return nil, nil
	}

	it, err := chroma.Coalesce(lexer).Tokenise(nil, text)
	if err != nil {
		return nil, fmt.Errorf("tokenise: %w", err)
	}

	var spans []Span
	pos := 0
	for tok := it(); tok != chroma.EOF; tok = it() {
		start := pos
		pos += len(tok.Value)
		if start >= len(text) {
			break
		}
		if plain(tok.Type) {
			continue
		}
		end := pos
		if end > len(text) {
			end = len(text)
		}
		spans = append(spans, Span{Start: start, End: end, Type: tok.Type, Class: chroma.StandardTypes[tok.Type]})
	}
	return spans, nil
}

func plain(t chroma.TokenType) bool {
	return t == chroma.Text || t == chroma.TextWhitespace || t == chroma.Name || t == chroma.Other
}

// Options control HTML output.
type Options struct {
	// Style is a chroma style name. Defaults to DefaultStyle.
	Style string

	// LineNumbers prefixes each line with its number.
	LineNumbers bool

	// TabWidth expands tabs. Zero keeps chroma's default.
	TabWidth int
}

// HTML writes text highlighted for ext as a standalone HTML document.
// Unknown extensions are written as plain text.
func HTML(w io.Writer, ext, text string, opts Options) error {
	lexer := Lexer(ext)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	style := styles.Get(opts.Style)
	if opts.Style == "" {
		style = styles.Get(DefaultStyle)
	}

	formatOpts := []html.Option{html.Standalone(true), html.WithLineNumbers(opts.LineNumbers)}
	if opts.TabWidth > 0 {
		formatOpts = append(formatOpts, html.TabWidth(opts.TabWidth))
	}

	it, err := chroma.Coalesce(lexer).Tokenise(nil, text)
	if err != nil {
		return fmt.Errorf("tokenise: %w", err)
	}
	if err := html.New(formatOpts...).Format(w, style, it); err != nil {
		return fmt.Errorf("format html: %w", err)
	}
	return nil
}

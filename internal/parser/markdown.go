package parser

import (
	"context"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/usdmanager/usdmanager/internal/types"
)

// MarkdownExtensions are handled by MarkdownParser.
var MarkdownExtensions = []string{"md", "markdown"}

// MarkdownParser adds markdown link and image destinations to the quoted
// references found by the generic dialect.
type MarkdownParser struct {
	md goldmark.Markdown
}

// NewMarkdownParser creates a markdown parser.
func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{md: goldmark.New()}
}

func (p *MarkdownParser) Name() string { return "markdown" }

func (p *MarkdownParser) CanHandle(ext string) bool {
	for _, e := range MarkdownExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

func (p *MarkdownParser) Classify(src string, ctx Context) []types.Link {
	tokens := Scan(src, NewDialect(ctx.Extensions))
	tokens = append(tokens, p.destinations(src)...)
	sort.SliceStable(tokens, func(i, j int) bool {
		return tokens[i].Start < tokens[j].Start
	})

	// A destination inside quotes is also a quoted token; keep the first.
	kept := tokens[:0]
	end := -1
	for _, tok := range tokens {
		if tok.Start < end {
			continue
		}
		kept = append(kept, tok)
		end = tok.End
	}
	return classifyTokens(kept, ctx)
}

func (p *MarkdownParser) Read(_ context.Context, path string) (Source, error) {
	return readText(path)
}

// destinations returns local link and image targets. goldmark does not keep
// destination offsets, so each one is located in the source after the previous.
func (p *MarkdownParser) destinations(src string) []types.ReferenceToken {
	source := []byte(src)
	doc := p.md.Parser().Parse(text.NewReader(source))

	var tokens []types.ReferenceToken
	from := 0
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		var dest string
		switch node := n.(type) {
		case *ast.Link:
			dest = string(node.Destination)
		case *ast.Image:
			dest = string(node.Destination)
		default:
			return ast.WalkContinue, nil
		}
		if !isLocalDestination(dest) {
			return ast.WalkContinue, nil
		}

		idx := strings.Index(src[from:], "("+dest)
		if idx < 0 {
			return ast.WalkContinue, nil
		}
		start := from + idx + 1
		tokens = append(tokens, types.ReferenceToken{
			Text:      dest,
			Start:     start,
			End:       start + len(dest),
			Delimiter: types.DelimiterBare,
		})
		from = start + len(dest)
		return ast.WalkContinue, nil
	})

	return tokens
}

// isLocalDestination rejects anchors and non-file URLs.
func isLocalDestination(dest string) bool {
	if dest == "" || strings.HasPrefix(dest, "#") {
		return false
	}
	if strings.HasPrefix(dest, fileScheme) {
		return true
	}
	return !uriPattern.MatchString(dest)
}

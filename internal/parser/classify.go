package parser

import (
	"github.com/usdmanager/usdmanager/internal/types"
)

// Classify detects and resolves every reference in text with the generic dialect.
// It never fails; anything that cannot be resolved is reported as Unresolved.
func Classify(text string, ctx Context) []types.Link {
	return classifyTokens(Scan(text, NewDialect(ctx.Extensions)), ctx)
}

// classifyTokens resolves tokens against ctx using one cached resolver.
func classifyTokens(tokens []types.ReferenceToken, ctx Context) []types.Link {
	if len(tokens) == 0 {
		return nil
	}
	r := NewResolver(ctx)
	links := make([]types.Link, 0, len(tokens))
	for _, tok := range tokens {
		links = append(links, types.Link{Token: tok, Resolution: r.Resolve(tok.Text)})
	}
	return links
}

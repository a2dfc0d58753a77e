package parser

import (
	"context"
	"fmt"
	"os"

	"github.com/usdmanager/usdmanager/internal/types"
)

// TextParser handles any file as plain text with the generic dialect.
type TextParser struct{}

// NewTextParser creates the fallback parser.
func NewTextParser() *TextParser {
	return &TextParser{}
}

func (p *TextParser) Name() string { return "text" }

func (p *TextParser) CanHandle(string) bool { return true }

func (p *TextParser) Classify(text string, ctx Context) []types.Link {
	return Classify(text, ctx)
}

func (p *TextParser) Read(_ context.Context, path string) (Source, error) {
	return readText(path)
}

func readText(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("read file: %w", err)
	}
	return Source{Text: string(data), Format: types.FormatNone}, nil
}

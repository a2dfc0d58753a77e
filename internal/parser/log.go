package parser

import (
	"context"

	"github.com/usdmanager/usdmanager/internal/types"
)

// LogExtensions are handled by LogParser.
var LogExtensions = []string{"log", "txt"}

// LogParser handles log output, where references are often followed by
// ", line N" as in Python tracebacks.
type LogParser struct{}

// NewLogParser creates a log parser.
func NewLogParser() *LogParser {
	return &LogParser{}
}

func (p *LogParser) Name() string { return "log" }

func (p *LogParser) CanHandle(ext string) bool {
	for _, e := range LogExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

func (p *LogParser) Classify(text string, ctx Context) []types.Link {
	d := NewDialect(ctx.Extensions)
	d.LineNumbers = true
	return classifyTokens(Scan(text, d), ctx)
}

func (p *LogParser) Read(_ context.Context, path string) (Source, error) {
	return readText(path)
}

package parser

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/usdmanager/usdmanager/internal/types"
	"github.com/usdmanager/usdmanager/internal/usd"
)

// Source is the text a parser loaded for a path.
type Source struct {
	Text   string
	Format types.Format

	// Dir is the directory relative references resolve against. Empty means the
	// directory of the loaded path.
	Dir string
}

// Parser reads one family of file formats and classifies the references in it.
type Parser interface {
	// Name identifies the parser in logs and documents.
	Name() string

	// CanHandle reports whether the parser handles the lower-cased extension (no dot).
	CanHandle(ext string) bool

	// Classify finds and resolves references in text.
	Classify(text string, ctx Context) []types.Link

	// Read loads the file at path as displayable text.
	Read(ctx context.Context, path string) (Source, error)
}

// Options configure the parsers built by NewRegistry.
type Options struct {
	// Converter converts crate layers to text. Nil finds usdcat on PATH.
	Converter *usd.Converter

	// TmpDir receives converted layers and extracted usdz packages. Empty
	// means a per-session directory removed by Close.
	TmpDir string

	// Logger for parser logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Registry selects a parser by file extension. The first registered parser
// that can handle an extension wins.
type Registry struct {
	parsers  []Parser
	fallback Parser
}

// NewRegistry creates a registry populated with the built-in parsers.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	converter := opts.Converter
	if converter == nil {
		converter = usd.NewConverter(usd.ConverterConfig{Logger: logger})
	}
	r := &Registry{fallback: NewTextParser()}
	r.Register(NewUsdParser(converter, opts.TmpDir, logger))
	r.Register(NewLogParser())
	r.Register(NewMarkdownParser())
	return r
}

// Register appends p. Parsers registered earlier take precedence.
func (r *Registry) Register(p Parser) {
	r.parsers = append(r.parsers, p)
}

// ForExtension returns the parser for ext, or nil when only the fallback applies.
func (r *Registry) ForExtension(ext string) Parser {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, p := range r.parsers {
		if p.CanHandle(ext) {
			return p
		}
	}
	return nil
}

// ForPath returns the parser for path, falling back to plain text.
func (r *Registry) ForPath(path string) Parser {
	if p := r.ForExtension(filepath.Ext(path)); p != nil {
		return p
	}
	return r.fallback
}

// Handles reports whether a registered (non-fallback) parser handles path.
func (r *Registry) Handles(path string) bool {
	return r.ForExtension(filepath.Ext(path)) != nil
}

// Close releases the temporary files held by registered parsers.
func (r *Registry) Close() error {
	var errs []error
	for _, p := range r.parsers {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

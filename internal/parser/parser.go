package parser

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	gitignore "github.com/monochromegane/go-gitignore"
	"golang.org/x/sync/errgroup"

	"github.com/usdmanager/usdmanager/internal/types"
)

// Default limits for loaded documents.
const (
	DefaultLineLimit     = 50000
	DefaultLineCharLimit = 999
)

// Config holds configuration for a FileParser.
type Config struct {
	// Registry selects parsers by extension. Defaults to NewRegistry(Options{}).
	Registry *Registry

	// SearchPaths are tried after a document's own directory.
	SearchPaths []string

	// Extensions is the recognised link extension set.
	Extensions []string

	// Getenv expands ~ and $VAR in references. Nil disables expansion.
	Getenv func(string) (string, bool)

	// DisableLinks skips reference classification entirely.
	DisableLinks bool

	// LineLimit caps the number of lines loaded. Zero means DefaultLineLimit.
	LineLimit int

	// LineCharLimit excludes longer lines from link parsing. Zero means DefaultLineCharLimit.
	LineCharLimit int

	// Concurrency bounds ParseTree workers. Zero means GOMAXPROCS.
	Concurrency int

	// Logger for parse logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// FileParser loads files into documents with classified links.
type FileParser struct {
	registry      *Registry
	searchPaths   []string
	extensions    []string
	getenv        func(string) (string, bool)
	disableLinks  bool
	lineLimit     int
	lineCharLimit int
	concurrency   int
	logger        *slog.Logger
}

// New creates a FileParser.
func New(cfg Config) *FileParser {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(Options{Logger: logger})
	}
	lineLimit := cfg.LineLimit
	if lineLimit <= 0 {
		lineLimit = DefaultLineLimit
	}
	lineCharLimit := cfg.LineCharLimit
	if lineCharLimit <= 0 {
		lineCharLimit = DefaultLineCharLimit
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	return &FileParser{
		registry:      registry,
		searchPaths:   cfg.SearchPaths,
		extensions:    cfg.Extensions,
		getenv:        cfg.Getenv,
		disableLinks:  cfg.DisableLinks,
		lineLimit:     lineLimit,
		lineCharLimit: lineCharLimit,
		concurrency:   concurrency,
		logger:        logger,
	}
}

// Registry returns the parser registry.
func (p *FileParser) Registry() *Registry {
	return p.registry
}

// Close releases the registry's temporary files.
func (p *FileParser) Close() error {
	return p.registry.Close()
}

// Context returns the classification context for a document in dir.
func (p *FileParser) Context(dir string) Context {
	return Context{
		BaseDir:     dir,
		SearchPaths: p.searchPaths,
		Extensions:  p.extensions,
		Getenv:      p.getenv,
	}
}

// ParseFile loads and classifies a single file.
func (p *FileParser) ParseFile(ctx context.Context, path string) (*types.Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	parser := p.registry.ForPath(abs)
	src, err := parser.Read(ctx, abs)
	if err != nil {
		return nil, err
	}
	if src.Dir == "" {
		src.Dir = filepath.Dir(abs)
	}

	return p.parse(parser, abs, src), nil
}

// ParseText classifies text as if it were the contents of path.
func (p *FileParser) ParseText(path, text string) *types.Document {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	parser := p.registry.ForPath(abs)
	return p.parse(parser, abs, Source{Text: text, Format: types.FormatNone, Dir: filepath.Dir(abs)})
}

func (p *FileParser) parse(parser Parser, path string, src Source) *types.Document {
	doc := &types.Document{
		Path:   path,
		Format: src.Format,
		Parser: parser.Name(),
		Dir:    src.Dir,
		Text:   src.Text,
	}

	if text, truncated := truncateLines(doc.Text, p.lineLimit); truncated {
		doc.Text = text
		doc.Truncated = true
		doc.Warning = fmt.Sprintf("Extremely large file! Capping display at %s lines.", humanize.Comma(int64(p.lineLimit)))
		p.logger.Warn("truncated document", "path", path, "lines", p.lineLimit)
	}

	if p.disableLinks {
		return doc
	}
	doc.Links = parser.Classify(maskLongLines(doc.Text, p.lineCharLimit), p.Context(src.Dir))
	return doc
}

// truncateLines keeps the first limit lines of text.
func truncateLines(text string, limit int) (string, bool) {
	idx := 0
	for n := 0; n < limit; n++ {
		nl := strings.IndexByte(text[idx:], '\n')
		if nl < 0 {
			return text, false
		}
		idx += nl + 1
	}
	if idx >= len(text) {
		return text, false
	}
	return text[:idx], true
}

// maskLongLines blanks lines longer than limit so they yield no references.
// Byte offsets are preserved.
func maskLongLines(text string, limit int) string {
	var b []byte
	start := 0
	for start < len(text) {
		end := strings.IndexByte(text[start:], '\n')
		if end < 0 {
			end = len(text)
		} else {
			end += start
		}
		if end-start > limit {
			if b == nil {
				b = []byte(text)
			}
			for i := start; i < end; i++ {
				b[i] = ' '
			}
		}
		start = end + 1
	}
	if b == nil {
		return text
	}
	return string(b)
}

// ParseTree parses every file under root that a registered parser handles.
// Hidden directories and .gitignore matches are skipped. Files that fail to
// parse are logged and skipped. Documents are returned in walk order.
func (p *FileParser) ParseTree(ctx context.Context, root string) ([]*types.Document, error) {
	files, err := p.ListFiles(root)
	if err != nil {
		return nil, err
	}

	docs := make([]*types.Document, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			doc, err := p.ParseFile(gctx, path)
			if err != nil {
				p.logger.Warn("failed to parse file", "path", path, "error", err)
				return nil
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := docs[:0]
	for _, doc := range docs {
		if doc != nil {
			out = append(out, doc)
		}
	}
	return out, nil
}

// ListFiles returns the files under root that ParseTree would parse.
func (p *FileParser) ListFiles(root string) ([]string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	ignore := LoadGitignore(root)

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path != root && (ShouldSkipDirectory(path) || (ignore != nil && ignore.Match(path, true))) {
				return filepath.SkipDir
			}
			return nil
		}

		if ignore != nil && ignore.Match(path, false) {
			return nil
		}
		if p.registry.Handles(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return files, nil
}

// ShouldSkipDirectory reports whether a directory is hidden.
func ShouldSkipDirectory(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

// LoadGitignore returns the matcher for root/.gitignore, or nil when there is none.
func LoadGitignore(root string) gitignore.IgnoreMatcher {
	path := filepath.Join(root, ".gitignore")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	ignore, err := gitignore.NewGitIgnore(path, root)
	if err != nil {
		return nil
	}
	return ignore
}

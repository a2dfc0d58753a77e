package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/usdmanager/usdmanager/internal/types"
	"github.com/usdmanager/usdmanager/internal/usd"
)

// UsdParser handles USD layers. Crate layers are converted to usda text with
// usdcat and usdz packages are opened through their root layer.
type UsdParser struct {
	converter *usd.Converter
	tmpDir    string
	session   bool
	logger    *slog.Logger

	mu       sync.Mutex
	packages map[string]extracted
}

type extracted struct {
	dir     string
	modTime int64
}

// NewUsdParser creates a USD parser. An empty tmpDir gets a session directory
// on first use, removed again by Close.
func NewUsdParser(converter *usd.Converter, tmpDir string, logger *slog.Logger) *UsdParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsdParser{
		converter: converter,
		tmpDir:    tmpDir,
		session:   tmpDir == "",
		logger:    logger,
		packages:  make(map[string]extracted),
	}
}

func (p *UsdParser) Name() string { return "usd" }

func (p *UsdParser) CanHandle(ext string) bool {
	return usd.IsExtension(ext)
}

// Classify resolves references with the USD dialect and marks links to crate
// layers as binary.
func (p *UsdParser) Classify(text string, ctx Context) []types.Link {
	d := NewDialect(ctx.Extensions)
	d.Layers = true
	links := classifyTokens(Scan(text, d), ctx)

	crate := make(map[string]bool)
	for i := range links {
		if links[i].Resolution.Kind != types.Resolved {
			continue
		}
		path := links[i].Resolution.Path()
		binary, ok := crate[path]
		if !ok {
			binary = usd.IsBinary(path)
			crate[path] = binary
		}
		links[i].Binary = binary
	}
	return links
}

// Read loads a layer as text. Crate layers go through usdcat, usdz packages
// are extracted and their root layer is read instead.
func (p *UsdParser) Read(ctx context.Context, path string) (Source, error) {
	return p.ReadLayer(ctx, path, "")
}

// ReadLayer is Read with an explicit layer inside a usdz package.
func (p *UsdParser) ReadLayer(ctx context.Context, path, layer string) (Source, error) {
	format := usd.DetectFormat(path)
	switch format {
	case types.FormatUSDZ:
		return p.readPackage(ctx, path, layer)
	case types.FormatUSDC:
		return p.readCrate(ctx, path)
	default:
		src, err := readText(path)
		src.Format = format
		return src, err
	}
}

func (p *UsdParser) readCrate(ctx context.Context, path string) (Source, error) {
	p.mu.Lock()
	dir, err := p.workDir()
	p.mu.Unlock()
	if err != nil {
		return Source{}, err
	}

	tmp, err := p.converter.ToASCII(ctx, path, dir)
	if err != nil {
		return Source{}, fmt.Errorf("read crate layer: %w", err)
	}
	defer os.Remove(tmp)

	src, err := readText(tmp)
	if err != nil {
		return Source{}, err
	}
	src.Format = types.FormatUSDC
	src.Dir = filepath.Dir(path)
	return src, nil
}

func (p *UsdParser) readPackage(ctx context.Context, path, layer string) (Source, error) {
	dir, err := p.extract(path)
	if err != nil {
		return Source{}, err
	}

	if layer == "" {
		if first, err := usd.FirstLayer(path); err == nil {
			layer = first
		}
	}
	inner, err := usd.DefaultLayer(dir, layer)
	if err != nil {
		return Source{}, fmt.Errorf("open usdz %s: %w", path, err)
	}

	src, err := p.ReadLayer(ctx, inner, "")
	if err != nil {
		return Source{}, err
	}
	if src.Dir == "" {
		src.Dir = filepath.Dir(inner)
	}
	return src, nil
}

// extract unzips a package once per modification time.
func (p *UsdParser) extract(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat usdz: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.packages[path]; ok {
		if e.modTime == info.ModTime().UnixNano() {
			if _, err := os.Stat(e.dir); err == nil {
				return e.dir, nil
			}
		}
		if err := os.RemoveAll(e.dir); err != nil {
			p.logger.Warn("failed to remove stale usdz extraction", "dir", e.dir, "error", err)
		}
		delete(p.packages, path)
	}

	work, err := p.workDir()
	if err != nil {
		return "", err
	}
	dir, err := usd.Unzip(path, work)
	if err != nil {
		return "", err
	}
	p.logger.Debug("extracted usdz", "path", path, "dir", dir)
	p.packages[path] = extracted{dir: dir, modTime: info.ModTime().UnixNano()}
	return dir, nil
}

// workDir returns the temp directory, creating the session directory on first
// use. Callers hold p.mu.
func (p *UsdParser) workDir() (string, error) {
	if p.tmpDir != "" {
		return p.tmpDir, nil
	}
	dir, err := os.MkdirTemp("", "usdmanager-")
	if err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	p.tmpDir = dir
	return dir, nil
}

// Close removes every extracted package, and the session directory when the
// parser created it. The parser stays usable afterwards.
func (p *UsdParser) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for path, e := range p.packages {
		if err := os.RemoveAll(e.dir); err != nil {
			errs = append(errs, err)
		}
		delete(p.packages, path)
	}
	if p.session && p.tmpDir != "" {
		if err := os.RemoveAll(p.tmpDir); err != nil {
			errs = append(errs, err)
		}
		p.tmpDir = ""
	}
	return errors.Join(errs...)
}

// Package watcher keeps the layer reference graph current as files change.
package watcher

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	gitignore "github.com/monochromegane/go-gitignore"

	"github.com/usdmanager/usdmanager/internal/db"
	"github.com/usdmanager/usdmanager/internal/parser"
	"github.com/usdmanager/usdmanager/internal/types"
)

// DefaultDebounce is how long a file must stay quiet before it is re-parsed.
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches a directory tree for layer changes.
type Watcher struct {
	root       string
	db         *db.GraphDB
	parser     *parser.FileParser
	ownsParser bool
	ignore     gitignore.IgnoreMatcher
	onChange func(*types.Document)
	onRemove func(string)
	logger   *slog.Logger

	watcher  *fsnotify.Watcher
	debounce time.Duration
	pending  map[string]time.Time
	// moved holds pending paths that appeared or disappeared, whose
	// referrers need classifying again.
	moved map[string]bool
	mu    sync.Mutex

	// Hash tracking to avoid reprocessing unchanged files
	fileHashes map[string]string
	hashMu     sync.RWMutex

	currentlyProcessing map[string]bool
	processingMu        sync.Mutex
}

// Config holds watcher configuration.
type Config struct {
	// Root is the directory to watch.
	Root string

	// DB receives re-indexed layers. Nil skips indexing.
	DB *db.GraphDB

	// Parser loads changed files. Defaults to parser.New with the same logger,
	// closed by Stop.
	Parser *parser.FileParser

	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration

	// OnChange is called with each re-parsed document.
	OnChange func(*types.Document)

	// OnRemove is called with the path of each deleted file.
	OnRemove func(path string)

	Logger *slog.Logger
}

// New creates a new file watcher.
func New(cfg Config) (*Watcher, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	debounce := cfg.Debounce
	if debounce == 0 {
		debounce = DefaultDebounce
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := cfg.Parser
	owns := p == nil
	if owns {
		p = parser.New(parser.Config{Logger: logger})
	}

	return &Watcher{
		root:                root,
		db:                  cfg.DB,
		parser:              p,
		ownsParser:          owns,
		ignore:              parser.LoadGitignore(root),
		onChange:            cfg.OnChange,
		onRemove:            cfg.OnRemove,
		logger:              logger,
		watcher:             fsWatcher,
		debounce:            debounce,
		pending:             make(map[string]time.Time),
		moved:               make(map[string]bool),
		fileHashes:          make(map[string]string),
		currentlyProcessing: make(map[string]bool),
	}, nil
}

// Root returns the watched directory.
func (w *Watcher) Root() string {
	return w.root
}

// Start begins watching the root directory.
func (w *Watcher) Start(ctx context.Context) error {
	err := filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.skipped(path, true) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}

	w.logger.Info("started watching", "path", w.root)

	go w.processEvents(ctx)
	go w.processDebounced(ctx)

	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	if w.ownsParser {
		if cerr := w.parser.Close(); cerr != nil {
			w.logger.Warn("failed to remove temporary files", "error", cerr)
		}
	}
	return err
}

// skipped reports whether path is hidden below the root or git-ignored.
func (w *Watcher) skipped(path string, isDir bool) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}
	return w.ignore != nil && w.ignore.Match(path, isDir)
}

// watches reports whether events for path should be queued.
func (w *Watcher) watches(path string) bool {
	return w.parser.Registry().Handles(path) && !w.skipped(path, false)
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			moved := event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0

			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !w.skipped(event.Name, true) {
						_ = w.watcher.Add(event.Name)
						w.queue(event.Name, true)
					}
					continue
				}
			}

			if w.watches(event.Name) || (moved && !w.skipped(event.Name, false)) {
				w.queue(event.Name, moved)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// queue schedules path for processing once it has been quiet for the debounce.
func (w *Watcher) queue(path string, moved bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = time.Now()
	if moved {
		w.moved[path] = true
	}
}

func (w *Watcher) processDebounced(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.mu.Lock()
			now := time.Now()
			var ready []string
			moved := make(map[string]bool)
			for path, queued := range w.pending {
				if now.Sub(queued) >= w.debounce {
					ready = append(ready, path)
				}
			}
			for _, path := range ready {
				delete(w.pending, path)
				if w.moved[path] {
					moved[path] = true
					delete(w.moved, path)
				}
			}
			w.mu.Unlock()

			for _, path := range ready {
				if w.watches(path) {
					w.handleFileChange(ctx, path)
				}
				if moved[path] {
					w.refreshReferrers(ctx, path)
				}
			}
		}
	}
}

func computeFileHash(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hasContentChanged checks if file content has changed since last index.
func (w *Watcher) hasContentChanged(filePath string) bool {
	currentHash, err := computeFileHash(filePath)
	if err != nil {
		return true
	}

	w.hashMu.RLock()
	storedHash, exists := w.fileHashes[filePath]
	w.hashMu.RUnlock()

	return !exists || currentHash != storedHash
}

func (w *Watcher) updateFileHash(filePath string) {
	hash, err := computeFileHash(filePath)
	if err != nil {
		return
	}
	w.hashMu.Lock()
	w.fileHashes[filePath] = hash
	w.hashMu.Unlock()
}

func (w *Watcher) clearFileHash(filePath string) {
	w.hashMu.Lock()
	delete(w.fileHashes, filePath)
	w.hashMu.Unlock()
}

// markProcessing returns false if filePath is already being processed.
func (w *Watcher) markProcessing(filePath string) bool {
	w.processingMu.Lock()
	defer w.processingMu.Unlock()

	if w.currentlyProcessing[filePath] {
		return false
	}
	w.currentlyProcessing[filePath] = true
	return true
}

func (w *Watcher) unmarkProcessing(filePath string) {
	w.processingMu.Lock()
	delete(w.currentlyProcessing, filePath)
	w.processingMu.Unlock()
}

func (w *Watcher) handleFileChange(ctx context.Context, filePath string) {
	if !w.markProcessing(filePath) {
		w.logger.Debug("file already being processed, skipping", "path", filePath)
		return
	}
	defer w.unmarkProcessing(filePath)

	if _, err := os.Stat(filePath); err != nil {
		w.handleFileRemoved(ctx, filePath)
		return
	}

	if !w.hasContentChanged(filePath) {
		w.logger.Debug("file content unchanged, skipping", "path", filePath)
		return
	}

	w.reindex(ctx, filePath)
}

// reindex parses filePath and replaces its layer in the graph.
func (w *Watcher) reindex(ctx context.Context, filePath string) {
	doc, err := w.parser.ParseFile(ctx, filePath)
	if err != nil {
		w.logger.Error("failed to parse file", "path", filePath, "error", err)
		return
	}

	if w.db != nil {
		if err := w.db.IndexDocument(ctx, doc); err != nil {
			w.logger.Error("failed to index layer", "path", filePath, "error", err)
			return
		}
	}

	w.updateFileHash(filePath)
	w.logger.Info("reindexed layer", "path", filePath, "links", len(doc.Links))

	if w.onChange != nil {
		w.onChange(doc)
	}
}

// refreshReferrers re-indexes the layers referring to path after it appeared
// or disappeared. Their text is unchanged but their links now classify
// differently, so the content hash check is bypassed.
func (w *Watcher) refreshReferrers(ctx context.Context, path string) {
	if w.db == nil {
		return
	}
	deps, err := w.db.Dependents(ctx, path)
	if err != nil {
		w.logger.Error("failed to query referrers", "path", path, "error", err)
		return
	}

	seen := make(map[string]bool)
	for _, d := range deps {
		source := d.Source
		if source == path || seen[source] {
			continue
		}
		seen[source] = true
		if _, err := os.Stat(source); err != nil {
			continue
		}
		if !w.markProcessing(source) {
			continue
		}
		w.logger.Debug("referenced file changed, reclassifying", "path", path, "layer", source)
		w.reindex(ctx, source)
		w.unmarkProcessing(source)
	}
}

func (w *Watcher) handleFileRemoved(ctx context.Context, filePath string) {
	if w.db != nil {
		if err := w.db.DeleteLayer(ctx, filePath); err != nil {
			w.logger.Error("failed to delete layer", "path", filePath, "error", err)
		}
	}
	w.clearFileHash(filePath)
	w.logger.Info("file deleted, layer removed", "path", filePath)

	if w.onRemove != nil {
		w.onRemove(filePath)
	}
}

// InitialIndex parses the whole tree and indexes every layer. With rebuild
// the graph is cleared first. Indexed layers under the root that no longer
// exist are removed. It returns the number of documents indexed.
func (w *Watcher) InitialIndex(ctx context.Context, rebuild bool) (int, error) {
	w.logger.Info("starting initial index", "root", w.root, "rebuild", rebuild)

	if rebuild && w.db != nil {
		if err := w.db.ClearDatabase(ctx); err != nil {
			return 0, err
		}
	}

	docs, err := w.parser.ParseTree(ctx, w.root)
	if err != nil {
		return 0, fmt.Errorf("parse tree: %w", err)
	}
	w.logger.Info("parsed tree", "documents", len(docs))

	for _, doc := range docs {
		if w.db != nil {
			if err := w.db.IndexDocument(ctx, doc); err != nil {
				return 0, fmt.Errorf("index %s: %w", doc.Path, err)
			}
		}
		w.updateFileHash(doc.Path)
	}

	if w.db != nil && !rebuild {
		if err := w.removeStale(ctx); err != nil {
			w.logger.Warn("failed to remove stale layers", "error", err)
		}
	}

	w.logger.Info("initial index complete", "documents", len(docs))
	return len(docs), nil
}

// removeStale deletes indexed layers under the root whose files are gone.
func (w *Watcher) removeStale(ctx context.Context) error {
	layers, err := w.db.Layers(ctx)
	if err != nil {
		return err
	}
	prefix := w.root + string(filepath.Separator)
	for _, path := range layers {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := w.db.DeleteLayer(ctx, path); err != nil {
			return err
		}
		w.logger.Info("removed stale layer", "path", path)
	}
	return nil
}

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/usdmanager/usdmanager/internal/db"
	"github.com/usdmanager/usdmanager/internal/types"
)

func createTempDB(t *testing.T) *db.GraphDB {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "watcher-test-db-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	graphDB, err := db.Open(db.Config{
		Path:        filepath.Join(tmpDir, "test.db"),
		AutoRecover: true,
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { graphDB.Close() })

	return graphDB
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// createTempTree creates shot.usda referring to set.usda and a missing layer.
func createTempTree(t *testing.T) string {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "watcher-test-tree-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	// Resolve symlinked temp dirs so paths match the parser's.
	if resolved, err := filepath.EvalSymlinks(tmpDir); err == nil {
		tmpDir = resolved
	}

	writeFile(t, filepath.Join(tmpDir, "shot.usda"), `#usda 1.0
(
    subLayers = [@./set.usda@, @./missing.usda@]
)
`)
	writeFile(t, filepath.Join(tmpDir, "set.usda"), "#usda 1.0\n")

	return tmpDir
}

func TestNewWatcher(t *testing.T) {
	root := createTempTree(t)

	w, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer w.Stop()

	if w.Root() != root {
		t.Errorf("Root() = %s, want %s", w.Root(), root)
	}
	if w.debounce != DefaultDebounce {
		t.Errorf("debounce = %v, want %v", w.debounce, DefaultDebounce)
	}
}

func TestNewWatcherCustomDebounce(t *testing.T) {
	root := createTempTree(t)

	customDebounce := 100 * time.Millisecond
	w, err := New(Config{Root: root, Debounce: customDebounce})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer w.Stop()

	if w.debounce != customDebounce {
		t.Errorf("debounce = %v, want %v", w.debounce, customDebounce)
	}
}

func TestWatcherStartStop(t *testing.T) {
	root := createTempTree(t)

	w, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if err := w.Stop(); err != nil {
		t.Errorf("Stop() failed: %v", err)
	}
}

func TestSkipped(t *testing.T) {
	root := createTempTree(t)
	writeFile(t, filepath.Join(root, ".gitignore"), "cache/\n*.bak.usda\n")

	w, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer w.Stop()

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{filepath.Join(root, "shot.usda"), false, false},
		{filepath.Join(root, ".hidden", "a.usda"), false, true},
		{filepath.Join(root, "sub", ".git"), true, true},
		{filepath.Join(root, "cache"), true, true},
		{filepath.Join(root, "old.bak.usda"), false, true},
		{filepath.Join(filepath.Dir(root), "outside.usda"), false, true},
	}
	for _, tt := range tests {
		if got := w.skipped(tt.path, tt.isDir); got != tt.want {
			t.Errorf("skipped(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}

	if w.watches(filepath.Join(root, "image.exr")) {
		t.Error("files without a registered parser extension should not be watched")
	}
}

func TestInitialIndex(t *testing.T) {
	graphDB := createTempDB(t)
	root := createTempTree(t)

	w, err := New(Config{Root: root, DB: graphDB})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer w.Stop()

	ctx := context.Background()
	count, err := w.InitialIndex(ctx, false)
	if err != nil {
		t.Fatalf("InitialIndex() failed: %v", err)
	}
	if count != 2 {
		t.Errorf("InitialIndex() = %d, want 2 documents", count)
	}

	deps, err := graphDB.Dependencies(ctx, filepath.Join(root, "shot.usda"))
	if err != nil {
		t.Fatalf("Dependencies() failed: %v", err)
	}
	if len(deps) != 2 {
		t.Fatalf("Dependencies() = %+v, want 2", deps)
	}
	if deps[0].Kind != types.Resolved || deps[0].Target != filepath.Join(root, "set.usda") {
		t.Errorf("deps[0] = %+v, want resolved set.usda", deps[0])
	}
	if deps[1].Kind != types.Unresolved {
		t.Errorf("deps[1] = %+v, want unresolved", deps[1])
	}
}

func TestInitialIndexWithRebuild(t *testing.T) {
	graphDB := createTempDB(t)
	root := createTempTree(t)

	w, err := New(Config{Root: root, DB: graphDB})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer w.Stop()

	ctx := context.Background()

	count1, err := w.InitialIndex(ctx, false)
	if err != nil {
		t.Fatalf("first InitialIndex() failed: %v", err)
	}
	count2, err := w.InitialIndex(ctx, true)
	if err != nil {
		t.Fatalf("second InitialIndex() with rebuild failed: %v", err)
	}
	if count1 != count2 {
		t.Errorf("document counts differ: first=%d, rebuild=%d", count1, count2)
	}

	layers, err := graphDB.Layers(ctx)
	if err != nil {
		t.Fatalf("Layers() failed: %v", err)
	}
	if len(layers) != 2 {
		t.Errorf("Layers() = %v, want 2 indexed layers", layers)
	}
}

func TestInitialIndexRemovesStaleLayers(t *testing.T) {
	graphDB := createTempDB(t)
	root := createTempTree(t)

	w, err := New(Config{Root: root, DB: graphDB})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer w.Stop()

	ctx := context.Background()
	if _, err := w.InitialIndex(ctx, false); err != nil {
		t.Fatalf("InitialIndex() failed: %v", err)
	}

	if err := os.Remove(filepath.Join(root, "shot.usda")); err != nil {
		t.Fatalf("failed to remove shot.usda: %v", err)
	}
	if _, err := w.InitialIndex(ctx, false); err != nil {
		t.Fatalf("InitialIndex() failed: %v", err)
	}

	layers, err := graphDB.Layers(ctx)
	if err != nil {
		t.Fatalf("Layers() failed: %v", err)
	}
	if len(layers) != 1 || layers[0] != filepath.Join(root, "set.usda") {
		t.Errorf("Layers() = %v, want only set.usda", layers)
	}
}

func TestSkipsHiddenDirectories(t *testing.T) {
	graphDB := createTempDB(t)
	root := createTempTree(t)
	writeFile(t, filepath.Join(root, ".cache", "hidden.usda"), "#usda 1.0\n")

	w, err := New(Config{Root: root, DB: graphDB})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer w.Stop()

	count, err := w.InitialIndex(context.Background(), false)
	if err != nil {
		t.Fatalf("InitialIndex() failed: %v", err)
	}
	if count != 2 {
		t.Errorf("InitialIndex() = %d, hidden directory should be skipped", count)
	}
}

func TestNestedDirectoryIndexing(t *testing.T) {
	graphDB := createTempDB(t)
	root := createTempTree(t)
	nested := filepath.Join(root, "level1", "level2", "nested.usda")
	writeFile(t, nested, "#usda 1.0\n")

	w, err := New(Config{Root: root, DB: graphDB})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer w.Stop()

	ctx := context.Background()
	if _, err := w.InitialIndex(ctx, false); err != nil {
		t.Fatalf("InitialIndex() failed: %v", err)
	}

	results, err := graphDB.Execute(ctx, `MATCH (l:Layer) WHERE l.path CONTAINS "nested.usda" RETURN l`, nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) == 0 {
		t.Error("nested directory files should be indexed")
	}
}

func TestFileChangeCallbacks(t *testing.T) {
	root := createTempTree(t)

	changed := make(chan *types.Document, 4)
	removed := make(chan string, 4)
	w, err := New(Config{
		Root:     root,
		Debounce: 20 * time.Millisecond,
		OnChange: func(doc *types.Document) { changed <- doc },
		OnRemove: func(path string) { removed <- path },
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	path := filepath.Join(root, "new.usda")
	writeFile(t, path, "#usda 1.0\n(\n    subLayers = [@./set.usda@]\n)\n")

	select {
	case doc := <-changed:
		if doc.Path != path {
			t.Errorf("OnChange path = %s, want %s", doc.Path, path)
		}
		if len(doc.Links) != 1 || doc.Links[0].Resolution.Kind != types.Resolved {
			t.Errorf("OnChange links = %+v, want one resolved link", doc.Links)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnChange")
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove file: %v", err)
	}

	select {
	case got := <-removed:
		if got != path {
			t.Errorf("OnRemove path = %s, want %s", got, path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnRemove")
	}
}

func TestUnchangedContentSkipped(t *testing.T) {
	root := createTempTree(t)

	calls := 0
	w, err := New(Config{Root: root, OnChange: func(*types.Document) { calls++ }})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer w.Stop()

	ctx := context.Background()
	path := filepath.Join(root, "set.usda")

	w.handleFileChange(ctx, path)
	w.handleFileChange(ctx, path)
	if calls != 1 {
		t.Errorf("OnChange called %d times, want 1 for unchanged content", calls)
	}

	writeFile(t, path, "#usda 1.0\n# edited\n")
	w.handleFileChange(ctx, path)
	if calls != 2 {
		t.Errorf("OnChange called %d times, want 2 after an edit", calls)
	}
}

// waitForKind polls the graph until layer's reference to target has kind.
func waitForKind(t *testing.T, graphDB *db.GraphDB, layer, target string, kind types.ResolutionKind) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last []types.Dependency
	for time.Now().Before(deadline) {
		deps, err := graphDB.Dependencies(context.Background(), layer)
		if err != nil {
			t.Fatalf("Dependencies failed: %v", err)
		}
		last = deps
		for _, d := range deps {
			if d.Target == target && d.Kind == kind {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s -> %s to be %s, have %+v", layer, target, kind, last)
}

func TestReferencedFileChangesReclassifyLayer(t *testing.T) {
	root := createTempTree(t)
	look := filepath.Join(root, "look.usda")
	tex := filepath.Join(root, "tex.exr")
	writeFile(t, look, "#usda 1.0\nasset inputs:file = @./tex.exr@\n")

	graphDB := createTempDB(t)
	w, err := New(Config{Root: root, DB: graphDB, Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := w.InitialIndex(ctx, false); err != nil {
		t.Fatalf("InitialIndex() failed: %v", err)
	}
	waitForKind(t, graphDB, look, tex, types.Unresolved)

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// tex.exr is not a layer itself; its arrival still changes look.usda's links.
	writeFile(t, tex, "exr")
	waitForKind(t, graphDB, look, tex, types.Resolved)

	if err := os.Remove(tex); err != nil {
		t.Fatalf("failed to remove file: %v", err)
	}
	waitForKind(t, graphDB, look, tex, types.Unresolved)
}

package parser

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/usdmanager/usdmanager/internal/types"
)

// Helper function to create a temp layer directory
func createTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "test_layers_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// Helper function to write a file below dir
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	filePath := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	return filePath
}

func envFrom(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func testContext(dir string, searchPaths ...string) Context {
	return Context{BaseDir: dir, SearchPaths: searchPaths, Extensions: testExtensions}
}

// ==================== Classify Tests ====================

func TestClassifyNoDelimiters(t *testing.T) {
	links := Classify("plain text with a.usd in it", testContext(createTempDir(t)))
	if len(links) != 0 {
		t.Errorf("Expected no links, got %v", links)
	}
}

func TestClassifyResolvedRelative(t *testing.T) {
	dir := createTempDir(t)
	path := writeFile(t, dir, "foo.usd", "#usda 1.0\n")

	links := Classify(`'foo.usd'`, testContext(dir))
	if len(links) != 1 {
		t.Fatalf("Expected 1 link, got %d", len(links))
	}
	res := links[0].Resolution
	if res.Kind != types.Resolved {
		t.Fatalf("Kind = %v, want %v", res.Kind, types.Resolved)
	}
	if len(res.Paths) != 1 || res.Paths[0] != path {
		t.Errorf("Paths = %v, want [%s]", res.Paths, path)
	}
	if !filepath.IsAbs(res.Path()) {
		t.Errorf("Path %q is not absolute", res.Path())
	}
}

func TestClassifyWildcardResolved(t *testing.T) {
	dir := createTempDir(t)
	a := writeFile(t, dir, "a.usd", "")
	b := writeFile(t, dir, "b.usd", "")
	writeFile(t, dir, "c.usda", "")

	// The base dir also appears as a search path; matches must not repeat.
	links := Classify(`'*.usd'`, testContext(dir, dir))
	if len(links) != 1 {
		t.Fatalf("Expected 1 link, got %d", len(links))
	}
	res := links[0].Resolution
	if res.Kind != types.WildcardResolved {
		t.Fatalf("Kind = %v, want %v", res.Kind, types.WildcardResolved)
	}
	if !reflect.DeepEqual(res.Paths, []string{a, b}) {
		t.Errorf("Paths = %v, want [%s %s]", res.Paths, a, b)
	}
}

func TestClassifyMissing(t *testing.T) {
	links := Classify(`'missing.usd'`, testContext(createTempDir(t)))
	if len(links) != 1 {
		t.Fatalf("Expected 1 link, got %d", len(links))
	}
	if links[0].Resolution.Kind != types.Unresolved {
		t.Errorf("Kind = %v, want %v", links[0].Resolution.Kind, types.Unresolved)
	}
	if len(links[0].Resolution.Paths) != 0 {
		t.Errorf("Paths = %v, want none", links[0].Resolution.Paths)
	}
}

func TestClassifyIdempotent(t *testing.T) {
	dir := createTempDir(t)
	writeFile(t, dir, "a.usd", "")
	writeFile(t, dir, "b.usd", "")
	text := `@a.usd@ "missing.usda" '*.usd' @b.usd@`

	first := Classify(text, testContext(dir))
	second := Classify(text, testContext(dir))
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Classify not idempotent:\n%v\n%v", first, second)
	}
}

func TestClassifyPreservesOrder(t *testing.T) {
	dir := createTempDir(t)
	writeFile(t, dir, "a.usd", "")
	text := "@z.usd@ 'a.usd'\n\"m.usda\" @a.usd@"

	links := Classify(text, testContext(dir))
	if len(links) != 4 {
		t.Fatalf("Expected 4 links, got %d", len(links))
	}
	want := []string{"z.usd", "a.usd", "m.usda", "a.usd"}
	for i, link := range links {
		if link.Token.Text != want[i] {
			t.Errorf("links[%d] = %q, want %q", i, link.Token.Text, want[i])
		}
		if i > 0 && link.Token.Start <= links[i-1].Token.Start {
			t.Errorf("links[%d] starts at %d, not after %d", i, link.Token.Start, links[i-1].Token.Start)
		}
	}
}

func TestClassifySelfReference(t *testing.T) {
	dir := createTempDir(t)
	path := writeFile(t, dir, "self.usda", `subLayers = [@./self.usda@]`)

	links := Classify(`subLayers = [@./self.usda@]`, testContext(dir))
	if len(links) != 1 || links[0].Resolution.Path() != path {
		t.Errorf("Expected self reference to resolve to %s, got %v", path, links)
	}
}

// ==================== Resolver Tests ====================

func TestResolveSearchPathOrder(t *testing.T) {
	base := createTempDir(t)
	first := createTempDir(t)
	second := createTempDir(t)
	inFirst := writeFile(t, first, "shared.usd", "")
	writeFile(t, second, "shared.usd", "")
	inSecond := writeFile(t, second, "only.usd", "")

	r := NewResolver(testContext(base, first, second))

	if got := r.Resolve("shared.usd").Path(); got != inFirst {
		t.Errorf("shared.usd = %q, want %q", got, inFirst)
	}
	if got := r.Resolve("only.usd").Path(); got != inSecond {
		t.Errorf("only.usd = %q, want %q", got, inSecond)
	}

	inBase := writeFile(t, base, "shared.usd", "")
	r = NewResolver(testContext(base, first, second))
	if got := r.Resolve("shared.usd").Path(); got != inBase {
		t.Errorf("base dir should win: got %q, want %q", got, inBase)
	}
}

func TestResolveWildcardDirectoryOrder(t *testing.T) {
	base := createTempDir(t)
	search := createTempDir(t)
	b := writeFile(t, base, "b.usd", "")
	a := writeFile(t, search, "a.usd", "")

	res := NewResolver(testContext(base, search)).Resolve("*.usd")
	if !reflect.DeepEqual(res.Paths, []string{b, a}) {
		t.Errorf("Paths = %v, want [%s %s]", res.Paths, b, a)
	}
}

func TestResolveUdimAndFrame(t *testing.T) {
	dir := createTempDir(t)
	t1001 := writeFile(t, dir, "tex.1001.exr", "")
	t1002 := writeFile(t, dir, "tex.1002.exr", "")
	writeFile(t, dir, "tex.0999.exr", "")
	f1 := writeFile(t, dir, "seq.0001.usd", "")
	f2 := writeFile(t, dir, "seq.0002.usd", "")

	r := NewResolver(testContext(dir))

	res := r.Resolve("tex.<UDIM>.exr")
	if res.Kind != types.WildcardResolved || !reflect.DeepEqual(res.Paths, []string{t1001, t1002}) {
		t.Errorf("UDIM = %v %v, want [%s %s]", res.Kind, res.Paths, t1001, t1002)
	}

	res = r.Resolve("seq.#.usd")
	if res.Kind != types.WildcardResolved || !reflect.DeepEqual(res.Paths, []string{f1, f2}) {
		t.Errorf("frame = %v %v, want [%s %s]", res.Kind, res.Paths, f1, f2)
	}

	if res := r.Resolve("nothing.<UDIM>.exr"); res.Kind != types.Unresolved {
		t.Errorf("Expected zero-match wildcard to be unresolved, got %v", res.Kind)
	}
}

func TestResolveRelativeWildcardPrefix(t *testing.T) {
	dir := createTempDir(t)
	a := writeFile(t, dir, "shots/sh010/anim.usd", "")
	b := writeFile(t, dir, "shots/sh020/anim.usd", "")

	res := NewResolver(testContext(filepath.Join(dir, "assets"))).Resolve("../shots/*/anim.usd")
	if !reflect.DeepEqual(res.Paths, []string{a, b}) {
		t.Errorf("Paths = %v, want [%s %s]", res.Paths, a, b)
	}
}

func TestResolveExpansion(t *testing.T) {
	dir := createTempDir(t)
	path := writeFile(t, dir, "a.usd", "")

	ctx := testContext("")
	ctx.Getenv = envFrom(map[string]string{"ROOT": dir, "HOME": dir})
	r := NewResolver(ctx)

	for _, token := range []string{"${ROOT}/a.usd", "$ROOT/a.usd", "~/a.usd", "file://" + path} {
		res := r.Resolve(token)
		if res.Kind != types.Resolved || res.Path() != path {
			t.Errorf("Resolve(%q) = %v %v, want %s", token, res.Kind, res.Paths, path)
		}
	}

	for _, token := range []string{"${UNSET}/a.usd", "http://example.com/a.usd", ""} {
		if res := r.Resolve(token); res.Kind != types.Unresolved {
			t.Errorf("Resolve(%q) = %v, want unresolved", token, res.Kind)
		}
	}
}

func TestResolveWithoutGetenv(t *testing.T) {
	dir := createTempDir(t)
	writeFile(t, dir, "a.usd", "")

	r := NewResolver(testContext(dir))
	if res := r.Resolve("$ROOT/a.usd"); res.Kind != types.Unresolved {
		t.Errorf("Expected unexpanded variable to be unresolved, got %v", res.Kind)
	}
	if res := r.Resolve("~/a.usd"); res.Kind != types.Unresolved {
		t.Errorf("Expected ~ without HOME to be unresolved, got %v", res.Kind)
	}
}

func TestResolveDirectoryAndBadPattern(t *testing.T) {
	dir := createTempDir(t)
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	r := NewResolver(testContext(dir))
	if res := r.Resolve("sub"); res.Kind != types.Resolved || res.Path() != sub {
		t.Errorf("Resolve(sub) = %v %v, want %s", res.Kind, res.Paths, sub)
	}
	if res := r.Resolve("a[.usd"); res.Kind != types.Unresolved {
		t.Errorf("Expected malformed pattern to be unresolved, got %v", res.Kind)
	}
}

func TestResolveUnresolvedExpandedPath(t *testing.T) {
	dir := createTempDir(t)
	ctx := testContext(dir)
	ctx.Getenv = envFrom(map[string]string{"SHOW": dir})

	r := NewResolver(ctx)
	if res := r.Resolve("fx/missing.usd"); res.Kind != types.Unresolved || res.Expanded != filepath.Join(dir, "fx", "missing.usd") {
		t.Errorf("Resolve(fx/missing.usd) = %+v", res)
	}
	if res := r.Resolve("${SHOW}/missing.usd"); res.Expanded != filepath.Join(dir, "missing.usd") {
		t.Errorf("Expanded = %q, want the variable expanded", res.Expanded)
	}
	if res := r.Resolve("${UNSET}/missing.usd"); res.Kind != types.Unresolved || res.Expanded != "" {
		t.Errorf("Resolve with an unset variable = %+v, want no expanded path", res)
	}
}

func TestResolveWildcardSkipsUnreadableEntries(t *testing.T) {
	dir := createTempDir(t)
	want := writeFile(t, dir, "a/foo.usd", "")
	if err := os.Symlink("loop", filepath.Join(dir, "loop")); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	links := Classify(`'*/foo.usd'`, testContext(dir))
	if len(links) != 1 {
		t.Fatalf("Expected 1 link, got %d", len(links))
	}
	res := links[0].Resolution
	if res.Kind != types.WildcardResolved {
		t.Fatalf("Kind = %v, want %v", res.Kind, types.WildcardResolved)
	}
	if !reflect.DeepEqual(res.Paths, []string{want}) {
		t.Errorf("Paths = %v, want [%s]", res.Paths, want)
	}
}

func TestResolveWildcardLiteralBraces(t *testing.T) {
	dir := createTempDir(t)
	want := writeFile(t, dir, "shot{1}_a.usd", "")
	writeFile(t, dir, "shot1_b.usd", "")

	res := NewResolver(testContext(dir)).Resolve("shot{1}_*.usd")
	if res.Kind != types.WildcardResolved {
		t.Fatalf("Kind = %v, want %v", res.Kind, types.WildcardResolved)
	}
	if !reflect.DeepEqual(res.Paths, []string{want}) {
		t.Errorf("Paths = %v, want [%s]", res.Paths, want)
	}

	res = NewResolver(testContext(dir)).Resolve("{shot1,other}_*.usd")
	if res.Kind != types.Unresolved {
		t.Errorf("Braces should not alternate, got %v %v", res.Kind, res.Paths)
	}
}

func TestResolveFilesystemErrorsAreUnresolved(t *testing.T) {
	dir := createTempDir(t)
	writeFile(t, dir, "file.usd", "")
	writeFile(t, dir, "ok.usd", "")
	loop := filepath.Join(dir, "loop")
	if err := os.Symlink("loop", loop); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	r := NewResolver(testContext(dir))

	// A regular file used as a directory fails with ENOTDIR, not "not found".
	if _, err := r.stat(filepath.Join(dir, "file.usd", "x.usd")); !errors.Is(err, ErrFilesystemUnavailable) {
		t.Errorf("stat error = %v, want ErrFilesystemUnavailable", err)
	}
	if _, err := r.stat(filepath.Join(loop, "x.usd")); !errors.Is(err, ErrFilesystemUnavailable) {
		t.Errorf("stat error = %v, want ErrFilesystemUnavailable", err)
	}

	text := "@file.usd/x.usd@ @loop/x.usd@ @ok.usd@"
	links := Classify(text, testContext(dir))
	if len(links) != 3 {
		t.Fatalf("Expected 3 links, got %d", len(links))
	}
	for _, link := range links[:2] {
		if link.Resolution.Kind != types.Unresolved {
			t.Errorf("%s: Kind = %v, want unresolved", link.Token.Text, link.Resolution.Kind)
		}
	}
	if links[2].Resolution.Kind != types.Resolved {
		t.Errorf("ok.usd: Kind = %v, want resolved", links[2].Resolution.Kind)
	}
}

func TestResolveCachesExistence(t *testing.T) {
	dir := createTempDir(t)
	path := writeFile(t, dir, "a.usd", "")

	r := NewResolver(testContext(dir))
	if res := r.Resolve("a.usd"); res.Kind != types.Resolved {
		t.Fatalf("Expected resolved, got %v", res.Kind)
	}

	// Within one pass the cached answer stands even after the file is removed.
	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}
	if res := r.Resolve("a.usd"); res.Kind != types.Resolved {
		t.Errorf("Expected cached resolution, got %v", res.Kind)
	}
	if res := NewResolver(testContext(dir)).Resolve("a.usd"); res.Kind != types.Unresolved {
		t.Errorf("Expected a new pass to see the removal, got %v", res.Kind)
	}
}

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/spf13/pflag"
)

func createTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "test_config_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func envFrom(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func loadFile(t *testing.T, path string, env map[string]string) *Config {
	t.Helper()
	cfg, err := load(newViper(), path, nil, envFrom(env))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return cfg
}

// ==================== Defaults Tests ====================

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	p := cfg.Preferences

	if !p.ParseLinks || !p.SyntaxHighlighting || !p.Teletype || !p.LineNumbers {
		t.Errorf("display preferences should default on: %+v", p)
	}
	if p.NewTab || p.ShowHiddenFiles {
		t.Errorf("newTab and showHiddenFiles should default off: %+v", p)
	}
	if p.LineLimit != 50000 {
		t.Errorf("LineLimit = %d, want 50000", p.LineLimit)
	}
	if p.LineCharLimit != 999 {
		t.Errorf("LineCharLimit = %d, want 999", p.LineCharLimit)
	}
	if p.CharLimit != 100000000 {
		t.Errorf("CharLimit = %d, want 100000000", p.CharLimit)
	}
	if !p.UseSpaces || p.TabSpaces != 4 {
		t.Errorf("UseSpaces = %v, TabSpaces = %d, want true, 4", p.UseSpaces, p.TabSpaces)
	}
	if p.TextEditor != DefaultTextEditor {
		t.Errorf("TextEditor = %q, want %q", p.TextEditor, DefaultTextEditor)
	}
	if p.DiffTool != DefaultDiffTool {
		t.Errorf("DiffTool = %q, want %q", p.DiffTool, DefaultDiffTool)
	}
	if cfg.App.IconTheme != DefaultIconTheme {
		t.Errorf("IconTheme = %q, want %q", cfg.App.IconTheme, DefaultIconTheme)
	}
	if cfg.Server.MCPAddr != DefaultMCPAddr || cfg.Server.HealthPort != DefaultHealthPort {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}

	want := map[string]string{"usd": "", "usda": "", "usdc": "", "usdz": ""}
	if !reflect.DeepEqual(p.Programs, want) {
		t.Errorf("Programs = %v, want %v", p.Programs, want)
	}
}

// ==================== Load Tests ====================

func TestLoadYAML(t *testing.T) {
	dir := createTempDir(t)
	path := writeConfig(t, dir, "usdmanager.yaml", `
app:
  defaultPrograms:
    py: ""
    exr: rv
  searchPaths:
    - /shows/common
    - /shows/lib
  diffTool: meld
preferences:
  lineLimit: 100
  teletype: false
`)

	cfg := loadFile(t, path, nil)

	if cfg.File != path {
		t.Errorf("File = %q, want %q", cfg.File, path)
	}
	if cfg.Preferences.LineLimit != 100 {
		t.Errorf("LineLimit = %d, want 100", cfg.Preferences.LineLimit)
	}
	if cfg.Preferences.Teletype {
		t.Error("Teletype should be overridden to false")
	}
	if !cfg.Preferences.ParseLinks {
		t.Error("ParseLinks should keep its default")
	}
	if want := []string{"/shows/common", "/shows/lib"}; !reflect.DeepEqual(cfg.App.SearchPaths, want) {
		t.Errorf("SearchPaths = %v, want %v", cfg.App.SearchPaths, want)
	}
	if cfg.Preferences.DiffTool != "meld" {
		t.Errorf("DiffTool = %q, want app config's meld", cfg.Preferences.DiffTool)
	}
	if prog, ok := cfg.Program("EXR"); !ok || prog != "rv" {
		t.Errorf("Program(EXR) = %q, %v, want rv, true", prog, ok)
	}
	if prog, ok := cfg.Program(".usdc"); !ok || prog != "" {
		t.Errorf("Program(.usdc) = %q, %v, want empty, true", prog, ok)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := createTempDir(t)
	path := writeConfig(t, dir, "config.json", `{"app": {"textEditor": "vim", "iconTheme": "oxygen"}, "preferences": {"tabSpaces": 2}}`)

	cfg := loadFile(t, path, nil)

	if cfg.App.IconTheme != "oxygen" {
		t.Errorf("IconTheme = %q, want oxygen", cfg.App.IconTheme)
	}
	if cfg.Preferences.TabSpaces != 2 {
		t.Errorf("TabSpaces = %d, want 2", cfg.Preferences.TabSpaces)
	}
	if cfg.Preferences.TextEditor != "vim" {
		t.Errorf("TextEditor = %q, want app config's vim", cfg.Preferences.TextEditor)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := createTempDir(t)
	path := writeConfig(t, dir, "usdmanager.toml", "[preferences]\ncharLimit = 500\n")

	cfg := loadFile(t, path, nil)

	if cfg.Preferences.CharLimit != 500 {
		t.Errorf("CharLimit = %d, want 500", cfg.Preferences.CharLimit)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	dir := createTempDir(t)

	_, err := load(newViper(), filepath.Join(dir, "nope.yaml"), nil, nil)
	if err == nil {
		t.Error("Expected error for missing explicit config file")
	}
}

func TestLoadInvalidFile(t *testing.T) {
	dir := createTempDir(t)
	path := writeConfig(t, dir, "bad.yaml", "preferences: [unclosed\n")

	if _, err := load(newViper(), path, nil, nil); err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestLoadSearchesConfigPaths(t *testing.T) {
	dir := createTempDir(t)
	writeConfig(t, dir, "usdmanager.yaml", "logLevel: debug\n")

	v := newViper()
	v.AddConfigPath(dir)
	cfg, err := load(v, "", nil, nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadNoFileFound(t *testing.T) {
	dir := createTempDir(t)
	v := newViper()
	v.AddConfigPath(dir)

	cfg, err := load(v, "", nil, nil)
	if err != nil {
		t.Fatalf("missing config file should not be an error: %v", err)
	}
	if cfg.Preferences.LineLimit != 50000 {
		t.Errorf("LineLimit = %d, want 50000", cfg.Preferences.LineLimit)
	}
}

// ==================== Override Tests ====================

func TestEnvOverrides(t *testing.T) {
	dir := createTempDir(t)
	path := writeConfig(t, dir, "usdmanager.yaml", "preferences:\n  lineLimit: 100\n")

	t.Setenv("USDMANAGER_PREFERENCES_LINELIMIT", "7")
	t.Setenv("USDMANAGER_SERVER_DB", "/tmp/graph.db")

	cfg := loadFile(t, path, nil)

	if cfg.Preferences.LineLimit != 7 {
		t.Errorf("LineLimit = %d, want env override 7", cfg.Preferences.LineLimit)
	}
	if cfg.Server.DB != "/tmp/graph.db" {
		t.Errorf("DB = %q, want /tmp/graph.db", cfg.Server.DB)
	}
}

func TestEditorFallback(t *testing.T) {
	dir := createTempDir(t)
	path := writeConfig(t, dir, "usdmanager.yaml", "app:\n  textEditor: vim\n")

	cfg := loadFile(t, path, map[string]string{"EDITOR": "emacs"})
	if cfg.Preferences.TextEditor != "emacs" {
		t.Errorf("TextEditor = %q, want $EDITOR emacs", cfg.Preferences.TextEditor)
	}

	path = writeConfig(t, dir, "pref.yaml", "preferences:\n  textEditor: code\n")
	cfg = loadFile(t, path, map[string]string{"EDITOR": "emacs"})
	if cfg.Preferences.TextEditor != "code" {
		t.Errorf("TextEditor = %q, want saved preference code", cfg.Preferences.TextEditor)
	}
}

func TestFlagOverrides(t *testing.T) {
	dir := createTempDir(t)
	path := writeConfig(t, dir, "usdmanager.yaml", "app:\n  searchPaths: [/from/file]\nlogLevel: warn\n")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.StringArray("search-path", nil, "")
	flags.String("log-level", "info", "")
	flags.String("db", "", "")
	if err := flags.Parse([]string{"--search-path", "/from/flag", "--db", "/x/graph.db"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cfg, err := load(newViper(), path, flags, nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if want := []string{"/from/flag"}; !reflect.DeepEqual(cfg.App.SearchPaths, want) {
		t.Errorf("SearchPaths = %v, want %v", cfg.App.SearchPaths, want)
	}
	if cfg.Server.DB != "/x/graph.db" {
		t.Errorf("DB = %q, want /x/graph.db", cfg.Server.DB)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want file value warn for an unchanged flag", cfg.LogLevel)
	}
}

// ==================== Programs Tests ====================

func TestProgramsRestoresNewDefaults(t *testing.T) {
	dir := createTempDir(t)
	path := writeConfig(t, dir, "usdmanager.yaml", `
app:
  defaultPrograms:
    exr: rv
preferences:
  programs:
    usda: vim
    log: less
`)

	cfg := loadFile(t, path, nil)
	want := map[string]string{
		"usd":  "",
		"usda": "vim",
		"usdc": "",
		"usdz": "",
		"exr":  "rv",
		"log":  "less",
	}
	if !reflect.DeepEqual(cfg.Preferences.Programs, want) {
		t.Errorf("Programs = %v, want %v", cfg.Preferences.Programs, want)
	}
}

func TestExtensions(t *testing.T) {
	cfg := Defaults()
	cfg.Preferences.Programs["PY"] = ""
	cfg.Preferences.Programs[".log"] = ""

	got := cfg.Extensions()
	want := []string{"log", "py", "usd", "usda", "usdc", "usdz"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Extensions() = %v, want %v", got, want)
	}
}

// ==================== Save Tests ====================

func TestSaveAndLoad(t *testing.T) {
	dir := createTempDir(t)
	path := filepath.Join(dir, "deeply", "nested", "usdmanager.yaml")

	cfg := Defaults()
	cfg.Preferences.LineNumbers = false
	cfg.Preferences.Programs["exr"] = "rv"
	cfg.App.SearchPaths = []string{"/shows/common"}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Config file should exist: %v", err)
	}

	loaded := loadFile(t, path, nil)
	if loaded.Preferences.LineNumbers {
		t.Error("LineNumbers should round-trip as false")
	}
	if prog, _ := loaded.Program("exr"); prog != "rv" {
		t.Errorf("Program(exr) = %q, want rv", prog)
	}
	if !reflect.DeepEqual(loaded.App.SearchPaths, cfg.App.SearchPaths) {
		t.Errorf("SearchPaths = %v, want %v", loaded.App.SearchPaths, cfg.App.SearchPaths)
	}
}

// Package config loads the application config and user preferences.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/usdmanager/usdmanager/internal/usd"
)

// EnvPrefix prefixes environment overrides, e.g. USDMANAGER_PREFERENCES_LINELIMIT.
const EnvPrefix = "USDMANAGER"

const (
	DefaultTextEditor = "nedit"
	DefaultDiffTool   = "xdiff"
	DefaultIconTheme  = "crystal_project"
	DefaultAppURL     = "https://github.com/dreamworksanimation/usdmanager"
	DefaultMCPAddr    = ":8000"
	DefaultHealthPort = 8080
)

// AppConfig is the site-wide application config.
type AppConfig struct {
	// DefaultPrograms maps a file extension to the program that opens it.
	// An empty program means the file is browsed in place.
	DefaultPrograms  map[string]string `mapstructure:"defaultPrograms" yaml:"defaultPrograms,omitempty"`
	TextEditor       string            `mapstructure:"textEditor" yaml:"textEditor,omitempty"`
	DiffTool         string            `mapstructure:"diffTool" yaml:"diffTool,omitempty"`
	SearchPaths      []string          `mapstructure:"searchPaths" yaml:"searchPaths,omitempty"`
	IconTheme        string            `mapstructure:"iconTheme" yaml:"iconTheme,omitempty"`
	ThemeSrc         string            `mapstructure:"themeSrc" yaml:"themeSrc,omitempty"`
	ThemeSearchPaths []string          `mapstructure:"themeSearchPaths" yaml:"themeSearchPaths,omitempty"`
	Usdview          string            `mapstructure:"usdview" yaml:"usdview,omitempty"`
	Usdcat           string            `mapstructure:"usdcat" yaml:"usdcat,omitempty"`
	AppURL           string            `mapstructure:"appURL" yaml:"appURL,omitempty"`
}

// Preferences are the per-user settings.
type Preferences struct {
	ParseLinks             bool              `mapstructure:"parseLinks" yaml:"parseLinks"`
	NewTab                 bool              `mapstructure:"newTab" yaml:"newTab"`
	SyntaxHighlighting     bool              `mapstructure:"syntaxHighlighting" yaml:"syntaxHighlighting"`
	Teletype               bool              `mapstructure:"teletype" yaml:"teletype"`
	LineNumbers            bool              `mapstructure:"lineNumbers" yaml:"lineNumbers"`
	ShowAllMessages        bool              `mapstructure:"showAllMessages" yaml:"showAllMessages"`
	ShowHiddenFiles        bool              `mapstructure:"showHiddenFiles" yaml:"showHiddenFiles"`
	Font                   string            `mapstructure:"font" yaml:"font,omitempty"`
	FontSizeAdjust         int               `mapstructure:"fontSizeAdjust" yaml:"fontSizeAdjust"`
	FindMatchCase          bool              `mapstructure:"findMatchCase" yaml:"findMatchCase"`
	LastOpenWith           string            `mapstructure:"lastOpenWithStr" yaml:"lastOpenWithStr,omitempty"`
	TextEditor             string            `mapstructure:"textEditor" yaml:"textEditor,omitempty"`
	DiffTool               string            `mapstructure:"diffTool" yaml:"diffTool,omitempty"`
	AutoCompleteAddressBar bool              `mapstructure:"autoCompleteAddressBar" yaml:"autoCompleteAddressBar"`
	UseSpaces              bool              `mapstructure:"useSpaces" yaml:"useSpaces"`
	TabSpaces              int               `mapstructure:"tabSpaces" yaml:"tabSpaces"`
	LineLimit              int               `mapstructure:"lineLimit" yaml:"lineLimit"`
	LineCharLimit          int               `mapstructure:"lineCharLimit" yaml:"lineCharLimit"`
	CharLimit              int               `mapstructure:"charLimit" yaml:"charLimit"`
	Programs               map[string]string `mapstructure:"programs" yaml:"programs,omitempty"`
}

// ServerConfig configures the index database and the MCP and health servers.
type ServerConfig struct {
	DB         string `mapstructure:"db" yaml:"db,omitempty"`
	MCPAddr    string `mapstructure:"mcpAddr" yaml:"mcpAddr,omitempty"`
	HealthPort int    `mapstructure:"healthPort" yaml:"healthPort"`
}

// Config is everything loaded for one run.
type Config struct {
	App         AppConfig    `mapstructure:"app" yaml:"app"`
	Preferences Preferences  `mapstructure:"preferences" yaml:"preferences"`
	Server      ServerConfig `mapstructure:"server" yaml:"server"`
	LogLevel    string       `mapstructure:"logLevel" yaml:"logLevel,omitempty"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`
}

// defaults are the scalar settings used when neither file nor env sets them.
var defaults = map[string]any{
	"app.iconTheme":                      DefaultIconTheme,
	"app.usdview":                        "usdview",
	"app.appURL":                         DefaultAppURL,
	"preferences.parseLinks":             true,
	"preferences.newTab":                 false,
	"preferences.syntaxHighlighting":     true,
	"preferences.teletype":               true,
	"preferences.lineNumbers":            true,
	"preferences.showAllMessages":        true,
	"preferences.showHiddenFiles":        false,
	"preferences.fontSizeAdjust":         0,
	"preferences.findMatchCase":          false,
	"preferences.autoCompleteAddressBar": true,
	"preferences.useSpaces":              true,
	"preferences.tabSpaces":              4,
	"preferences.lineLimit":              50000,
	"preferences.lineCharLimit":          999,
	"preferences.charLimit":              100000000,
	"server.mcpAddr":                     DefaultMCPAddr,
	"server.healthPort":                  DefaultHealthPort,
	"logLevel":                           "info",

	// Registered so env overrides are seen by AutomaticEnv.
	"app.textEditor":              "",
	"app.diffTool":                "",
	"app.searchPaths":             []string{},
	"app.themeSrc":                "",
	"app.usdcat":                  "",
	"preferences.font":            "",
	"preferences.textEditor":      "",
	"preferences.diffTool":        "",
	"preferences.lastOpenWithStr": "",
	"server.db":                   "",
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"search-path": "app.searchPaths",
	"log-level":   "logLevel",
	"db":          "server.db",
	"mcp":         "server.mcpAddr",
	"health-port": "server.healthPort",
}

// Defaults returns the built-in config, ignoring files and the environment.
func Defaults() *Config {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	cfg, err := decode(v, nil)
	if err != nil {
		// Built-in defaults always decode.
		panic(err)
	}
	return cfg
}

// Load reads the config file at path (json, yaml or toml), then applies
// USDMANAGER_* env overrides and any changed flags in flags. An empty path
// searches the user config dir and the working directory for
// usdmanager.{json,yaml,toml}; a missing file is not an error.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	return load(newViper(), path, flags, os.LookupEnv)
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultFile is where Save writes when no file is named: usdmanager.yaml in
// the user config dir, the first place Load searches.
func DefaultFile() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("find config dir: %w", err)
	}
	return filepath.Join(dir, "usdmanager", "usdmanager.yaml"), nil
}

func load(v *viper.Viper, path string, flags *pflag.FlagSet, getenv func(string) (string, bool)) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "usdmanager"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("usdmanager")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	return decode(v, getenv)
}

func decode(v *viper.Viper, getenv func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.fill(getenv)
	return &cfg, nil
}

// fill applies the fallbacks that depend on other settings.
func (c *Config) fill(getenv func(string) (string, bool)) {
	p := &c.Preferences
	if p.TextEditor == "" {
		switch {
		case lookup(getenv, "EDITOR") != "":
			p.TextEditor = lookup(getenv, "EDITOR")
		case c.App.TextEditor != "":
			p.TextEditor = c.App.TextEditor
		default:
			p.TextEditor = DefaultTextEditor
		}
	}
	if p.DiffTool == "" {
		p.DiffTool = c.App.DiffTool
		if p.DiffTool == "" {
			p.DiffTool = DefaultDiffTool
		}
	}

	defaults := c.DefaultPrograms()
	if len(p.Programs) == 0 {
		p.Programs = defaults
		return
	}
	// Restore file types added to the defaults since the user saved theirs.
	for ext, prog := range defaults {
		if _, ok := p.Programs[ext]; !ok {
			p.Programs[ext] = prog
		}
	}
}

func lookup(getenv func(string) (string, bool), key string) string {
	if getenv == nil {
		return ""
	}
	v, _ := getenv(key)
	return v
}

// DefaultPrograms returns the USD extensions, browsed in place, overlaid with
// the app config's defaultPrograms.
func (c *Config) DefaultPrograms() map[string]string {
	progs := make(map[string]string, len(usd.Extensions)+len(c.App.DefaultPrograms))
	for _, ext := range usd.Extensions {
		progs[ext] = ""
	}
	for ext, prog := range c.App.DefaultPrograms {
		progs[normalizeExt(ext)] = prog
	}
	return progs
}

// Extensions returns the sorted link extensions: the USD extensions plus
// every programs key.
func (c *Config) Extensions() []string {
	seen := make(map[string]struct{})
	for _, ext := range usd.Extensions {
		seen[ext] = struct{}{}
	}
	for ext := range c.Preferences.Programs {
		if ext = normalizeExt(ext); ext != "" {
			seen[ext] = struct{}{}
		}
	}
	exts := make([]string, 0, len(seen))
	for ext := range seen {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Program returns the program that opens files with ext, and whether ext is
// known. An empty program means browse in place.
func (c *Config) Program(ext string) (string, bool) {
	prog, ok := c.Preferences.Programs[normalizeExt(ext)]
	return prog, ok
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// YAML encodes the config in the form Load reads back.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// Save writes the config as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	data, err := c.YAML()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

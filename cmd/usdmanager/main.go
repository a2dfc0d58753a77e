// Package main provides the usdmanager command line tool: link classification,
// browse-view rendering and the layer reference graph with its MCP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/usdmanager/usdmanager/internal/config"
	"github.com/usdmanager/usdmanager/internal/db"
	"github.com/usdmanager/usdmanager/internal/parser"
	"github.com/usdmanager/usdmanager/internal/render"
	"github.com/usdmanager/usdmanager/internal/usd"
	"github.com/usdmanager/usdmanager/internal/version"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is the state shared by every subcommand once flags are parsed.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	fp         *parser.FileParser
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   version.Name,
		Short: "Browse USD layers and the files they reference",
		Long: `usdmanager finds the file references in USD layers, logs and other text,
resolves them against the layer's directory and the configured search paths,
and renders the layer with its references turned into links.

It can also index a directory tree into a layer reference graph, keep the
graph current as files change, and serve it to MCP clients.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Config file (json, yaml or toml)")
	flags.StringArray("search-path", nil, "Directory to resolve references in after the layer's own (repeatable)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("db", "", "Path to the layer graph database (default: user cache dir)")

	cmd.AddCommand(
		a.linksCmd(),
		a.renderCmd(),
		a.highlightCmd(),
		a.findCmd(),
		a.indexCmd(),
		a.depsCmd(),
		a.dependentsCmd(),
		a.watchCmd(),
		a.serveCmd(),
		a.configCmd(),
		versionCmd(),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// Skip config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", version.Name, version.Version)
		},
	}
}

// init loads the config with the command's flags applied and sets up logging.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(a.logger)

	if cfg.File != "" {
		a.logger.Debug("loaded config", "file", cfg.File)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parser returns the FileParser built from the loaded preferences, creating it
// on first use. Commands that call it must defer closeParser.
func (a *app) parser() *parser.FileParser {
	if a.fp != nil {
		return a.fp
	}
	prefs := a.cfg.Preferences
	converter := usd.NewConverter(usd.ConverterConfig{
		UsdcatPath: a.cfg.App.Usdcat,
		Logger:     a.logger,
	})
	a.fp = parser.New(parser.Config{
		Registry:      parser.NewRegistry(parser.Options{Converter: converter, Logger: a.logger}),
		SearchPaths:   a.cfg.App.SearchPaths,
		Extensions:    a.cfg.Extensions(),
		Getenv:        os.LookupEnv,
		DisableLinks:  !prefs.ParseLinks,
		LineLimit:     prefs.LineLimit,
		LineCharLimit: prefs.LineCharLimit,
		Logger:        a.logger,
	})
	return a.fp
}

// closeParser removes the parser's converted and extracted files.
func (a *app) closeParser() {
	if a.fp == nil {
		return
	}
	if err := a.fp.Close(); err != nil {
		a.logger.Warn("failed to remove temporary files", "error", err)
	}
	a.fp = nil
}

func (a *app) renderOptions() render.Options {
	prefs := a.cfg.Preferences
	return render.Options{
		Teletype:      prefs.Teletype,
		LineCharLimit: prefs.LineCharLimit,
		CharLimit:     prefs.CharLimit,
	}
}

// openDB opens the graph database named by --db or the config, defaulting to
// the user cache dir. A read-only database must already exist.
func (a *app) openDB(readOnly bool) (*db.GraphDB, error) {
	path := a.cfg.Server.DB
	if path == "" {
		path = defaultDBPath()
	}
	graphDB, err := db.Open(db.Config{
		Path:        path,
		ReadOnly:    readOnly,
		AutoRecover: !readOnly,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return graphDB, nil
}

func defaultDBPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(".usdmanager", "graph.lbug")
	}
	return filepath.Join(dir, "usdmanager", "graph.lbug")
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func (a *app) signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			a.logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

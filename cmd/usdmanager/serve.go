package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/usdmanager/usdmanager/internal/config"
	"github.com/usdmanager/usdmanager/internal/server"
)

func (a *app) serveCmd() *cobra.Command {
	var rebuild bool

	cmd := &cobra.Command{
		Use:   "serve ROOT",
		Short: "Index and watch ROOT and serve the graph over MCP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), args[0], rebuild)
		},
	}

	cmd.Flags().String("mcp", config.DefaultMCPAddr, "MCP HTTP server address (host:port, empty to disable)")
	cmd.Flags().Int("health-port", config.DefaultHealthPort, "Health check HTTP server port (0 to disable)")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "Rebuild the graph from scratch")
	return cmd
}

func (a *app) serve(parent context.Context, root string, rebuild bool) error {
	ctx, cancel := a.signalContext(parent)
	defer cancel()

	srv := a.cfg.Server
	graphDB, err := a.openDB(false)
	if err != nil {
		return err
	}
	defer graphDB.Close()

	fileParser := a.parser()
	defer a.closeParser()
	w, err := a.watcher(root, graphDB)
	if err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()

	a.logger.Info("starting usdmanager server",
		"root", w.Root(),
		"db", graphDB.Path(),
		"mcp", srv.MCPAddr,
	)

	count, err := w.InitialIndex(ctx, rebuild)
	if err != nil {
		return err
	}
	a.logger.Info("initial index complete", "files", count)

	if err := w.Start(ctx); err != nil {
		return err
	}

	var mcpHTTPServer *http.Server
	if srv.MCPAddr != "" {
		mcpServer := server.NewMCPServer(server.MCPConfig{
			DB:          graphDB,
			Parser:      fileParser,
			Root:        w.Root(),
			SearchPaths: a.cfg.App.SearchPaths,
			Render:      a.renderOptions(),
			Logger:      a.logger,
		})

		mcpHTTPServer = &http.Server{
			Addr:    srv.MCPAddr,
			Handler: mcpServer.HTTPHandler(),
		}

		go func() {
			a.logger.Info("starting MCP HTTP server", "addr", srv.MCPAddr)
			if err := mcpHTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("MCP HTTP server error", "error", err)
				cancel()
			}
		}()
	}

	var healthServer *server.HealthServer
	if srv.HealthPort > 0 {
		mcpPort := 8000
		if _, p, err := parseHostPort(srv.MCPAddr, 8000); err == nil {
			mcpPort = p
		}

		healthServer = server.NewHealthServer(server.HealthConfig{
			Port:    srv.HealthPort,
			MCPPort: mcpPort,
			DB:      graphDB,
			Logger:  a.logger,
		})

		go func() {
			if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("health server error", "error", err)
			}
		}()
	}

	a.logger.Info("server ready", "mcp", srv.MCPAddr, "health", srv.HealthPort)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if mcpHTTPServer != nil {
		if err := mcpHTTPServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("MCP HTTP server shutdown error", "error", err)
		}
	}
	if healthServer != nil {
		if err := healthServer.Stop(shutdownCtx); err != nil {
			a.logger.Error("health server shutdown error", "error", err)
		}
	}
	a.logger.Info("server shutdown complete")
	return nil
}

// parseHostPort extracts host and port from an address string.
func parseHostPort(addr string, defaultPort int) (string, int, error) {
	if addr == "" {
		return "", defaultPort, nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// Maybe it's just a port like ":8000"
		if addr[0] == ':' {
			portStr = addr[1:]
			host = ""
		} else {
			return "", 0, err
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort, nil
	}
	return host, port, nil
}

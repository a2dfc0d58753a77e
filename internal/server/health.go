package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/usdmanager/usdmanager/internal/db"
)

// HealthServer provides HTTP health check endpoints for container probes.
type HealthServer struct {
	port    int
	mcpPort int
	db      *db.GraphDB
	server  *http.Server
	logger  *slog.Logger
}

// HealthConfig holds configuration for the health check server.
type HealthConfig struct {
	Port    int
	MCPPort int

	// DB is probed with a trivial query. Nil reports the graph as up.
	DB *db.GraphDB

	Logger *slog.Logger
}

// NewHealthServer creates a new health check server.
func NewHealthServer(cfg HealthConfig) *HealthServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HealthServer{
		port:    cfg.Port,
		mcpPort: cfg.MCPPort,
		db:      cfg.DB,
		logger:  logger,
	}
}

// Start begins serving health check requests.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.handleHealth)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/mcp", h.handleMCPHealth)
	mux.HandleFunc("/health/graph", h.handleGraphHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.HandleFunc("/live", h.handleLive)

	h.server = &http.Server{
		Addr:         net.JoinHostPort("0.0.0.0", strconv.Itoa(h.port)),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	h.logger.Info("health check server starting", "port", h.port)
	return h.server.ListenAndServe()
}

// Stop gracefully shuts down the health check server.
func (h *HealthServer) Stop(ctx context.Context) error {
	if h.server != nil {
		return h.server.Shutdown(ctx)
	}
	return nil
}

// handleHealth returns combined health status of all services.
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	mcpOK := h.checkMCP()
	graphOK := h.checkGraph(r.Context())
	allOK := mcpOK && graphOK

	status := map[string]any{
		"status": statusString(allOK),
		"services": map[string]string{
			"mcp":   upDownString(mcpOK),
			"graph": upDownString(graphOK),
		},
	}

	h.sendJSON(w, status, statusCode(allOK))
}

func (h *HealthServer) handleMCPHealth(w http.ResponseWriter, r *http.Request) {
	ok := h.checkMCP()
	h.sendJSON(w, map[string]string{"status": upDownString(ok)}, statusCode(ok))
}

func (h *HealthServer) handleGraphHealth(w http.ResponseWriter, r *http.Request) {
	ok := h.checkGraph(r.Context())
	h.sendJSON(w, map[string]any{
		"status":    upDownString(ok),
		"read_only": h.db != nil && h.db.ReadOnly(),
	}, statusCode(ok))
}

// handleReady implements Kubernetes-style readiness probe.
func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	allOK := h.checkMCP() && h.checkGraph(r.Context())
	h.sendJSON(w, map[string]bool{"ready": allOK}, statusCode(allOK))
}

// handleLive implements Kubernetes-style liveness probe.
func (h *HealthServer) handleLive(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, map[string]bool{"alive": true}, http.StatusOK)
}

// checkMCP verifies the MCP server is healthy by checking if its port is open.
func (h *HealthServer) checkMCP() bool {
	addr := net.JoinHostPort("localhost", strconv.Itoa(h.mcpPort))
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (h *HealthServer) checkGraph(ctx context.Context) bool {
	if h.db == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err := h.db.Execute(ctx, "MATCH (l:Layer) RETURN count(l) AS count", nil)
	if err != nil {
		h.logger.Warn("graph health check failed", "error", err)
	}
	return err == nil
}

// sendJSON writes a JSON response with the given status code.
func (h *HealthServer) sendJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode health response", "error", err)
	}
}

func statusString(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

func upDownString(ok bool) string {
	if ok {
		return "up"
	}
	return "down"
}

func statusCode(ok bool) int {
	if ok {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// Package server provides the MCP and health check servers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/usdmanager/usdmanager/internal/db"
	"github.com/usdmanager/usdmanager/internal/parser"
	"github.com/usdmanager/usdmanager/internal/render"
	"github.com/usdmanager/usdmanager/internal/search"
	"github.com/usdmanager/usdmanager/internal/version"
)

// DefaultFindLimit caps find_in_layer results when no limit is given.
const DefaultFindLimit = 100

var errNoGraph = errors.New("reference graph not available")

// MCPServer exposes link classification, rendering and the reference graph
// as MCP tools.
type MCPServer struct {
	server  *mcp.Server
	db      *db.GraphDB
	parser  *parser.FileParser
	root    string
	allowed []string
	render  render.Options
	logger  *slog.Logger
}

// MCPConfig holds MCP server configuration.
type MCPConfig struct {
	// DB backs the graph tools. Nil disables them with an error result.
	DB *db.GraphDB

	// Parser loads layers. Defaults to parser.New with the same logger.
	Parser *parser.FileParser

	// Root is the served directory. Relative tool paths are joined to it.
	Root string

	// SearchPaths are readable in addition to Root.
	SearchPaths []string

	// Render controls render_layer output.
	Render render.Options

	Logger *slog.Logger
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(cfg MCPConfig) *MCPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := cfg.Parser
	if p == nil {
		p = parser.New(parser.Config{SearchPaths: cfg.SearchPaths, Logger: logger})
	}

	root := cfg.Root
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}

	var allowed []string
	for _, dir := range append([]string{root}, cfg.SearchPaths...) {
		if dir == "" {
			continue
		}
		if abs, err := filepath.Abs(dir); err == nil {
			allowed = append(allowed, abs)
		}
	}

	m := &MCPServer{
		server: mcp.NewServer(
			&mcp.Implementation{Name: version.Name, Version: version.Version},
			nil,
		),
		db:      cfg.DB,
		parser:  p,
		root:    root,
		allowed: allowed,
		render:  cfg.Render,
		logger:  logger,
	}

	m.registerTools()
	return m
}

// HTTPHandler returns an http.Handler that serves the MCP protocol over HTTP
// using the streamable HTTP transport.
func (m *MCPServer) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server {
			return m.server
		},
		&mcp.StreamableHTTPOptions{
			JSONResponse: true,
			Logger:       m.logger,
		},
	)
}

func (m *MCPServer) registerTools() {
	// Layer tools
	addTool(m, "classify_links",
		"Load a layer and list every file reference with how it resolves",
		m.classifyLinks)
	addTool(m, "resolve_reference",
		"Resolve a single reference token against a base directory and the search paths",
		m.resolveReference)
	addTool(m, "render_layer",
		"Render a layer as browse-view HTML with its references turned into links",
		m.renderLayer)
	addTool(m, "find_in_layer",
		"Find every occurrence of a string in a layer, or only the next or previous one",
		m.findInLayer)

	// Graph tools
	addTool(m, "list_dependencies",
		"List the layers a layer references",
		m.listDependencies)
	addTool(m, "list_dependents",
		"List the layers that reference a layer",
		m.listDependents)
	addTool(m, "list_unresolved",
		"List references that do not resolve to an existing file",
		m.listUnresolved)
	addTool(m, "cypher_query",
		"Execute a Cypher query against the layer reference graph",
		m.cypherQuery)
	addTool(m, "get_graph_schema",
		"Get the layer reference graph schema for constructing Cypher queries",
		m.graphSchema)
}

// addTool registers handle under name. A handler error becomes a
// {"success": false} result rather than a protocol error.
func addTool[In any](m *MCPServer, name, description string, handle func(context.Context, In) (map[string]any, error)) {
	mcp.AddTool(m.server, &mcp.Tool{
		Name:        name,
		Description: description,
	}, func(ctx context.Context, req *mcp.CallToolRequest, input In) (*mcp.CallToolResult, any, error) {
		data, err := handle(ctx, input)
		if err != nil {
			m.logger.Error("tool failed", "tool", name, "error", err)
			res, _ := errorResult(err)
			return res, nil, nil
		}
		data["success"] = true
		res, err := toolResult(data)
		return res, nil, err
	})
}

// Tool result helper
func toolResult(data any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(jsonBytes)},
		},
	}, nil
}

// Error result helper
func errorResult(err error) (*mcp.CallToolResult, error) {
	return toolResult(map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}

// ============ Layer Tools ============

type layerInput struct {
	Path string `json:"path" jsonschema:"Layer path, absolute or relative to the served root"`
}

func (m *MCPServer) classifyLinks(ctx context.Context, input layerInput) (map[string]any, error) {
	path, err := m.readablePath(input.Path)
	if err != nil {
		return nil, err
	}
	doc, err := m.parser.ParseFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"document": doc,
		"count":    len(doc.Links),
	}, nil
}

type resolveReferenceInput struct {
	Token   string `json:"token" jsonschema:"Reference text as it appears in the layer"`
	BaseDir string `json:"base_dir,omitempty" jsonschema:"Directory relative references resolve from (default: the served root)"`
}

func (m *MCPServer) resolveReference(_ context.Context, input resolveReferenceInput) (map[string]any, error) {
	if input.Token == "" {
		return nil, errors.New("token is required")
	}
	dir := input.BaseDir
	switch {
	case dir == "":
		dir = m.root
	case !filepath.IsAbs(dir):
		dir = filepath.Join(m.root, dir)
	}

	res := parser.NewResolver(m.parser.Context(dir)).Resolve(input.Token)
	return map[string]any{
		"token":      input.Token,
		"base_dir":   dir,
		"resolution": res,
	}, nil
}

func (m *MCPServer) renderLayer(ctx context.Context, input layerInput) (map[string]any, error) {
	path, err := m.readablePath(input.Path)
	if err != nil {
		return nil, err
	}
	doc, err := m.parser.ParseFile(ctx, path)
	if err != nil {
		return nil, err
	}

	page := render.Render(doc, m.render)
	return map[string]any{
		"path":      doc.Path,
		"html":      page.HTML,
		"truncated": page.Truncated,
		"warning":   page.Warning,
	}, nil
}

type findInLayerInput struct {
	Path      string `json:"path" jsonschema:"Layer path, absolute or relative to the served root"`
	Query     string `json:"query" jsonschema:"Literal text to find"`
	MatchCase bool   `json:"match_case,omitempty" jsonschema:"Compare case-sensitively"`
	WholeWord bool   `json:"whole_word,omitempty" jsonschema:"Only match whole words"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum matches to return (default 100)"`
	Next      bool   `json:"next,omitempty" jsonschema:"Return only the next match from 'from' instead of every match"`
	From      int    `json:"from,omitempty" jsonschema:"Byte offset a next search starts at"`
	Backward  bool   `json:"backward,omitempty" jsonschema:"With next, find the previous match instead"`
	Wrap      bool   `json:"wrap,omitempty" jsonschema:"With next, continue from the other end when nothing is found"`
}

func (m *MCPServer) findInLayer(ctx context.Context, input findInLayerInput) (map[string]any, error) {
	if input.Query == "" {
		return nil, errors.New("query is required")
	}
	path, err := m.readablePath(input.Path)
	if err != nil {
		return nil, err
	}
	doc, err := m.parser.ParseFile(ctx, path)
	if err != nil {
		return nil, err
	}

	limit := input.Limit
	if limit <= 0 {
		limit = DefaultFindLimit
	}

	opts := search.Options{
		MatchCase: input.MatchCase,
		WholeWord: input.WholeWord,
		Backward:  input.Backward,
		Wrap:      input.Wrap,
		From:      input.From,
	}
	all := search.FindAll(doc.Text, input.Query, opts)

	matches := make([]map[string]any, 0, min(len(all), limit))
	wrapped := false
	if input.Next {
		if hit, ok := search.Find(doc.Text, input.Query, opts); ok {
			matches = append(matches, matchEntry(doc.Text, hit))
			wrapped = hit.Wrapped
		}
	} else {
		for _, hit := range all {
			if len(matches) == limit {
				break
			}
			matches = append(matches, matchEntry(doc.Text, hit))
		}
	}

	return map[string]any{
		"path":    doc.Path,
		"total":   len(all),
		"matches": matches,
		"wrapped": wrapped,
	}, nil
}

func matchEntry(text string, hit search.Match) map[string]any {
	start, end, _ := search.LineOffset(text, hit.Line)
	return map[string]any{
		"line":  hit.Line,
		"start": hit.Start,
		"end":   hit.End,
		"text":  text[start:end],
	}
}

// ============ Graph Tools ============

func (m *MCPServer) listDependencies(ctx context.Context, input layerInput) (map[string]any, error) {
	if m.db == nil {
		return nil, errNoGraph
	}
	path, err := m.graphPath(input.Path)
	if err != nil {
		return nil, err
	}
	deps, err := m.db.Dependencies(ctx, path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "dependencies": deps}, nil
}

func (m *MCPServer) listDependents(ctx context.Context, input layerInput) (map[string]any, error) {
	if m.db == nil {
		return nil, errNoGraph
	}
	path, err := m.graphPath(input.Path)
	if err != nil {
		return nil, err
	}
	deps, err := m.db.Dependents(ctx, path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "dependents": deps}, nil
}

type listUnresolvedInput struct {
	Path string `json:"path,omitempty" jsonschema:"Only list references made by this layer"`
}

func (m *MCPServer) listUnresolved(ctx context.Context, input listUnresolvedInput) (map[string]any, error) {
	if m.db == nil {
		return nil, errNoGraph
	}
	deps, err := m.db.Unresolved(ctx)
	if err != nil {
		return nil, err
	}
	if input.Path != "" {
		path, err := m.graphPath(input.Path)
		if err != nil {
			return nil, err
		}
		filtered := deps[:0]
		for _, d := range deps {
			if d.Source == path {
				filtered = append(filtered, d)
			}
		}
		deps = filtered
	}
	return map[string]any{"count": len(deps), "unresolved": deps}, nil
}

type cypherQueryInput struct {
	Query string `json:"query" jsonschema:"Cypher query string"`
}

func (m *MCPServer) cypherQuery(ctx context.Context, input cypherQueryInput) (map[string]any, error) {
	if m.db == nil {
		return nil, errNoGraph
	}
	results, err := m.db.Execute(ctx, input.Query, nil)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results}, nil
}

func (m *MCPServer) graphSchema(context.Context, struct{}) (map[string]any, error) {
	return map[string]any{"schema": schema}, nil
}

// ============ Helpers ============

// graphPath makes p absolute against the root without requiring it to exist.
func (m *MCPServer) graphPath(p string) (string, error) {
	if p == "" {
		return "", errors.New("path is required")
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(m.root, p)
	}
	return filepath.Clean(p), nil
}

// readablePath is graphPath restricted to the root and search paths.
func (m *MCPServer) readablePath(p string) (string, error) {
	path, err := m.graphPath(p)
	if err != nil {
		return "", err
	}
	if len(m.allowed) == 0 {
		return path, nil
	}
	for _, dir := range m.allowed {
		if within(dir, path) {
			return path, nil
		}
	}
	return "", fmt.Errorf("invalid layer path: %s", p)
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

var schema = map[string]any{
	"nodes": map[string]any{
		"Layer": map[string]any{
			"description": "A file on disk. indexed is false for targets that were referenced but never loaded",
			"properties":  []string{"path", "format", "indexed"},
			"example":     "MATCH (l:Layer {path: '/show/shot.usda'}) RETURN l",
		},
	},
	"relationships": []map[string]any{
		{
			"type":        "REFERENCES",
			"from":        "Layer",
			"to":          "Layer",
			"properties":  []string{"kind", "token", "token_start", "crate"},
			"description": "A layer refers to a file. kind is resolved, wildcard or unresolved; token_start is the byte offset of the reference",
			"example":     "MATCH (s:Layer)-[r:REFERENCES]->(t:Layer) RETURN s.path, t.path, r.kind",
		},
	},
	"common_patterns": []map[string]any{
		{
			"name":        "Find dependents",
			"description": "Find every layer that references a layer",
			"query":       "MATCH (s:Layer)-[:REFERENCES]->(t:Layer {path: $path}) RETURN DISTINCT s.path",
		},
		{
			"name":        "Transitive dependencies",
			"description": "Find every layer reachable from a root layer",
			"query":       "MATCH (s:Layer {path: $path})-[:REFERENCES*1..10]->(t:Layer) RETURN DISTINCT t.path",
		},
		{
			"name":        "Broken references",
			"description": "Find references that do not resolve",
			"query":       "MATCH (s:Layer)-[r:REFERENCES {kind: 'unresolved'}]->(t:Layer) RETURN s.path, r.token",
		},
		{
			"name":        "Crate references",
			"description": "Find references to binary crate layers",
			"query":       "MATCH (s:Layer)-[r:REFERENCES]->(t:Layer) WHERE r.crate = true RETURN s.path, t.path",
		},
	},
}

// Package db stores the layer reference graph in LadybugDB.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	lbug "github.com/LadybugDB/go-ladybug"
)

// ErrReadOnly is returned by writes to a database opened read-only.
var ErrReadOnly = errors.New("database is read-only")

// Record represents a single result row from a query.
type Record map[string]any

// GraphDB wraps LadybugDB for graph operations.
type GraphDB struct {
	db       *lbug.Database
	conn     *lbug.Connection
	path     string
	readOnly bool
	logger   *slog.Logger

	// mu serializes use of conn between the watcher and the servers.
	mu sync.Mutex
}

// Config holds database configuration options.
type Config struct {
	// Path is the filesystem path to the database.
	Path string

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// AutoRecover attempts to recover from WAL corruption.
	AutoRecover bool

	// Logger for database operations.
	Logger *slog.Logger
}

// Open opens or creates a LadybugDB database.
func Open(cfg Config) (*GraphDB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	sysCfg := lbug.DefaultSystemConfig()
	sysCfg.ReadOnly = cfg.ReadOnly

	db, err := lbug.OpenDatabase(cfg.Path, sysCfg)
	if err != nil {
		if !cfg.AutoRecover {
			return nil, fmt.Errorf("open database: %w", err)
		}
		logger.Warn("database open failed, attempting recovery", "error", err)
		if recoverErr := removeWALFiles(cfg.Path); recoverErr != nil {
			logger.Warn("WAL removal failed", "error", recoverErr)
		}
		db, err = lbug.OpenDatabase(cfg.Path, sysCfg)
		if err != nil {
			return nil, fmt.Errorf("open database after recovery: %w", err)
		}
		logger.Info("database recovery successful")
	}

	conn, err := lbug.OpenConnection(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open connection: %w", err)
	}

	gdb := &GraphDB{
		db:       db,
		conn:     conn,
		path:     cfg.Path,
		readOnly: cfg.ReadOnly,
		logger:   logger,
	}

	if !cfg.ReadOnly {
		if err := gdb.initSchema(); err != nil {
			gdb.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	return gdb, nil
}

func removeWALFiles(dbPath string) error {
	walPath := dbPath + ".wal"
	if _, err := os.Stat(walPath); err == nil {
		if err := os.Remove(walPath); err != nil {
			return fmt.Errorf("remove WAL file: %w", err)
		}
	}
	return nil
}

// initSchema creates the Layer table and the REFERENCES relationship.
//
// A Layer is any file a layer refers to. Indexed is true once the file itself
// has been parsed; targets that were only referenced stay false.
func (g *GraphDB) initSchema() error {
	schemas := []string{
		`CREATE NODE TABLE IF NOT EXISTS Layer(
			path STRING,
			format STRING,
			indexed BOOL,
			PRIMARY KEY(path)
		)`,
		`CREATE REL TABLE IF NOT EXISTS REFERENCES(
			FROM Layer TO Layer,
			kind STRING,
			token STRING,
			token_start INT64,
			crate BOOL
		)`,
	}

	for _, schema := range schemas {
		if _, err := g.conn.Query(schema); err != nil {
			g.logger.Debug("schema statement", "query", schema, "error", err)
		}
	}
	return nil
}

// Path returns the database path.
func (g *GraphDB) Path() string {
	return g.path
}

// ReadOnly reports whether the database was opened read-only.
func (g *GraphDB) ReadOnly() bool {
	return g.readOnly
}

// Execute runs a Cypher query and returns all results.
func (g *GraphDB) Execute(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.execute(query, params)
}

// execute runs query on the connection. Callers hold g.mu.
func (g *GraphDB) execute(query string, params map[string]any) ([]Record, error) {
	var result *lbug.QueryResult
	var err error

	if len(params) > 0 {
		stmt, prepErr := g.conn.Prepare(query)
		if prepErr != nil {
			return nil, fmt.Errorf("prepare query: %w", prepErr)
		}
		defer stmt.Close()

		result, err = g.conn.Execute(stmt, params)
	} else {
		result, err = g.conn.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer result.Close()

	// Empty, not nil, so "no results" differs from an error.
	records := make([]Record, 0)
	for result.HasNext() {
		tuple, err := result.Next()
		if err != nil {
			return nil, fmt.Errorf("fetch row: %w", err)
		}

		row, err := tuple.GetAsMap()
		if err != nil {
			return nil, fmt.Errorf("convert row: %w", err)
		}

		converted := make(Record, len(row))
		for k, v := range row {
			converted[k] = convertLbugValue(v)
		}
		records = append(records, converted)
	}

	return records, nil
}

// convertLbugValue converts LadybugDB-specific types to standard Go types.
func convertLbugValue(v any) any {
	switch val := v.(type) {
	case lbug.Node:
		m := make(map[string]any)
		for k, propVal := range val.Properties {
			m[k] = convertLbugValue(propVal)
		}
		m["_label"] = val.Label
		return m
	case lbug.Relationship:
		m := make(map[string]any)
		for k, propVal := range val.Properties {
			m[k] = convertLbugValue(propVal)
		}
		m["_label"] = val.Label
		return m
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = convertLbugValue(item)
		}
		return result
	default:
		return v
	}
}

// ExecuteWrite runs a Cypher query that modifies data.
func (g *GraphDB) ExecuteWrite(ctx context.Context, query string, params map[string]any) error {
	if g.readOnly {
		return ErrReadOnly
	}
	_, err := g.Execute(ctx, query, params)
	return err
}

// Tx runs statements inside an Update transaction.
type Tx struct {
	ctx context.Context
	g   *GraphDB
}

// ExecuteWrite runs a modifying query as part of the transaction.
func (tx *Tx) ExecuteWrite(query string, params map[string]any) error {
	if err := tx.ctx.Err(); err != nil {
		return err
	}
	_, err := tx.g.execute(query, params)
	return err
}

// Update runs fn in a single transaction. If fn fails nothing it wrote is kept.
// Other queries wait until the transaction ends.
func (g *GraphDB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if g.readOnly {
		return ErrReadOnly
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.execute("BEGIN TRANSACTION", nil); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Tx{ctx: ctx, g: g}); err != nil {
		if _, rbErr := g.execute("ROLLBACK", nil); rbErr != nil {
			g.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if _, err := g.execute("COMMIT", nil); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (g *GraphDB) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	if g.db != nil {
		g.db.Close()
		g.db = nil
	}
	return nil
}

// ClearDatabase removes all layers and references.
func (g *GraphDB) ClearDatabase(ctx context.Context) error {
	if err := g.ExecuteWrite(ctx, "MATCH (l:Layer) DETACH DELETE l", nil); err != nil {
		return fmt.Errorf("clear layers: %w", err)
	}
	g.logger.Info("database cleared")
	return nil
}

package db

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/usdmanager/usdmanager/internal/types"
	"github.com/usdmanager/usdmanager/internal/usd"
)

// IndexDocument records doc as an indexed layer and replaces its outgoing
// references with doc's links. Resolved and wildcard links point at each
// matched file; unresolved links point at the path the token names,
// relative to the directory the layer was resolved in. The layer and its
// references are written in one transaction.
func (g *GraphDB) IndexDocument(ctx context.Context, doc *types.Document) error {
	err := g.Update(ctx, func(tx *Tx) error {
		if err := tx.ExecuteWrite(`
			MERGE (l:Layer {path: $path})
			SET l.format = $format, l.indexed = true
		`, map[string]any{
			"path":   doc.Path,
			"format": string(doc.Format),
		}); err != nil {
			return fmt.Errorf("create layer %s: %w", doc.Path, err)
		}

		if err := tx.ExecuteWrite(`
			MATCH (l:Layer {path: $path})-[r:REFERENCES]->()
			DELETE r
		`, map[string]any{"path": doc.Path}); err != nil {
			return fmt.Errorf("clear references of %s: %w", doc.Path, err)
		}

		for _, link := range doc.Links {
			for _, target := range linkTargets(doc.BaseDir(), link) {
				if err := ensureLayer(tx, target); err != nil {
					return err
				}
				if err := tx.ExecuteWrite(`
					MATCH (s:Layer {path: $source})
					MATCH (t:Layer {path: $target})
					CREATE (s)-[:REFERENCES {kind: $kind, token: $token, token_start: $start, crate: $crate}]->(t)
				`, map[string]any{
					"source": doc.Path,
					"target": target,
					"kind":   string(link.Resolution.Kind),
					"token":  link.Token.Text,
					"start":  int64(link.Token.Start),
					"crate":  link.Binary,
				}); err != nil {
					return fmt.Errorf("create reference %s -> %s: %w", doc.Path, target, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	g.pruneOrphans(ctx)
	return nil
}

// ensureLayer creates a not-yet-indexed node for path unless one exists.
func ensureLayer(tx *Tx, path string) error {
	if err := tx.ExecuteWrite(`MERGE (l:Layer {path: $path})`, map[string]any{"path": path}); err != nil {
		return fmt.Errorf("create layer %s: %w", path, err)
	}
	if err := tx.ExecuteWrite(`
		MATCH (l:Layer {path: $path})
		WHERE l.indexed IS NULL
		SET l.indexed = false, l.format = $format
	`, map[string]any{
		"path":   path,
		"format": string(usd.DetectFormat(path)),
	}); err != nil {
		return fmt.Errorf("init layer %s: %w", path, err)
	}
	return nil
}

// linkTargets returns the graph targets of link for a layer resolved in dir.
func linkTargets(dir string, link types.Link) []string {
	if link.Resolution.Kind != types.Unresolved {
		return link.Resolution.Paths
	}
	if link.Resolution.Expanded != "" {
		return []string{link.Resolution.Expanded}
	}
	target := link.Token.Text
	if target == "" {
		return nil
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(dir, target)
	}
	return []string{filepath.Clean(target)}
}

// DeleteLayer removes a layer's references. The node itself is kept, marked
// unindexed, while other layers still refer to it.
func (g *GraphDB) DeleteLayer(ctx context.Context, path string) error {
	err := g.Update(ctx, func(tx *Tx) error {
		if err := tx.ExecuteWrite(`
			MATCH (l:Layer {path: $path})-[r:REFERENCES]->()
			DELETE r
		`, map[string]any{"path": path}); err != nil {
			return fmt.Errorf("delete references of %s: %w", path, err)
		}
		if err := tx.ExecuteWrite(`
			MATCH (l:Layer {path: $path})
			SET l.indexed = false
		`, map[string]any{"path": path}); err != nil {
			return fmt.Errorf("unindex layer %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	g.pruneOrphans(ctx)
	return nil
}

// pruneOrphans removes unindexed layers nothing refers to.
func (g *GraphDB) pruneOrphans(ctx context.Context) {
	if err := g.ExecuteWrite(ctx, `
		MATCH (l:Layer)
		WHERE l.indexed = false AND NOT (l)<-[:REFERENCES]-()
		DETACH DELETE l
	`, nil); err != nil {
		g.logger.Debug("cleanup layers", "error", err)
	}
}

const dependencyColumns = `
	RETURN s.path AS source, t.path AS target, r.kind AS kind, r.token AS token, r.token_start AS token_start
`

// Dependencies returns the references made by the layer at path, in document order.
func (g *GraphDB) Dependencies(ctx context.Context, path string) ([]types.Dependency, error) {
	records, err := g.Execute(ctx, `
		MATCH (s:Layer {path: $path})-[r:REFERENCES]->(t:Layer)`+dependencyColumns+`
		ORDER BY token_start, target
	`, map[string]any{"path": path})
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	return toDependencies(records), nil
}

// Dependents returns the references made to the layer at path by other layers.
func (g *GraphDB) Dependents(ctx context.Context, path string) ([]types.Dependency, error) {
	records, err := g.Execute(ctx, `
		MATCH (s:Layer)-[r:REFERENCES]->(t:Layer {path: $path})`+dependencyColumns+`
		ORDER BY source, token_start
	`, map[string]any{"path": path})
	if err != nil {
		return nil, fmt.Errorf("query dependents: %w", err)
	}
	return toDependencies(records), nil
}

// Unresolved returns every reference whose target could not be found.
func (g *GraphDB) Unresolved(ctx context.Context) ([]types.Dependency, error) {
	records, err := g.Execute(ctx, `
		MATCH (s:Layer)-[r:REFERENCES]->(t:Layer)
		WHERE r.kind = $kind`+dependencyColumns+`
		ORDER BY source, token_start
	`, map[string]any{"kind": string(types.Unresolved)})
	if err != nil {
		return nil, fmt.Errorf("query unresolved: %w", err)
	}
	return toDependencies(records), nil
}

// Layers returns the paths of all indexed layers, sorted.
func (g *GraphDB) Layers(ctx context.Context) ([]string, error) {
	records, err := g.Execute(ctx, `
		MATCH (l:Layer)
		WHERE l.indexed = true
		RETURN l.path AS path
		ORDER BY path
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("query layers: %w", err)
	}
	paths := make([]string, 0, len(records))
	for _, r := range records {
		if p, ok := r["path"].(string); ok {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func toDependencies(records []Record) []types.Dependency {
	deps := make([]types.Dependency, 0, len(records))
	for _, r := range records {
		d := types.Dependency{}
		d.Source, _ = r["source"].(string)
		d.Target, _ = r["target"].(string)
		d.Token, _ = r["token"].(string)
		if kind, ok := r["kind"].(string); ok {
			d.Kind = types.ResolutionKind(kind)
		}
		d.Start = toInt(r["token_start"])
		deps = append(deps, d)
	}
	return deps
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

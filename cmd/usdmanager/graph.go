package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/usdmanager/usdmanager/internal/db"
	"github.com/usdmanager/usdmanager/internal/types"
	"github.com/usdmanager/usdmanager/internal/watcher"
)

func (a *app) indexCmd() *cobra.Command {
	var rebuild bool

	cmd := &cobra.Command{
		Use:   "index ROOT",
		Short: "Index every layer under ROOT into the reference graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			graphDB, err := a.openDB(false)
			if err != nil {
				return err
			}
			defer graphDB.Close()

			defer a.closeParser()
			w, err := a.watcher(args[0], graphDB)
			if err != nil {
				return err
			}
			defer func() { _ = w.Stop() }()

			count, err := w.InitialIndex(cmd.Context(), rebuild)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d files under %s into %s\n", count, w.Root(), graphDB.Path())
			return nil
		},
	}

	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "Clear the graph before indexing")
	return cmd
}

// watcher builds a watcher on the shared parser. Callers defer closeParser.
func (a *app) watcher(root string, graphDB *db.GraphDB) (*watcher.Watcher, error) {
	return watcher.New(watcher.Config{
		Root:   root,
		DB:     graphDB,
		Parser: a.parser(),
		Logger: a.logger,
	})
}

func (a *app) depsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "deps FILE",
		Short: "List the files an indexed layer references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.queryGraph(cmd, args[0], asJSON, (*db.GraphDB).Dependencies)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func (a *app) dependentsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "dependents FILE",
		Short: "List the indexed layers that reference a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.queryGraph(cmd, args[0], asJSON, (*db.GraphDB).Dependents)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

type graphQuery func(*db.GraphDB, context.Context, string) ([]types.Dependency, error)

func (a *app) queryGraph(cmd *cobra.Command, file string, asJSON bool, query graphQuery) error {
	path, err := filepath.Abs(file)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	graphDB, err := a.openDB(true)
	if err != nil {
		return err
	}
	defer graphDB.Close()

	deps, err := query(graphDB, cmd.Context(), path)
	if err != nil {
		return err
	}
	if asJSON {
		if deps == nil {
			deps = []types.Dependency{}
		}
		return writeJSON(cmd.OutOrStdout(), deps)
	}
	return writeDependencies(cmd.OutOrStdout(), deps)
}

func writeDependencies(w io.Writer, deps []types.Dependency) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tKIND\tREFERENCE\tTARGET")
	for _, d := range deps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Source, d.Kind, d.Token, d.Target)
	}
	return tw.Flush()
}

func (a *app) watchCmd() *cobra.Command {
	var rebuild bool

	cmd := &cobra.Command{
		Use:   "watch ROOT",
		Short: "Index ROOT, then keep the graph current as layers change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.signalContext(cmd.Context())
			defer cancel()

			graphDB, err := a.openDB(false)
			if err != nil {
				return err
			}
			defer graphDB.Close()

			defer a.closeParser()
			w, err := a.watcher(args[0], graphDB)
			if err != nil {
				return err
			}
			defer func() { _ = w.Stop() }()

			count, err := w.InitialIndex(ctx, rebuild)
			if err != nil {
				return err
			}
			a.logger.Info("initial index complete", "files", count)

			if err := w.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "Clear the graph before indexing")
	return cmd
}

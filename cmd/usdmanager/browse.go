package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/usdmanager/usdmanager/internal/highlight"
	"github.com/usdmanager/usdmanager/internal/render"
	"github.com/usdmanager/usdmanager/internal/search"
	"github.com/usdmanager/usdmanager/internal/types"
)

func (a *app) linksCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "links FILE",
		Short: "List the file references in a layer and how they resolve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.closeParser()
			doc, err := a.parser().ParseFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch format {
			case "json":
				return writeJSON(out, doc)
			case "table":
				return writeLinks(out, doc, a.openWith)
			default:
				return fmt.Errorf("unknown format %q (want json or table)", format)
			}
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: json or table")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openWith names what opens path: a configured program, "browse" for files
// viewed in place, or "-" for unknown file types.
func (a *app) openWith(path string) string {
	prog, ok := a.cfg.Program(filepath.Ext(path))
	switch {
	case !ok:
		return "-"
	case prog == "":
		return "browse"
	default:
		return prog
	}
}

// writeLinks prints one row per link. Wildcards print one row per match.
func writeLinks(w io.Writer, doc *types.Document, openWith func(string) string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LINE\tKIND\tREFERENCE\tTARGET\tOPEN WITH")

	for _, link := range doc.Links {
		line := search.LineAt(doc.Text, link.Token.Start)
		kind := string(link.Resolution.Kind)
		if link.Binary {
			kind += " (crate)"
		}
		targets := link.Resolution.Paths
		if len(targets) == 0 {
			targets = []string{"-"}
		}
		for _, target := range targets {
			program := openWith(link.Token.Text)
			if target != "-" {
				program = openWith(target)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", line, kind, link.Token.Text, target, program)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if doc.Warning != "" {
		fmt.Fprintln(w, doc.Warning)
	}
	fmt.Fprintf(w, "%s in %s\n", humanize.Plural(len(doc.Links), "reference", "references"), doc.Path)
	return nil
}

func (a *app) renderCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "render FILE",
		Short: "Render a layer as HTML with its references linked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.closeParser()
			doc, err := a.parser().ParseFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			page := render.Render(doc, a.renderOptions())
			if page.Warning != "" {
				a.logger.Warn(page.Warning, "path", doc.Path)
			}
			return writeOutput(cmd, output, page.HTML)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func (a *app) highlightCmd() *cobra.Command {
	var (
		style  string
		output string
	)

	cmd := &cobra.Command{
		Use:   "highlight FILE",
		Short: "Write a file as syntax-highlighted HTML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.closeParser()
			doc, err := a.parser().ParseFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			prefs := a.cfg.Preferences
			opts := highlight.Options{
				Style:       style,
				LineNumbers: prefs.LineNumbers,
				TabWidth:    prefs.TabSpaces,
			}
			ext := strings.TrimPrefix(filepath.Ext(doc.Path), ".")
			if !prefs.SyntaxHighlighting {
				ext = ""
			}

			var b strings.Builder
			if err := highlight.HTML(&b, ext, doc.Text, opts); err != nil {
				return err
			}
			return writeOutput(cmd, output, b.String())
		},
	}

	cmd.Flags().StringVar(&style, "style", highlight.DefaultStyle, "Chroma style name")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func writeOutput(cmd *cobra.Command, path, content string) error {
	if path == "" {
		_, err := io.WriteString(cmd.OutOrStdout(), content)
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (a *app) findCmd() *cobra.Command {
	var (
		matchCase bool
		wholeWord bool
		replace   string
		goTo      int
		from      int
		backward  bool
		wrap      bool
	)

	cmd := &cobra.Command{
		Use:   "find FILE [QUERY]",
		Short: "Find text in a file, replace it, or print a line",
		Long: `Find prints every line of FILE containing QUERY as path:line: text.

With --replace the whole file is printed with every match replaced. With
--line the given line is printed and QUERY may be omitted.

With --from, --backward or --wrap only one match is printed: the first at or
after the start of line --from, or with --backward the last one before it.
--wrap continues from the other end of the file when nothing is found.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.closeParser()
			doc, err := a.parser().ParseFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if goTo > 0 {
				start, end, ok := search.LineOffset(doc.Text, goTo)
				if !ok {
					return fmt.Errorf("%s has %d lines", doc.Path, search.LineCount(doc.Text))
				}
				fmt.Fprintln(out, doc.Text[start:end])
				return nil
			}
			if len(args) < 2 {
				return fmt.Errorf("find needs a QUERY unless --line is given")
			}

			opts := search.Options{
				MatchCase: matchCase || a.cfg.Preferences.FindMatchCase,
				WholeWord: wholeWord,
				Backward:  backward,
				Wrap:      wrap,
			}
			if cmd.Flags().Changed("replace") {
				text, n := search.ReplaceAll(doc.Text, args[1], replace, opts)
				a.logger.Info("replaced", "count", n, "path", doc.Path)
				_, err := io.WriteString(out, text)
				return err
			}

			if cmd.Flags().Changed("from") || backward || wrap {
				if from > 0 {
					start, _, ok := search.LineOffset(doc.Text, from)
					if !ok {
						return fmt.Errorf("%s has %d lines", doc.Path, search.LineCount(doc.Text))
					}
					opts.From = start
				} else if backward {
					opts.From = len(doc.Text)
				}
				hit, ok := search.Find(doc.Text, args[1], opts)
				if !ok {
					return fmt.Errorf("phrase not found: %s", args[1])
				}
				if hit.Wrapped {
					a.logger.Info("search wrapped", "path", doc.Path)
				}
				start, end, _ := search.LineOffset(doc.Text, hit.Line)
				fmt.Fprintf(out, "%s:%d: %s\n", doc.Path, hit.Line, doc.Text[start:end])
				return nil
			}

			matches := search.FindAll(doc.Text, args[1], opts)
			if len(matches) == 0 {
				return fmt.Errorf("phrase not found: %s", args[1])
			}
			last := 0
			for _, m := range matches {
				if m.Line == last {
					continue
				}
				last = m.Line
				start, end, _ := search.LineOffset(doc.Text, m.Line)
				fmt.Fprintf(out, "%s:%d: %s\n", doc.Path, m.Line, doc.Text[start:end])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&matchCase, "match-case", false, "Compare case-sensitively")
	cmd.Flags().BoolVarP(&wholeWord, "whole-word", "w", false, "Only match whole words")
	cmd.Flags().StringVar(&replace, "replace", "", "Print the file with every match replaced by this text")
	cmd.Flags().IntVarP(&goTo, "line", "l", 0, "Print this line instead of searching")
	cmd.Flags().IntVar(&from, "from", 0, "Print only the next match from this line")
	cmd.Flags().BoolVar(&backward, "backward", false, "Print only the previous match before --from (default: the end)")
	cmd.Flags().BoolVar(&wrap, "wrap", false, "Wrap around the file when nothing is found")
	return cmd
}

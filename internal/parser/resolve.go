package parser

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/usdmanager/usdmanager/internal/types"
)

const (
	udimToken    = "<UDIM>"
	udimPattern  = "[1-9][0-9][0-9][0-9]"
	frameToken   = ".#."
	framePattern = ".*."
	fileScheme   = "file://"
)

// A scheme needs two or more characters so Windows drive letters are not URIs.
var uriPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]+:`)

// Braces are literal in references; doublestar would read them as alternation.
var braceEscaper = strings.NewReplacer("{", `\{`, "}", `\}`)

// Context carries the explicit configuration for one classification pass.
type Context struct {
	// BaseDir is the directory of the open document. Relative tokens resolve here first.
	BaseDir string

	// SearchPaths are tried in order after BaseDir.
	SearchPaths []string

	// Extensions is the recognised link extension set, without dots.
	Extensions []string

	// Getenv looks up variables for ~ and $VAR expansion. Nil expands nothing.
	Getenv func(string) (string, bool)
}

// Resolver maps reference tokens to files. It caches existence checks, so one
// Resolver should live for a single pass over a document.
type Resolver struct {
	baseDir     string
	searchPaths []string
	getenv      func(string) (string, bool)
	exists      map[string]bool
}

// NewResolver creates a resolver for one pass.
func NewResolver(ctx Context) *Resolver {
	return &Resolver{
		baseDir:     ctx.BaseDir,
		searchPaths: ctx.SearchPaths,
		getenv:      ctx.Getenv,
		exists:      make(map[string]bool),
	}
}

// Resolve classifies one token. It never fails: errors become Unresolved.
func (r *Resolver) Resolve(token string) types.Resolution {
	unresolved := types.Resolution{Kind: types.Unresolved}
	if token == "" {
		return unresolved
	}

	path, err := r.expand(token)
	if err != nil {
		return unresolved
	}

	if pattern, ok := wildcard(path); ok {
		matches := r.glob(pattern)
		if len(matches) == 0 {
			return unresolved
		}
		return types.Resolution{Kind: types.WildcardResolved, Paths: matches}
	}

	for i, candidate := range r.candidates(path) {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		if ok, _ := r.stat(abs); ok {
			return types.Resolution{Kind: types.Resolved, Paths: []string{abs}}
		}
		if i == 0 {
			unresolved.Expanded = abs
		}
	}
	return unresolved
}

// expand strips file:// and substitutes ~ and environment variables.
func (r *Resolver) expand(token string) (string, error) {
	path := token
	if strings.HasPrefix(path, fileScheme) {
		path = strings.TrimPrefix(path, fileScheme)
	} else if uriPattern.MatchString(path) {
		return "", fmt.Errorf("%w: unsupported scheme in %q", ErrMalformedToken, token)
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, ok := r.lookup("HOME")
		if !ok {
			return "", fmt.Errorf("%w: HOME not set for %q", ErrMalformedToken, token)
		}
		path = home + path[1:]
	}

	if strings.Contains(path, "$") {
		var missing []string
		path = os.Expand(path, func(name string) string {
			v, ok := r.lookup(name)
			if !ok {
				missing = append(missing, name)
			}
			return v
		})
		if len(missing) > 0 {
			return "", fmt.Errorf("%w: unset variables %v in %q", ErrMalformedToken, missing, token)
		}
	}

	return path, nil
}

func (r *Resolver) lookup(name string) (string, bool) {
	if r.getenv == nil {
		return "", false
	}
	return r.getenv(name)
}

// candidates lists the paths tried for a token: the token itself when absolute,
// else the token joined against the base dir and then each search path.
func (r *Resolver) candidates(path string) []string {
	if filepath.IsAbs(path) {
		return []string{path}
	}
	dirs := append([]string{r.baseDir}, r.searchPaths...)
	out := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		out = append(out, filepath.Join(dir, path))
	}
	return out
}

// stat reports whether path exists, caching the answer for the pass. Lookup
// failures other than absence are returned wrapped in ErrFilesystemUnavailable
// and cached as missing.
func (r *Resolver) stat(path string) (bool, error) {
	if ok, cached := r.exists[path]; cached {
		return ok, nil
	}
	_, err := os.Stat(path)
	r.exists[path] = err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("%w: %w", ErrFilesystemUnavailable, err)
	}
	return err == nil, nil
}

// wildcard reports whether path is a pattern and returns it in glob syntax.
func wildcard(path string) (string, bool) {
	if !strings.ContainsAny(path, "*?[") &&
		!strings.Contains(path, udimToken) &&
		!strings.Contains(path, frameToken) {
		return "", false
	}
	pattern := strings.ReplaceAll(path, udimToken, udimPattern)
	pattern = strings.ReplaceAll(pattern, frameToken, framePattern)
	return pattern, true
}

// glob expands pattern in each candidate directory, returning the union in
// directory order then lexical order, without duplicates.
func (r *Resolver) glob(pattern string) []string {
	seen := make(map[string]bool)
	var matches []string

	prefix, rest := splitPattern(pattern)
	rest = braceEscaper.Replace(rest)
	if !doublestar.ValidatePattern(rest) {
		return nil
	}

	for _, base := range r.candidates(prefix) {
		// Unreadable entries are skipped; whatever else matched still counts.
		found, err := doublestar.Glob(os.DirFS(base), rest)
		if err != nil {
			continue
		}
		for _, m := range found {
			abs, err := filepath.Abs(filepath.Join(base, filepath.FromSlash(m)))
			if err != nil || seen[abs] {
				continue
			}
			seen[abs] = true
			matches = append(matches, abs)
		}
	}
	return matches
}

// splitPattern splits a pattern into its literal directory prefix and the
// slash-separated glob below it. Only the token is split; base and search
// directories are joined to the prefix afterwards and never interpreted as glob.
func splitPattern(pattern string) (string, string) {
	p := filepath.ToSlash(filepath.Clean(pattern))
	meta := strings.IndexAny(p, "*?[")
	if meta < 0 {
		meta = len(p)
	}
	slash := strings.LastIndex(p[:meta], "/")
	switch {
	case slash < 0:
		return ".", p
	case slash == 0:
		return "/", p[1:]
	default:
		return filepath.FromSlash(p[:slash]), p[slash+1:]
	}
}

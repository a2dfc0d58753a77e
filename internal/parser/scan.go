// Package parser detects, resolves and classifies file references in document text.
package parser

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/usdmanager/usdmanager/internal/types"
)

var (
	// ErrMalformedToken marks a token that cannot be expanded or parsed into a path.
	ErrMalformedToken = errors.New("malformed reference token")

	// ErrFilesystemUnavailable marks a lookup that failed for reasons other than absence.
	ErrFilesystemUnavailable = errors.New("filesystem unavailable")
)

const formatArgsMarker = ":SDF_FORMAT_ARGS:"

var (
	variablePattern   = regexp.MustCompile(`^\$\{[\w/${}:.-]+\}$`)
	extensionPattern  = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	lineSuffixPattern = regexp.MustCompile(`^, line (\d+)`)
)

// Dialect controls the per-format parts of token detection.
type Dialect struct {
	// Extensions is the recognised extension set, lower-cased without dots.
	Extensions map[string]struct{}

	// Layers splits usdz [layer] and :SDF_FORMAT_ARGS: suffixes off the path.
	Layers bool

	// LineNumbers captures a ", line N" suffix after the closing delimiter.
	LineNumbers bool
}

// NewDialect builds a dialect recognising the given extensions.
func NewDialect(extensions []string) Dialect {
	set := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		set[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	return Dialect{Extensions: set}
}

// Scan returns every delimited path-like token in text, in order.
//
// A delimiter is one of ', ", @ or @@@; its partner is the next identical delimiter
// on the same line. Accepted tokens resume the scan after the closing delimiter,
// rejected ones one byte after the opening delimiter.
func Scan(text string, d Dialect) []types.ReferenceToken {
	var tokens []types.ReferenceToken

	i := 0
	for i < len(text) {
		c := text[i]
		if c != '\'' && c != '"' && c != '@' {
			i++
			continue
		}

		delim := text[i : i+1]
		if c == '@' && strings.HasPrefix(text[i:], "@@@") {
			delim = "@@@"
		}
		start := i + len(delim)
		rel := indexOnLine(text[start:], delim)
		if rel < 0 {
			i++
			continue
		}
		end := start + rel
		next := end + len(delim)

		candidate := text[start:end]
		if c != '@' && strings.HasSuffix(candidate, `\`) {
			candidate = candidate[:len(candidate)-1]
		}

		tok, ok := d.token(candidate, start, delimiterKind(c))
		if !ok {
			i++
			continue
		}
		if d.LineNumbers {
			if m := lineSuffixPattern.FindStringSubmatch(text[next:]); m != nil {
				tok.Line, _ = strconv.Atoi(m[1])
				next += len(m[0])
			}
		}
		tokens = append(tokens, tok)
		i = next
	}

	return tokens
}

// indexOnLine finds delim in s before the next newline.
func indexOnLine(s, delim string) int {
	idx := strings.Index(s, delim)
	if idx < 0 {
		return -1
	}
	if nl := strings.IndexByte(s[:idx], '\n'); nl >= 0 {
		return -1
	}
	return idx
}

func delimiterKind(c byte) types.Delimiter {
	switch c {
	case '\'':
		return types.DelimiterSingleQuote
	case '"':
		return types.DelimiterDoubleQuote
	default:
		return types.DelimiterAt
	}
}

// token splits dialect suffixes off a candidate and applies the path heuristic.
func (d Dialect) token(candidate string, start int, delim types.Delimiter) (types.ReferenceToken, bool) {
	path := candidate
	tok := types.ReferenceToken{Start: start, Delimiter: delim}

	if d.Layers {
		if idx := strings.Index(path, formatArgsMarker); idx >= 0 {
			tok.FormatArgs = parseFormatArgs(path[idx+len(formatArgsMarker):])
			path = path[:idx]
		}
		if strings.HasSuffix(path, "]") {
			if idx := strings.Index(strings.ToLower(path), ".usdz["); idx >= 0 {
				tok.Layer = path[idx+len(".usdz[") : len(path)-1]
				path = path[:idx+len(".usdz")]
			}
		}
	}

	if !d.looksLikePath(path) {
		return types.ReferenceToken{}, false
	}
	tok.Text = path
	tok.End = start + len(path)
	return tok, true
}

// looksLikePath is the path heuristic: a candidate must be a single trimmed line
// and either carry a recognised extension, be a separated path ending in .ext, or
// be a ${VAR} reference.
func (d Dialect) looksLikePath(s string) bool {
	if s == "" || strings.ContainsAny(s, "\t\n\r\f\v") {
		return false
	}
	if s[0] == ' ' || s[len(s)-1] == ' ' {
		return false
	}
	if variablePattern.MatchString(s) {
		return true
	}

	ext := extension(s)
	if ext == "" {
		return false
	}
	if _, ok := d.Extensions[strings.ToLower(ext)]; ok {
		return true
	}
	return strings.ContainsAny(s, `/\`) && extensionPattern.MatchString(ext)
}

// extension returns the text after the last dot of the last path element.
func extension(s string) string {
	if idx := strings.LastIndexAny(s, `/\`); idx >= 0 {
		s = s[idx+1:]
	}
	idx := strings.LastIndexByte(s, '.')
	if idx < 0 {
		return ""
	}
	return s[idx+1:]
}

// parseFormatArgs parses k=v pairs joined by &. Pairs without = are dropped.
func parseFormatArgs(s string) map[string]string {
	args := make(map[string]string)
	for _, pair := range strings.Split(s, "&") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			continue
		}
		args[k] = v
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

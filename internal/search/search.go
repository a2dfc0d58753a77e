// Package search provides find, replace and go-to-line over document text.
package search

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Options control a search.
type Options struct {
	// MatchCase compares case-sensitively.
	MatchCase bool

	// WholeWord only matches hits not adjoined by letters, digits or underscores.
	WholeWord bool

	// Backward finds the last hit ending at or before From instead of the first
	// hit starting at or after it.
	Backward bool

	// Wrap continues from the other end of the text when nothing is found.
	Wrap bool

	// From is the byte offset the search starts at.
	From int
}

// Match is one hit. Offsets are bytes; End is exclusive.
type Match struct {
	Start int `json:"start"`
	End   int `json:"end"`

	// Line is the 1-based line of Start.
	Line int `json:"line"`

	// Wrapped is set when the hit was found after wrapping around.
	Wrapped bool `json:"wrapped,omitempty"`
}

func compile(query string, matchCase bool) *regexp.Regexp {
	expr := regexp.QuoteMeta(query)
	if !matchCase {
		expr = "(?i)" + expr
	}
	return regexp.MustCompile(expr)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func wholeWord(text string, start, end int) bool {
	if start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(text[:start]); isWordRune(r) {
			return false
		}
	}
	if end < len(text) {
		if r, _ := utf8.DecodeRuneInString(text[end:]); isWordRune(r) {
			return false
		}
	}
	return true
}

// matches returns every hit in text in order. With whole-word matching a
// rejected hit is retried one rune later, so hits may overlap rejected ones.
func matches(text, query string, opts Options) [][2]int {
	if query == "" {
		return nil
	}
	re := compile(query, opts.MatchCase)

	var out [][2]int
	pos := 0
	for pos <= len(text) {
		loc := re.FindStringIndex(text[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		if !opts.WholeWord || wholeWord(text, start, end) {
			out = append(out, [2]int{start, end})
			pos = end
			continue
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		if size == 0 {
			break
		}
		pos = start + size
	}
	return out
}

// Find returns the next hit for query from opts.From.
func Find(text, query string, opts Options) (Match, bool) {
	hits := matches(text, query, opts)
	if len(hits) == 0 {
		return Match{}, false
	}
	from := clamp(opts.From, len(text))

	if opts.Backward {
		for i := len(hits) - 1; i >= 0; i-- {
			if hits[i][1] <= from {
				return newMatch(text, hits[i], false), true
			}
		}
		if opts.Wrap {
			return newMatch(text, hits[len(hits)-1], true), true
		}
		return Match{}, false
	}

	for _, h := range hits {
		if h[0] >= from {
			return newMatch(text, h, false), true
		}
	}
	if opts.Wrap {
		return newMatch(text, hits[0], true), true
	}
	return Match{}, false
}

// FindAll returns every hit for query, in order, for highlight-all.
// Backward, Wrap and From are ignored.
func FindAll(text, query string, opts Options) []Match {
	hits := matches(text, query, opts)
	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		out = append(out, newMatch(text, h, false))
	}
	return out
}

// ReplaceAll replaces every hit for query with replacement and returns the new
// text and the number of replacements. Backward, Wrap and From are ignored.
func ReplaceAll(text, query, replacement string, opts Options) (string, int) {
	hits := matches(text, query, opts)
	if len(hits) == 0 {
		return text, 0
	}

	var b strings.Builder
	last := 0
	for _, h := range hits {
		b.WriteString(text[last:h[0]])
		b.WriteString(replacement)
		last = h[1]
	}
	b.WriteString(text[last:])
	return b.String(), len(hits)
}

// LineOffset returns the byte range of 1-based line, excluding its newline.
// ok is false when the line does not exist.
func LineOffset(text string, line int) (start, end int, ok bool) {
	if line < 1 {
		return 0, 0, false
	}
	for n := 1; n < line; n++ {
		nl := strings.IndexByte(text[start:], '\n')
		if nl < 0 {
			return 0, 0, false
		}
		start += nl + 1
	}
	end = len(text)
	if nl := strings.IndexByte(text[start:], '\n'); nl >= 0 {
		end = start + nl
	}
	return start, end, true
}

// LineCount returns the number of lines in text. Empty text has one line.
func LineCount(text string) int {
	return strings.Count(text, "\n") + 1
}

// LineAt returns the 1-based line containing byte offset.
func LineAt(text string, offset int) int {
	return strings.Count(text[:clamp(offset, len(text))], "\n") + 1
}

func newMatch(text string, h [2]int, wrapped bool) Match {
	return Match{Start: h[0], End: h[1], Line: LineAt(text, h[0]), Wrapped: wrapped}
}

func clamp(n, limit int) int {
	if n < 0 {
		return 0
	}
	if n > limit {
		return limit
	}
	return n
}

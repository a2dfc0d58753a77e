// Package render turns classified documents into browse-view HTML.
package render

import (
	"fmt"
	"html"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/usdmanager/usdmanager/internal/types"
)

// Default limits for rendered output.
const (
	DefaultLineCharLimit = 999
	DefaultCharLimit     = 100000000
)

// Body wraps rendered text in an HTML document with the link styles.
const Body = `<!DOCTYPE HTML PUBLIC "-//W3C//DTD HTML 4.0//EN" "http://www.w3.org/TR/REC-html40/strict.dtd">
<html><head><style type="text/css">
a.mayNotExist {color:#C90}
a.binary {color:#69F}
.badLink {color:red}
</style></head><body style="white-space:pre">%s</body></html>`

const elided = "<span title='Long array truncated for display performance'> &hellip; </span>"

var (
	// An array attribute (or a time sample) with its opening bracket, the items,
	// then the closing bracket to the end of the line.
	usdArrayPattern = regexp.MustCompile(`^((?:\s*(?:\w+\s+)?\w+\[\]\s+[\w:]+\s*=|\s*\d+:)\s*\[)\s*(.*)\s*(\].*)$`)

	drivePattern = regexp.MustCompile(`^[A-Za-z]:`)
)

// Options control rendering.
type Options struct {
	// Teletype converts ANSI terminal codes in log documents to styled spans.
	Teletype bool

	// LineCharLimit marks long lines; USD arrays on them are elided. Zero means DefaultLineCharLimit.
	LineCharLimit int

	// CharLimit caps the rendered body. Zero means DefaultCharLimit.
	CharLimit int
}

// Page is a rendered document.
type Page struct {
	HTML      string
	Truncated bool
	Warning   string
}

// HTML renders doc and returns the HTML document.
func HTML(doc *types.Document, opts Options) string {
	return Render(doc, opts).HTML
}

// Render renders doc, reporting truncation.
func Render(doc *types.Document, opts Options) Page {
	lineCharLimit := opts.LineCharLimit
	if lineCharLimit <= 0 {
		lineCharLimit = DefaultLineCharLimit
	}
	charLimit := opts.CharLimit
	if charLimit <= 0 {
		charLimit = DefaultCharLimit
	}

	links := append([]types.Link(nil), doc.Links...)
	sort.SliceStable(links, func(i, j int) bool {
		return links[i].Token.Start < links[j].Token.Start
	})

	isUSD := doc.Parser == "usd"
	baseDir := doc.BaseDir()

	var b strings.Builder
	text := doc.Text
	next := 0
	for start := 0; start < len(text); {
		end := strings.IndexByte(text[start:], '\n')
		if end < 0 {
			end = len(text)
		} else {
			end += start + 1
		}
		line := text[start:end]

		if len(strings.TrimRight(line, "\r\n")) > lineCharLimit {
			b.WriteString(longLine(line, isUSD))
			for next < len(links) && links[next].Token.Start < end {
				next++
			}
			start = end
			continue
		}

		pos := start
		for next < len(links) && links[next].Token.Start < end {
			link := links[next]
			next++
			if link.Token.Start < pos || link.Token.End > end {
				continue
			}
			b.WriteString(html.EscapeString(text[pos:link.Token.Start]))
			b.WriteString(Anchor(link, baseDir))
			pos = link.Token.End
		}
		b.WriteString(html.EscapeString(text[pos:end]))
		start = end
	}

	page := Page{Truncated: doc.Truncated, Warning: doc.Warning}
	body := b.String()
	if len(body) > charLimit {
		cut := charLimit
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
		page.Truncated = true
		page.Warning = fmt.Sprintf("Extremely large file! Capping display at %s characters.", humanize.Comma(int64(charLimit)))
	}

	if opts.Teletype && doc.Parser == "log" {
		body = Teletype(body)
	}
	page.HTML = fmt.Sprintf(Body, body)
	return page
}

// Anchor renders one link. Resolved links become anchors, binary ones styled
// as such, and wildcards link to the pattern. Unresolved references are marked
// red and still link to the expanded path when there is one.
func Anchor(link types.Link, baseDir string) string {
	text := html.EscapeString(link.Token.Text)
	query := Query(link)

	switch link.Resolution.Kind {
	case types.Resolved:
		path := link.Resolution.Path()
		if link.Binary {
			query = append([]string{"binary=1"}, query...)
			return fmt.Sprintf(`<a class="binary" href="%s">%s</a>`, href(path, query), text)
		}
		return fmt.Sprintf(`<a href="%s">%s</a>`, href(path, query), text)

	case types.WildcardResolved:
		pattern := link.Token.Text
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}
		return fmt.Sprintf(`<a title="Multiple files may exist" class="mayNotExist" href="%s">%s</a>`, href(pattern, query), text)

	default:
		if path := link.Resolution.Expanded; path != "" {
			return fmt.Sprintf(`<a title="File not found" class="badLink" href="%s">%s</a>`, href(path, query), text)
		}
		return fmt.Sprintf(`<span title="File not found" class="badLink">%s</span>`, text)
	}
}

// Query returns the URL query parameters carried by a link's token.
func Query(link types.Link) []string {
	var query []string
	if len(link.Token.FormatArgs) > 0 {
		keys := make([]string, 0, len(link.Token.FormatArgs))
		for k := range link.Token.FormatArgs {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		args := make([]string, 0, len(keys))
		for _, k := range keys {
			v := strings.NewReplacer("&", "+", "=", ":").Replace(link.Token.FormatArgs[k])
			args = append(args, k+":"+v)
		}
		query = append(query, "sdf="+strings.Join(args, "+"))
	}
	if link.Token.Layer != "" {
		query = append(query, "layer="+link.Token.Layer)
	}
	if link.Token.Line > 0 {
		query = append(query, "line="+strconv.Itoa(link.Token.Line))
	}
	return query
}

// href builds an escaped file:// URL. Windows drive paths get a third slash.
func href(path string, query []string) string {
	path = filepath.ToSlash(path)
	if drivePattern.MatchString(path) {
		path = "/" + path
	}
	u := "file://" + path
	if len(query) > 0 {
		u += "?" + strings.Join(query, "&")
	}
	return html.EscapeString(u)
}

// longLine escapes a line skipped by link parsing, eliding the middle of a USD array.
func longLine(line string, isUSD bool) string {
	if !isUSD {
		return html.EscapeString(line)
	}
	trimmed := strings.TrimRight(line, "\r\n")
	m := usdArrayPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return html.EscapeString(line)
	}

	inner := m[2]
	split := ","
	switch {
	case strings.HasPrefix(inner, "(("):
		split = ")),"
	case strings.HasPrefix(inner, "("):
		split = "),"
	}
	first := strings.Index(inner, split)
	if first < 0 {
		return html.EscapeString(line)
	}
	last := strings.LastIndex(inner, split)

	return html.EscapeString(m[1]+inner[:first+len(split)]) + elided +
		html.EscapeString(strings.TrimLeft(inner[last+len(split):], " \t")+m[3]) + line[len(trimmed):]
}

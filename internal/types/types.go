// Package types defines the core data structures for usdmanager.
package types

import "path/filepath"

// Delimiter identifies how a reference token was enclosed in the document text.
type Delimiter string

const (
	DelimiterSingleQuote Delimiter = "quote"
	DelimiterDoubleQuote Delimiter = "double-quote"
	DelimiterAt          Delimiter = "at"
	DelimiterBare        Delimiter = "bare"
)

// ResolutionKind classifies the outcome of resolving a reference token.
type ResolutionKind string

const (
	Resolved         ResolutionKind = "resolved"
	WildcardResolved ResolutionKind = "wildcard"
	Unresolved       ResolutionKind = "unresolved"
)

// Format is the detected file format of a loaded document.
type Format string

const (
	FormatUSD  Format = "usd"
	FormatUSDA Format = "usda"
	FormatUSDC Format = "usdc"
	FormatUSDZ Format = "usdz"
	FormatNone Format = "text"
)

// ReferenceToken is a substring of document text identified as a candidate file path.
type ReferenceToken struct {
	// Text is the path portion of the token, without delimiters or dialect suffixes.
	Text string `json:"text"`

	// Start and End are byte offsets of Text within the document. End is exclusive.
	Start int `json:"start"`
	End   int `json:"end"`

	// Delimiter is the enclosing delimiter kind.
	Delimiter Delimiter `json:"delimiter"`

	// Layer is the layer inside a usdz package, e.g. foo.usdz[inner/layer.usd].
	Layer string `json:"layer,omitempty"`

	// FormatArgs are :SDF_FORMAT_ARGS: key/value pairs.
	FormatArgs map[string]string `json:"format_args,omitempty"`

	// Line is the line number from a ", line N" suffix in log output.
	Line int `json:"line,omitempty"`
}

// Resolution is the outcome of resolving a ReferenceToken.
type Resolution struct {
	Kind  ResolutionKind `json:"kind"`
	Paths []string       `json:"paths,omitempty"`

	// Expanded is the absolute path an unresolved token names once ~ and
	// variables are expanded. Empty when expansion failed or for wildcards.
	Expanded string `json:"expanded,omitempty"`
}

// Path returns the first resolved path, or "" when unresolved.
func (r Resolution) Path() string {
	if len(r.Paths) == 0 {
		return ""
	}
	return r.Paths[0]
}

// Link pairs a token with its resolution.
type Link struct {
	Token      ReferenceToken `json:"token"`
	Resolution Resolution     `json:"resolution"`

	// Binary is set when the resolved target is a USD crate file.
	Binary bool `json:"binary,omitempty"`
}

// Document is one loaded file prepared for the browse view.
type Document struct {
	// Path is the absolute path of the file.
	Path string `json:"path"`

	// Format is the detected format.
	Format Format `json:"format"`

	// Parser is the name of the parser that handled the file.
	Parser string `json:"parser"`

	// Dir is the directory relative links were resolved against. For a usdz
	// package this is the extraction directory.
	Dir string `json:"dir,omitempty"`

	// Text is the (possibly converted or truncated) file text.
	Text string `json:"-"`

	// Links are the classified references in Text order.
	Links []Link `json:"links"`

	// Truncated is set when the text was capped by a limit.
	Truncated bool   `json:"truncated,omitempty"`
	Warning   string `json:"warning,omitempty"`
}

// BaseDir returns Dir, falling back to the directory of Path.
func (d *Document) BaseDir() string {
	if d.Dir != "" {
		return d.Dir
	}
	return filepath.Dir(d.Path)
}

// Dependency is one edge of the layer reference graph.
type Dependency struct {
	Source string         `json:"source"`
	Target string         `json:"target"`
	Kind   ResolutionKind `json:"kind"`
	Token  string         `json:"token"`

	// Start is the byte offset of Token in the source layer.
	Start int `json:"start"`
}

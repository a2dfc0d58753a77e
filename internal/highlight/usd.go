package highlight

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
)

// USD is a lexer for USD ASCII layers.
var USD = lexers.Register(chroma.MustNewLexer(
	&chroma.Config{
		Name:      "USD",
		Aliases:   []string{"usd", "usda"},
		Filenames: []string{"*.usd", "*.usda", "*.usdc", "*.usdz"},
		MimeTypes: []string{"text/x-usd"},
	},
	usdRules,
))

func usdRules() chroma.Rules {
	return chroma.Rules{
		"root": {
			{Pattern: `\s+`, Type: chroma.TextWhitespace},
			{Pattern: `/\*`, Type: chroma.CommentMultiline, Mutator: chroma.Push("comment")},
			{Pattern: `#[^\n]*`, Type: chroma.CommentSingle},
			{Pattern: `"""[\s\S]*?"""`, Type: chroma.LiteralStringDoc},
			{Pattern: `"(?:\\\\|\\"|[^"\n])*"`, Type: chroma.LiteralStringDouble},
			{Pattern: `'(?:\\\\|\\'|[^'\n])*'`, Type: chroma.LiteralStringSingle},
			{Pattern: `@[^@\n]*@`, Type: chroma.LiteralStringOther},
			{Pattern: `\b(?:true|false)\b`, Type: chroma.KeywordConstant},
			{Pattern: `\b(?:a(?:dd|ppend)|prepend|del(?:ete)?|custom|uniform|varying|rel)\b`, Type: chroma.KeywordReserved},
			{Pattern: `\b(?:references|payload|d(?:efaultPrim|oc)|s(?:ubLayers|pecializes)|a(?:ctive|ssetInfo)|hidden|kind|` +
				`in(?:herits|stanceable)|customData|variant(?:s|Sets)?|config|connect|default|dictionary|displayUnit|` +
				`nameChildren|None|offset|permission|prefixSubstitutions|properties|relocates|reorder|rootPrims|scale|` +
				`suffixSubstitutions|symmetryArguments|symmetryFunction|timeSamples)\b`, Type: chroma.Keyword},
			{Pattern: `(?i)\b(?:bool|uchar|u?int(?:64)?|int[234]|half[234]?|float[234]?|double[234]?|string|token|asset|` +
				`matrix[234]d|quat[dfh]|color[34][dfh]|normal3[dfh]|point3[dfh]|vector3[dfh]|frame4d|` +
				`texCoord[23][dfh])\b`, Type: chroma.KeywordType},
			{Pattern: `\b(?:Xform|S(?:cope|hader|phere|ubdiv)|C(?:amera|ube|urve)|M(?:esh|aterial)|P(?:ointInstancer|lane))\b`, Type: chroma.NameClass},
			{Pattern: `\b(?:def|over|class|variantSet)\b`, Type: chroma.KeywordDeclaration},
			{Pattern: `[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`, Type: chroma.LiteralNumber},
			{Pattern: `</|[>(){}\[\]=@…]`, Type: chroma.Punctuation},
			{Pattern: `[A-Za-z_][\w:.]*`, Type: chroma.Name},
			{Pattern: `.`, Type: chroma.Text},
		},
		"comment": {
			{Pattern: `[^*/]+`, Type: chroma.CommentMultiline},
			{Pattern: `\*/`, Type: chroma.CommentMultiline, Mutator: chroma.Pop(1)},
			{Pattern: `[*/]`, Type: chroma.CommentMultiline},
		},
	}
}

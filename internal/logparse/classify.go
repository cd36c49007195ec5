package logparse

import (
	"regexp"
	"strings"

	"github.com/lucasnoah/cihealer/internal/model"
)

// Confidence levels attached to parsed reports.
const (
	ConfHigh   = 0.95
	ConfMedium = 0.75
	ConfLow    = 0.50
)

// Classification is the result of mapping an error name and message to a kind.
type Classification struct {
	Type       model.ErrorType
	SubType    string
	Confidence float64
}

type keyword struct {
	t       model.ErrorType
	subType string
	conf    float64
}

// keywords maps lowercased error class names to a kind. An explicit name
// always beats message patterns.
var keywords = map[string]keyword{
	"syntaxerror":         {model.Syntax, "invalid_syntax", ConfHigh},
	"indentationerror":    {model.Indentation, "wrong_indent", ConfHigh},
	"taberror":            {model.Indentation, "mixed_indent", ConfHigh},
	"importerror":         {model.Import, "missing_import", ConfHigh},
	"modulenotfounderror": {model.Import, "missing_import", ConfHigh},
	"nameerror":           {model.Import, "missing_import", ConfMedium},
	"referenceerror":      {model.Import, "missing_import", ConfHigh},
	"linkerror":           {model.Import, "missing_import", ConfMedium},
	"typeerror":           {model.TypeError, "type_mismatch", ConfHigh},
	"attributeerror":      {model.TypeError, "none_reference", ConfHigh},
	"valueerror":          {model.TypeError, "type_mismatch", ConfMedium},
	"assertionerror":      {model.Logic, "wrong_condition", ConfHigh},
	"indexerror":          {model.Logic, "off_by_one", ConfMedium},
	"keyerror":            {model.Logic, "wrong_condition", ConfMedium},
	"recursionerror":      {model.Logic, "infinite_loop", ConfHigh},
	"zerodivisionerror":   {model.Logic, "wrong_operator", ConfMedium},
	"rangeerror":          {model.Logic, "off_by_one", ConfMedium},
	"compilationerror":    {model.Syntax, "invalid_syntax", ConfMedium},
	"linterror":           {model.Linting, "unused_import", ConfHigh},
}

type pattern struct {
	re      *regexp.Regexp
	t       model.ErrorType
	subType string
	conf    float64
}

func p(expr string, t model.ErrorType, subType string, conf float64) pattern {
	return pattern{re: regexp.MustCompile(`(?i)` + expr), t: t, subType: subType, conf: conf}
}

// patterns are scanned in full. When several match, the lowest-ranked kind
// wins (SYNTAX > IMPORT > TYPE_ERROR > INDENTATION > LOGIC > LINTING), with
// table order breaking ties within a kind.
var patterns = []pattern{
	p(`unexpected indent`, model.Indentation, "over_indent", ConfHigh),
	p(`expected an indented block`, model.Indentation, "under_indent", ConfHigh),
	p(`unindent does not match`, model.Indentation, "wrong_indent", ConfHigh),
	p(`inconsistent use of tabs`, model.Indentation, "mixed_indent", ConfHigh),
	p(`invalid syntax`, model.Syntax, "invalid_syntax", ConfHigh),
	p(`syntax error`, model.Syntax, "invalid_syntax", ConfHigh),
	p(`expected ':'`, model.Syntax, "missing_colon", ConfHigh),
	p(`missing [\)\]}>]`, model.Syntax, "missing_bracket", ConfMedium),
	p(`unterminated.*paren|'\(' was never closed`, model.Syntax, "missing_parenthesis", ConfHigh),
	p(`unexpected token|unexpected end of input|';' expected`, model.Syntax, "invalid_syntax", ConfMedium),
	p(`no module named`, model.Import, "missing_import", ConfHigh),
	p(`cannot find module`, model.Import, "wrong_path", ConfHigh),
	p(`module not found`, model.Import, "missing_import", ConfHigh),
	p(`circular import`, model.Import, "circular_import", ConfHigh),
	p(`relative import`, model.Import, "relative_import", ConfMedium),
	p(`is not defined|cannot find (name|symbol|value)|undefined:`, model.Import, "missing_import", ConfMedium),
	p(`unresolved import|could not find .* in`, model.Import, "wrong_path", ConfMedium),
	p(`has no attribute`, model.TypeError, "none_reference", ConfMedium),
	p(`NoneType|undefined is not an object|cannot read propert`, model.TypeError, "none_reference", ConfHigh),
	p(`incompatible type|is not assignable to`, model.TypeError, "incompatible_types", ConfHigh),
	p(`mismatched types|cannot use .* as .* value`, model.TypeError, "type_mismatch", ConfHigh),
	p(`cannot assign.*to`, model.TypeError, "type_mismatch", ConfMedium),
	p(`expected.*got`, model.TypeError, "type_mismatch", ConfLow),
	p(`unreachable code`, model.Logic, "unreachable_code", ConfHigh),
	p(`assert(ion)?\s+(failed|error)|expect\(.*\)\.to`, model.Logic, "wrong_condition", ConfHigh),
	p(`unused import|imported but unused|imported and not used`, model.Linting, "unused_import", ConfHigh),
	p(`unused variable|declared and not used`, model.Linting, "unused_variable", ConfHigh),
	p(`never used`, model.Linting, "unused_variable", ConfMedium),
	p(`line too long`, model.Linting, "line_too_long", ConfHigh),
	p(`trailing whitespace`, model.Linting, "trailing_whitespace", ConfHigh),
	p(`trailing comma`, model.Linting, "trailing_comma", ConfHigh),
	p(`missing whitespace`, model.Linting, "missing_whitespace", ConfHigh),
	p(`multiple statements`, model.Linting, "multiple_statements", ConfHigh),
}

// Classify maps an error name and message to exactly one kind.
//
// Order: an explicit error-name keyword, then the best message pattern by
// kind precedence, then SYNTAX at low confidence. A keyword hit may still
// take a more specific sub-type from a pattern of the same kind.
func Classify(name, message string) Classification {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", ""))
	text := name + " " + message

	if kw, ok := keywords[key]; ok {
		c := Classification{Type: kw.t, SubType: kw.subType, Confidence: kw.conf}
		for _, pt := range patterns {
			if pt.t == kw.t && pt.re.MatchString(text) {
				c.SubType = pt.subType
				break
			}
		}
		return c
	}

	var best *pattern
	for i := range patterns {
		pt := &patterns[i]
		if !pt.re.MatchString(text) {
			continue
		}
		if best == nil || pt.t.Rank() < best.t.Rank() {
			best = pt
		}
	}
	if best != nil {
		return Classification{Type: best.t, SubType: best.subType, Confidence: best.conf}
	}

	if key == "warning" {
		return Classification{Type: model.Linting, SubType: "unused_variable", Confidence: ConfLow}
	}
	return Classification{Type: model.Syntax, SubType: "invalid_syntax", Confidence: ConfLow}
}

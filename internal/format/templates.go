package format

import (
	"sort"

	"github.com/lucasnoah/cihealer/internal/model"
)

// templates maps (type, sub-type) to the canonical lowercase description.
var templates = map[model.ErrorType]map[string]string{
	model.Linting: {
		"unused_import":       "remove unused import statement",
		"unused_variable":     "remove or utilise the unused variable",
		"line_too_long":       "shorten line to comply with maximum line length",
		"missing_whitespace":  "add required whitespace around operator",
		"trailing_whitespace": "remove trailing whitespace from line",
		"multiple_statements": "split multiple statements onto separate lines",
		"trailing_comma":      "remove trailing comma",
	},
	model.Syntax: {
		"missing_colon":       "add missing colon at end of statement",
		"missing_bracket":     "add missing closing bracket",
		"missing_parenthesis": "add missing closing parenthesis",
		"unexpected_indent":   "remove unexpected indentation",
		"invalid_syntax":      "correct invalid syntax on reported line",
	},
	model.Logic: {
		"wrong_operator":   "replace operator with correct logical operator",
		"wrong_condition":  "correct boolean condition to match intended logic",
		"off_by_one":       "adjust loop or index boundary by one",
		"unreachable_code": "remove or reposition unreachable code block",
		"infinite_loop":    "add correct termination condition to loop",
		"wrong_result":     "correct the computed value to satisfy the assertion",
	},
	model.TypeError: {
		"type_mismatch":      "cast variable to the expected type",
		"none_reference":     "add none check before accessing attribute",
		"wrong_return_type":  "update return value to match declared type",
		"incompatible_types": "align variable types to resolve incompatibility",
	},
	model.Import: {
		"missing_import":  "add missing import statement at top of file",
		"wrong_path":      "correct the import path to match module location",
		"circular_import": "refactor to remove circular import dependency",
		"relative_import": "convert to absolute import path",
	},
	model.Indentation: {
		"wrong_indent": "fix indentation to use consistent spaces",
		"mixed_indent": "convert mixed tabs and spaces to spaces only",
		"over_indent":  "reduce indentation to match surrounding block level",
		"under_indent": "increase indentation to match surrounding block level",
	},
}

// defaultSubType is used when a bug carries no recognised sub-type.
var defaultSubType = map[model.ErrorType]string{
	model.Linting:     "unused_import",
	model.Syntax:      "invalid_syntax",
	model.Logic:       "wrong_condition",
	model.TypeError:   "type_mismatch",
	model.Import:      "missing_import",
	model.Indentation: "wrong_indent",
}

// HasTemplate reports whether subType is a known key for t.
func HasTemplate(t model.ErrorType, subType string) bool {
	_, ok := templates[t][subType]
	return ok
}

// Describe returns the canonical description for (t, subType), falling back
// to the type's default sub-type.
func Describe(t model.ErrorType, subType string) string {
	if d, ok := templates[t][subType]; ok {
		return d
	}
	return templates[t][defaultSubType[t]]
}

// DefaultSubType returns the fallback sub-type key for t.
func DefaultSubType(t model.ErrorType) string {
	return defaultSubType[t]
}

// SubTypes returns the known sub-type keys for t, sorted.
func SubTypes(t model.ErrorType) []string {
	keys := make([]string, 0, len(templates[t]))
	for k := range templates[t] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

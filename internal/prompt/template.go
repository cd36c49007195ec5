package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseStr = "{{/if}}"
)

// Vars maps variable names to values.
type Vars map[string]string

// Render expands {{name}} placeholders and {{#if name}}...{{/if}} blocks.
// A block is kept only when its variable is non-empty. Values are inserted
// verbatim and never re-scanned, so source code containing braces is safe.
// Any placeholder without a value is an error.
func Render(tmpl string, vars Vars) (string, error) {
	result, err := expandConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	out := varRe.ReplaceAllStringFunc(result, func(match string) string {
		name := varRe.FindStringSubmatch(match)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// expandConditionals resolves the innermost block first: for each {{/if}}
// the nearest preceding {{#if}} is its opener.
func expandConditionals(tmpl string, vars Vars) (string, error) {
	result := tmpl
	for {
		closeIdx := strings.Index(result, ifCloseStr)
		if closeIdx == -1 {
			break
		}
		opens := ifOpenRe.FindAllStringSubmatchIndex(result[:closeIdx], -1)
		if opens == nil {
			return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
		}
		open := opens[len(opens)-1]
		name := result[open[2]:open[3]]

		var body string
		if vars[name] != "" {
			body = result[open[1]:closeIdx]
		}
		result = result[:open[0]] + body + result[closeIdx+len(ifCloseStr):]
	}
	if loc := ifOpenRe.FindString(result); loc != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", loc)
	}
	return result, nil
}

// OverrideDir is where a repository may place its own prompt templates.
const OverrideDir = ".healer/templates"

// LoadTemplate returns the named template, preferring a repository override
// under workdir/.healer/templates over the built-in one.
func LoadTemplate(name string, workdir string) (string, error) {
	if workdir != "" {
		base, err := filepath.Abs(filepath.Join(workdir, OverrideDir))
		if err == nil {
			path, err := filepath.Abs(filepath.Join(base, name))
			if err != nil || !strings.HasPrefix(path, base+string(filepath.Separator)) {
				return "", fmt.Errorf("template name %q escapes %s", name, OverrideDir)
			}
			if data, err := os.ReadFile(path); err == nil {
				return string(data), nil
			}
		}
	}
	if tmpl, ok := builtinTemplates[name]; ok {
		return tmpl, nil
	}
	return "", fmt.Errorf("template %q not found", name)
}

// BuiltinNames lists the built-in template names.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtinTemplates))
	for name := range builtinTemplates {
		names = append(names, name)
	}
	return names
}

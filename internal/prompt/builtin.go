package prompt

// Template names.
const (
	FixSystem = "fix-system.md"
	FixUser   = "fix.md"
)

var builtinTemplates = map[string]string{
	FixSystem: fixSystemTemplate,
	FixUser:   fixUserTemplate,
}

const fixSystemTemplate = `You are a minimal CI auto-fixer. Your only job is to fix the reported failure.

Rules:
1. Fix only the reported failure.
2. Change as few lines as possible.
3. Preserve every comment exactly as it is.
4. Do not refactor, rename or reorganise unrelated code.
5. Do not change lines outside {{window}} lines of the reported line ({{min_line}}-{{max_line}}).
6. Do not change CI pipeline files or dependency versions unless the failure is a missing dependency.
7. Never write a report line of the form "TYPE error in FILE line N ... Fix: ...".

Respond with only a JSON object, no markdown fences:
{"patched_content": "<the complete file with the fix applied>", "confidence_score": <0.0-1.0>, "fix_reason": "<short lowercase phrase>", "sub_type": "<one of: {{sub_types}}>"}
`

const fixUserTemplate = `## Failure
Type: {{error_type}}
File: {{file_path}}
Line: {{line_number}}
{{#if test_name}}Test: {{test_name}}
{{/if}}
Error:
{{error_message}}

## Source around the failure (>>> marks the reported line)
{{snippet}}
{{#if previous_attempt}}
## Previous attempt
{{previous_attempt}}
The previous patch was not accepted. Propose a different, smaller change.
{{/if}}

## Full file ({{file_path}})
{{file_content}}
`

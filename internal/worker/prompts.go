package worker

import (
	"fmt"
	"strings"
	"text/template"
)

// resultProvenanceMarker prefixes prompts that carry a child session's
// result back into its parent, so the parent can tell synthetic input
// from a human message.
const resultProvenanceMarker = "[subtask-result]"

// PromptData is the template context for subroutine prompts.
type PromptData struct {
	IssueIdentifier  string
	IssueTitle       string
	IssueDescription string
	PriorResults     []string
	Feedback         string
	Iteration        int
	MaxIterations    int
	UserMessage      string
}

var promptTemplates = template.Must(template.New("prompts").Parse(`
{{- define "header" -}}
You are working on issue {{.IssueIdentifier}}: {{.IssueTitle}}.
{{- if .IssueDescription}}

{{.IssueDescription}}
{{- end}}
{{- if .PriorResults}}

Results from earlier steps:
{{- range .PriorResults}}
- {{.}}
{{- end}}
{{- end}}
{{- end -}}

{{- define "scope" -}}
{{template "header" .}}

Investigate the codebase and produce a concrete plan for resolving this
issue. Do not make changes yet; end with a summary of the intended steps.
{{- end -}}

{{- define "build" -}}
{{template "header" .}}

Implement the plan from the previous step. Make the code changes and end
with a summary of what was changed.
{{- end -}}

{{- define "verify" -}}
{{template "header" .}}

Verify the implementation: run the relevant checks and review the changes
against the issue. Respond with a single JSON object of the form
{"pass": true|false, "reason": "..."} and nothing else.
{{- end -}}

{{- define "respond" -}}
{{template "header" .}}

{{if .UserMessage}}{{.UserMessage}}{{else}}Answer the question raised on this issue. Do not modify any files.{{end}}
{{- end -}}

{{- define "fixer" -}}
{{template "header" .}}

Verification failed (attempt {{.Iteration}} of {{.MaxIterations}}):
{{.Feedback}}

Fix the problem described above, then end with a summary of the fix.
{{- end -}}

{{- define "followup" -}}
{{.UserMessage}}
{{- end -}}
`))

// RenderPrompt renders the named subroutine prompt template.
func RenderPrompt(name string, data PromptData) (string, error) {
	var sb strings.Builder
	if err := promptTemplates.ExecuteTemplate(&sb, name, data); err != nil {
		return "", fmt.Errorf("rendering prompt %q: %w", name, err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// ParentResumePrompt builds the prompt that resumes a parent session with
// its child's result.
func ParentResumePrompt(childIdentifier, childResult string) string {
	return fmt.Sprintf("%s Subtask %s finished with the following result:\n\n%s\n\nContinue working on the parent issue with this result in mind.",
		resultProvenanceMarker, childIdentifier, childResult)
}

package report

const completionText = `# Metapod Completion Report

## Task Summary
- Session: {{.SessionID}}
- Workspace: {{.Workspace}}
- Completed: {{.Completed}}/{{.Total}} tasks{{if .Skipped}} ({{.Skipped}} skipped){{end}}
- Phase: {{title .Phase}}
- State: {{.State}}
{{- if .Error}}
- Error: {{.Error}}
{{- end}}

## TODO Status
{{range .Tasks}}- {{.Mark}} {{.Description}}
{{end}}
{{- if .Research}}
## Research Notes
{{range .Research}}- **{{.Topic}}**: {{note .Summary}}
{{end}}
{{- end}}`

const todoText = "```" + `
TODO Status:
{{range .Tasks}}{{.Mark}} {{.Description}}
{{end}}` + "```\n"

const changeRequestText = `## Summary
{{if .Intent}}{{.Intent}}{{else}}{{.Request}}{{end}}

Session {{.SessionID}} ({{.Autonomy}} autonomy), {{.Completed}}/{{.Total}} tasks completed.

## Scope
- Workspace: {{.Workspace}}
- Behavior preserved? Y
{{- if .Diffs}}
- Changes: {{join .Diffs ", "}}
{{- end}}

## Architecture
- Ports added/changed: see changes above
- Error model: classified errors (validation, transient, policy blocked, fatal)

## Security
- Input validation and error handling reviewed
- Secrets scrubbed from task notes

## Reliability
- Timeouts/retries/backoff/breakers: per capability policy
- Idempotency: change requests keyed by session and phase

## Observability
- Structured logging with correlation ids
- Metrics and traces via OpenTelemetry

## Testing
{{- if .Tests}}
{{- range .Tests}}
- {{.TaskID}}: {{if .Passed}}passed{{else}}failed{{end}}{{if .Summary}} ({{note .Summary}}){{end}}
{{- end}}
{{- else}}
- No test results recorded
{{- end}}

## Research
{{- if .Research}}
{{- range .Research}}
- **{{.Topic}}**: {{note .Summary}}
{{- range .Citations}}
  - {{.}}
{{- end}}
{{- end}}
{{- else}}
- None
{{- end}}

## Performance
- Before/after comparison pending review

## Release
- Rollout steps and rollback plan to be confirmed by the reviewer
`

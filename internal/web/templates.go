package web

import (
	"html/template"
)

// HelpData is rendered into the help layout.
type HelpData struct {
	Version    string
	DocList    []string
	CurrentDoc string
	DocContent template.HTML
}

const helpLayout = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>vtrack help{{if .CurrentDoc}} - {{.CurrentDoc}}{{end}}</title>
</head>
<body>
<nav>
<strong>vtrack {{.Version}}</strong>
<ul>
{{range .DocList}}<li><a href="/help/{{.}}">{{.}}</a></li>
{{end}}</ul>
</nav>
<main>
{{if .DocContent}}{{.DocContent}}{{else}}<p>Pick a page.</p>{{end}}
</main>
</body>
</html>
`

// parseTemplates parses the help layout.
func parseTemplates() (*template.Template, error) {
	return template.New("help").Parse(helpLayout)
}

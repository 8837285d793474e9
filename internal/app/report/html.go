package report

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
)

//go:embed templates/report.html
var templateFS embed.FS

var htmlTemplate = template.Must(template.New("report.html").Funcs(template.FuncMap{
	"lower": strings.ToLower,
}).ParseFS(templateFS, "templates/report.html"))

func renderHTML(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

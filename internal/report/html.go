package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"
)

//go:embed templates/email.html
var templateFS embed.FS

var (
	md = goldmark.New(goldmark.WithRendererOptions(html.WithHardWraps()))

	emailTmpl = template.Must(template.ParseFS(templateFS, "templates/email.html"))
)

// ToHTML converts the markdown report into a styled HTML mail body.
func ToHTML(markdown string) (string, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(markdown), &body); err != nil {
		return "", fmt.Errorf("converting markdown: %w", err)
	}

	var out bytes.Buffer
	if err := emailTmpl.Execute(&out, struct{ Body template.HTML }{template.HTML(body.String())}); err != nil {
		return "", fmt.Errorf("rendering email: %w", err)
	}
	return out.String(), nil
}

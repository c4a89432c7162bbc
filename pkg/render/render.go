// Package render renders the embedded notification templates.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Template names.
const (
	CodeSMS         = "code_sms.tmpl"
	CodeEmail       = "code_email.tmpl"
	InvitationEmail = "invitation_email.tmpl"
)

var funcs = template.FuncMap{
	"title": func(s string) string {
		return cases.Title(language.English).String(strings.ReplaceAll(s, "_", " "))
	},
	"minutes": func(d time.Duration) int {
		return int(d.Round(time.Minute) / time.Minute)
	},
	"date": func(t time.Time) string {
		return t.UTC().Format("2 Jan 2006 15:04 MST")
	},
}

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(funcs).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return strings.TrimSpace(buf.String()), nil
}

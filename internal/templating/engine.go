package templating

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"path/filepath"
	"strings"

	"template-ledger/internal/model"
)

// defaultPage is used when no template directory is configured.
const defaultPage = `{{ define "page" }}<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{ .Template.Name }}</title>
<style>{{ template "preview-style" . }}</style></head>
<body>
<h1>{{ .Template.Name }}</h1>
{{ with .Template.Description }}<p class="description">{{ . }}</p>{{ end }}
<table>
<tr><th>Field</th><th>Type</th><th>Value</th></tr>
{{ range .Rows }}<tr{{ if .Missing }} class="missing"{{ end }}><td>{{ .Name }}{{ if .Required }} *{{ end }}</td><td>{{ .DataType }}</td><td>{{ .Value }}</td></tr>
{{ end }}</table>
</body>
</html>
{{ end }}
{{ define "preview-style" }}
table { border-collapse: collapse; }
td, th { border: 1px solid #ddd; padding: 4px 8px; }
tr.missing td { color: #b00; }
{{ end }}`

// Row is one field of the rendered preview.
type Row struct {
	Name     string
	DataType string
	Required bool
	Value    any
	Missing  bool // required and absent from the payload
}

// Page is the value the "page" template executes against.
type Page struct {
	Template *model.Template
	Rows     []Row
	Data     map[string]any
}

// Engine renders template previews as HTML.
type Engine struct {
	dir string
}

// NewEngine creates a preview engine. When dir is non-empty its *.html,
// *.tmpl and *.css files are parsed together and must define "page";
// otherwise a built-in table layout is used.
func NewEngine(dir string) *Engine {
	return &Engine{dir: dir}
}

func (e *Engine) parse(name string) (*template.Template, error) {
	if e.dir == "" {
		return template.New(name).Parse(defaultPage)
	}

	// 1. Gather template files
	var files []string
	for _, pattern := range []string{"*.html", "*.tmpl", "*.css"} {
		matches, err := filepath.Glob(filepath.Join(e.dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("error finding %s template files in %s: %w", pattern, e.dir, err)
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no template files (.html, .tmpl, .css) found in %s", e.dir)
	}

	// 2. Parse them as one set
	set, err := template.New(name).ParseFiles(files...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates from %s: %w", e.dir, err)
	}
	return set, nil
}

// Render executes the "page" template for tmpl against data. Field values
// are looked up among the payload's leaf keys, so nested payloads work.
func (e *Engine) Render(ctx context.Context, tmpl *model.Template, data map[string]any) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	set, err := e.parse(tmpl.ID)
	if err != nil {
		return nil, err
	}

	values := LeafValues(data)
	page := Page{Template: tmpl, Data: data, Rows: make([]Row, 0, len(tmpl.Fields))}
	for _, f := range tmpl.Fields {
		v, ok := values[f.Name]
		page.Rows = append(page.Rows, Row{
			Name:     f.Name,
			DataType: f.DataType,
			Required: f.Required,
			Value:    v,
			Missing:  f.Required && !ok,
		})
	}

	var buf bytes.Buffer
	if err := set.ExecuteTemplate(&buf, "page", page); err != nil {
		if strings.Contains(err.Error(), "is undefined") || strings.Contains(err.Error(), "not defined") {
			return nil, fmt.Errorf("failed to execute template for %s: the template directory must contain '{{ define \"page\" }} ... {{ end }}'", tmpl.ID)
		}
		return nil, fmt.Errorf("failed to execute template 'page' for %s: %w", tmpl.ID, err)
	}
	return buf.Bytes(), nil
}

// LeafValues flattens a nested payload to its terminal key/value pairs.
// On key collisions the shallowest occurrence wins.
func LeafValues(data map[string]any) map[string]any {
	out := make(map[string]any)
	var nested []map[string]any
	for k, v := range data {
		if m, ok := v.(map[string]any); ok {
			nested = append(nested, m)
			continue
		}
		out[k] = v
	}
	for _, m := range nested {
		for k, v := range LeafValues(m) {
			if _, seen := out[k]; !seen {
				out[k] = v
			}
		}
	}
	return out
}

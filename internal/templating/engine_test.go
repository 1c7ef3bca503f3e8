package templating

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"template-ledger/internal/model"
)

func sampleTemplate() *model.Template {
	return &model.Template{
		ID:          "0190a5c2-test",
		Name:        "Invoice",
		Description: "Monthly billing",
		CreatedAt:   time.Now(),
		Fields: []model.Field{
			{Name: "customer", DataType: "string", Required: true},
			{Name: "total", DataType: "number"},
			{Name: "dueDate", DataType: "date", Required: true},
		},
	}
}

func TestRenderDefaultPage(t *testing.T) {
	engine := NewEngine("")

	out, err := engine.Render(context.Background(), sampleTemplate(), map[string]any{
		"customer": "<b>Acme</b>",
		"billing":  map[string]any{"total": 42},
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	result := string(out)

	expectedStrings := []string{
		`<h1>Invoice</h1>`,
		`<p class="description">Monthly billing</p>`,
		`<td>customer *</td><td>string</td><td>&lt;b&gt;Acme&lt;/b&gt;</td>`,
		`<td>total</td><td>number</td><td>42</td>`,
		`<tr class="missing"><td>dueDate *</td>`,
		`border-collapse: collapse;`,
	}
	for _, str := range expectedStrings {
		if !strings.Contains(result, str) {
			t.Errorf("Expected result to contain %q, but it doesn't.\nResult: %s", str, result)
		}
	}
}

func TestRenderFromDirectory(t *testing.T) {
	dir := t.TempDir()

	baseHTML := `{{ define "page" }}<h1>{{ .Template.Name }}</h1>{{ template "rows" . }}<style>{{ template "page-style" . }}</style>{{ end }}`
	rowsHTML := `{{ define "rows" }}{{ range .Rows }}<p>{{ .Name }}={{ .Value }}</p>{{ end }}{{ end }}`
	styleCSS := `{{ define "page-style" }}.page { padding: 20px; }{{ end }}`

	for name, content := range map[string]string{"base.html": baseHTML, "rows.tmpl": rowsHTML, "style.css": styleCSS} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}

	out, err := NewEngine(dir).Render(context.Background(), sampleTemplate(), map[string]any{"customer": "Acme", "total": 7})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	result := string(out)
	for _, str := range []string{`<h1>Invoice</h1>`, `<p>customer=Acme</p>`, `<p>total=7</p>`, `.page { padding: 20px; }`} {
		if !strings.Contains(result, str) {
			t.Errorf("Expected result to contain %q, but it doesn't.\nResult: %s", str, result)
		}
	}
}

func TestRenderNoPageTemplate(t *testing.T) {
	dir := t.TempDir()
	content := `{{ define "content" }}<p>No page template defined</p>{{ end }}`
	if err := os.WriteFile(filepath.Join(dir, "content.html"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write content.html: %v", err)
	}

	_, err := NewEngine(dir).Render(context.Background(), sampleTemplate(), nil)
	if err == nil {
		t.Fatal("Expected error for missing page template, but got nil")
	}
	if !strings.Contains(err.Error(), `define "page"`) {
		t.Errorf("Expected error to mention the page definition, got: %v", err)
	}
}

func TestRenderEmptyDirectory(t *testing.T) {
	_, err := NewEngine(t.TempDir()).Render(context.Background(), sampleTemplate(), nil)
	if err == nil || !strings.Contains(err.Error(), "no template files") {
		t.Errorf("Expected no template files error, got: %v", err)
	}
}

func TestRenderCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewEngine("").Render(ctx, sampleTemplate(), nil); err == nil {
		t.Error("Expected error for cancelled context, but got nil")
	}
}

func TestLeafValuesPrefersShallowKeys(t *testing.T) {
	got := LeafValues(map[string]any{
		"name":  "top",
		"inner": map[string]any{"name": "nested", "city": "Paris"},
	})
	if got["name"] != "top" || got["city"] != "Paris" {
		t.Errorf("LeafValues() = %v", got)
	}
	if _, ok := got["inner"]; ok {
		t.Error("LeafValues() kept a non-leaf key")
	}
}

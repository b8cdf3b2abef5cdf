package gemini

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/phrazzld/recipe-forge/internal/domain"
	"github.com/phrazzld/recipe-forge/internal/generation"
)

//go:embed prompts/*.tmpl
var defaultPrompts embed.FS

const (
	extractTemplate = "extract"
	inventTemplate  = "invent"
)

var templateFuncs = template.FuncMap{
	"join": strings.Join,
}

type extractData struct {
	Content string
}

// loadTemplate parses the template at path, or the embedded default when
// path is empty.
func loadTemplate(name, path string) (*template.Template, error) {
	var (
		content []byte
		err     error
	)
	if path == "" {
		content, err = defaultPrompts.ReadFile("prompts/" + name + ".tmpl")
	} else {
		content, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s prompt template: %v",
			generation.ErrInvalidConfig, name, err)
	}

	tmpl, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s prompt template: %v",
			generation.ErrInvalidConfig, name, err)
	}
	return tmpl, nil
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute %s prompt template: %w", tmpl.Name(), err)
	}
	prompt := strings.TrimSpace(buf.String())
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	return prompt, nil
}

func renderExtract(tmpl *template.Template, content string) (string, error) {
	return render(tmpl, extractData{Content: content})
}

func renderInvent(tmpl *template.Template, req domain.InventRequest) (string, error) {
	return render(tmpl, req)
}

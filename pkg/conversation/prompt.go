package conversation

import (
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/pkg/errors"
)

const DefaultSystemPromptTemplate = `You are a helpful assistant. Answer as concisely as possible. Current date: {{ .Now | date "January 2, 2006" }}.`

func createTemplate(name string) *template.Template {
	return template.New(name).Funcs(sprig.TxtFuncMap())
}

// RenderSystemPrompt renders the system prompt template. The template sees
// .Now and the sprig functions.
func RenderSystemPrompt(tmpl string, now time.Time) (string, error) {
	if tmpl == "" {
		tmpl = DefaultSystemPromptTemplate
	}
	t, err := createTemplate("system-prompt").Parse(tmpl)
	if err != nil {
		return "", errors.Wrap(err, "parse system prompt")
	}
	var sb strings.Builder
	err = t.Execute(&sb, map[string]interface{}{
		"Now": now,
	})
	if err != nil {
		return "", errors.Wrap(err, "render system prompt")
	}
	return sb.String(), nil
}

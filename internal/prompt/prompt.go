// Package prompt renders generation prompts for catalog subjects.
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"hempdb/imagegen/models"
)

// DefaultNegative is applied when the caller gives no negative prompt.
const DefaultNegative = "text, watermark, logo, blurry, low quality, distorted, cartoon"

var templates = map[models.SubjectKind]*template.Template{
	models.SubjectProduct: template.Must(template.New("product").Parse(
		`Professional product photograph of {{.Name}}{{if .Category}}, a hemp-based {{.Category}} product{{end}}.` +
			`{{if .Description}} {{.Description}}{{end}}` +
			` Clean neutral background, soft studio lighting, sharp focus, commercial catalog style.`)),
	models.SubjectPlantType: template.Must(template.New("plant_type").Parse(
		`Botanical photograph of {{.Name}} industrial hemp growing in a field` +
			`{{if .Category}}, cultivated for {{.Category}}{{end}}.` +
			`{{if .Description}} {{.Description}}{{end}}` +
			` Natural daylight, realistic detail, agricultural documentary style.`)),
	models.SubjectPlantPart: template.Must(template.New("plant_part").Parse(
		`Detailed close-up photograph of hemp {{.Name}}` +
			`{{if .Category}} ({{.Category}}){{end}}.` +
			`{{if .Description}} {{.Description}}{{end}}` +
			` Macro lens, neutral background, scientific reference style.`)),
}

// Rendered is a ready-to-queue prompt pair.
type Rendered struct {
	Prompt         string
	NegativePrompt string
}

type vars struct {
	Name        string
	Category    string
	Description string
}

// Render builds the prompt for a subject. Descriptions are trimmed to their
// first sentence to keep prompts short.
func Render(sub *models.Subject) (Rendered, error) {
	tpl, ok := templates[sub.Kind]
	if !ok {
		return Rendered{}, fmt.Errorf("no prompt template for subject kind %q", sub.Kind)
	}
	v := vars{
		Name:     strings.TrimSpace(sub.Name),
		Category: strings.ReplaceAll(strings.TrimSpace(sub.CategoryOrEmpty()), "_", " "),
	}
	if sub.Description != nil {
		v.Description = firstSentence(*sub.Description)
	}
	if v.Name == "" {
		v.Name = sub.ID
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, v); err != nil {
		return Rendered{}, fmt.Errorf("render prompt for %s: %w", sub.Key(), err)
	}
	return Rendered{Prompt: buf.String(), NegativePrompt: DefaultNegative}, nil
}

func firstSentence(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if i := strings.IndexAny(s, ".!?"); i >= 0 {
		return s[:i+1]
	}
	if s != "" {
		return s + "."
	}
	return s
}

package analysis

import (
	"bytes"
	_ "embed"
	"fmt"
	"text/template"

	"github.com/jackzampolin/codex/internal/entities"
)

//go:embed system.tmpl
var systemText string

//go:embed batch.tmpl
var batchText string

//go:embed translate.tmpl
var translateText string

var (
	systemTmpl    = template.Must(template.New("system").Parse(systemText))
	batchTmpl     = template.Must(template.New("batch").Parse(batchText))
	translateTmpl = template.Must(template.New("translate").Parse(translateText))
)

// maxKnownEntities caps how much accumulated context is sent per class.
const maxKnownEntities = 200

type batchData struct {
	Known       *entities.Set
	First, Last int
	Chapters    []Chapter
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func systemPrompt(targetLanguage string) (string, error) {
	return render(systemTmpl, struct{ TargetLanguage string }{targetLanguage})
}

func batchPrompt(chapters []Chapter, known entities.Set) (string, error) {
	data := batchData{Chapters: chapters}
	if len(chapters) > 0 {
		data.First = chapters[0].Number
		data.Last = chapters[len(chapters)-1].Number
	}
	if !known.Empty() {
		k := entities.Set{
			Characters: known.Characters[:min(len(known.Characters), maxKnownEntities)],
			Terms:      known.Terms[:min(len(known.Terms), maxKnownEntities)],
		}
		data.Known = &k
	}
	return render(batchTmpl, data)
}

func translatePrompt(targetLanguage string, glossary []entities.Term) (string, error) {
	return render(translateTmpl, struct {
		TargetLanguage string
		Glossary       []entities.Term
	}{targetLanguage, glossary})
}

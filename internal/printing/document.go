// Package printing turns drops into printable documents and hands them to an output device.
package printing

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"github.com/iggafy/dropaline-sub000/internal/drops"
)

// SaveAsDocument is the device id that routes a job to a saved file instead of a printer.
const SaveAsDocument = "SAVE_AS_DOCUMENT"

// Document is one print job.
type Document struct {
	Markup   string
	DeviceID string
	Layout   drops.Layout
	Title    string
}

// Sink accepts print jobs. Submit reports success; failures are handled inside the sink
// and never surface as errors or panics. Cancelling ctx must abort the job.
type Sink interface {
	Submit(ctx context.Context, doc Document) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, doc Document) bool

func (f SinkFunc) Submit(ctx context.Context, doc Document) bool {
	return f(ctx, doc)
}

var markupTemplates = template.Must(template.New("markup").Funcs(template.FuncMap{
	"lines": func(text string) []string {
		return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	},
	"upper": strings.ToUpper,
}).Parse(`
{{- define "block" -}}
{{- if .Bold}}<b>{{end}}{{if .Italic}}<i>{{end -}}
{{- range $i, $line := lines .Text}}{{if $i}}<br>{{end}}{{$line}}{{end -}}
{{- if .Italic}}</i>{{end}}{{if .Bold}}</b>{{end -}}
{{- end -}}

{{- define "classic" -}}
<b>{{.Title}}</b><br>{{.Byline}}<br><br>
{{- range .Blocks}}{{template "block" .}}<br><br>{{end -}}
{{- end -}}

{{- define "zine" -}}
<b><i>{{upper .Title}}</i></b><br><u>{{.Byline}}</u><br><br>
{{- range .Blocks}}{{template "block" .}}<br>{{end -}}
{{- end -}}

{{- define "minimal" -}}
{{- range .Blocks}}{{template "block" .}}<br>{{end -}}
{{- end -}}
`))

type markupView struct {
	Title  string
	Byline string
	Blocks []drops.Block
}

// RenderMarkup renders a drop into the basic HTML subset understood by the PDF renderer:
// b, i, u and br tags with escaped text.
func RenderMarkup(drop drops.Drop, authorHandle string) (string, error) {
	blocks, err := drop.Blocks()
	if err != nil {
		return "", err
	}
	layout, err := drops.ParseLayout(string(drop.Layout))
	if err != nil {
		return "", err
	}
	byline := strings.TrimSpace(authorHandle)
	if byline == "" {
		byline = drop.AuthorID
	}
	var buffer bytes.Buffer
	view := markupView{Title: drop.Title, Byline: byline, Blocks: blocks}
	if err := markupTemplates.ExecuteTemplate(&buffer, string(layout), view); err != nil {
		return "", fmt.Errorf("printing: render %s markup: %w", layout, err)
	}
	return buffer.String(), nil
}

// NewDocument renders a drop for the given device.
func NewDocument(drop drops.Drop, authorHandle, deviceID string) (Document, error) {
	markup, err := RenderMarkup(drop, authorHandle)
	if err != nil {
		return Document{}, err
	}
	return Document{
		Markup:   markup,
		DeviceID: deviceID,
		Layout:   drop.Layout,
		Title:    drop.Title,
	}, nil
}
